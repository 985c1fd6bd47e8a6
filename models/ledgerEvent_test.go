package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTypeSplit(t *testing.T) {
	assert.Equal(t, EntityTypeExpense, EventTypeExpenseApproved.EntityType())
	assert.Equal(t, EventActionApproved, EventTypeExpenseApproved.Action())
	assert.Equal(t, EventTypeRevenueDeleted, MakeEventType(EntityTypeRevenue, EventActionDeleted))
	assert.False(t, EventType("invoice_approved").IsValid())
	assert.False(t, EventType("revenue_voided").IsValid())
}

func TestNewLedgerEventRejectsMismatchedMetadata(t *testing.T) {
	_, err := NewLedgerEvent(EventTypeRevenueApproved, "org-1", "prop-1", "admin-1", "rev-1", time.Time{}, DeletedMetadata{
		AmountCents: 100, PaymentMode: PaymentModeCash, TransactionDate: "2024-03-01", PreviousStatus: TransactionStatusApproved,
	})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestNewLedgerEventValidatesMetadata(t *testing.T) {
	_, err := NewLedgerEvent(EventTypeRevenueApproved, "org-1", "prop-1", "admin-1", "rev-1", time.Time{}, ApprovedMetadata{
		AmountCents: 0, Currency: "INR", PaymentMode: PaymentModeCash, TransactionDate: "2024-03-01", CreatorUserId: "u-1",
	})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = NewLedgerEvent(EventTypeRevenueApproved, "org-1", "prop-1", "admin-1", "rev-1", time.Time{}, ApprovedMetadata{
		AmountCents: 100, Currency: "INR", PaymentMode: "card", TransactionDate: "2024-03-01", CreatorUserId: "u-1",
	})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = NewLedgerEvent(EventTypeRevenueApproved, "", "prop-1", "admin-1", "rev-1", time.Time{}, ApprovedMetadata{
		AmountCents: 100, Currency: "INR", PaymentMode: PaymentModeCash, TransactionDate: "2024-03-01", CreatorUserId: "u-1",
	})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestLedgerEventDecodesMetadataVariant(t *testing.T) {
	ev, err := NewLedgerEvent(EventTypeExpenseUpdated, "org-1", "prop-1", "admin-1", "exp-1", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), UpdatedMetadata{
		AmountCents:             4500,
		Currency:                "INR",
		PaymentMode:             PaymentModeBank,
		TransactionDate:         "2024-03-02",
		Status:                  TransactionStatusApproved,
		PreviousAmountCents:     4000,
		PreviousPaymentMode:     PaymentModeCash,
		PreviousTransactionDate: "2024-03-01",
	})
	require.NoError(t, err)

	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded LedgerEvent
	require.NoError(t, json.Unmarshal(raw, &decoded))
	meta, ok := decoded.Metadata.(UpdatedMetadata)
	require.True(t, ok, "metadata should decode as UpdatedMetadata, got %T", decoded.Metadata)
	assert.Equal(t, int64(4000), meta.PreviousAmountCents)
	assert.Equal(t, ev.EventId, decoded.EventId)
	assert.True(t, ev.OccurredAt.Equal(decoded.OccurredAt))
	assert.NoError(t, decoded.Validate())
}

func TestUpdatedMetadataAffectsBothDates(t *testing.T) {
	meta := UpdatedMetadata{
		TransactionDate:         "2024-03-05",
		PreviousTransactionDate: "2024-03-01",
		ReportDates:             []string{"2024-03-01", "2024-03-31"},
	}
	assert.Equal(t, []string{"2024-03-01", "2024-03-05", "2024-03-31"}, meta.AffectedDates())
}

func TestLedgerEventRecordRoundTrip(t *testing.T) {
	ev, err := NewLedgerEvent(EventTypeRevenueAdded, "org-1", "prop-1", "u-1", "rev-1", time.Time{}, AddedMetadata{
		AmountCents: 10000, Currency: "INR", PaymentMode: PaymentModeCash, TransactionDate: "2024-03-01", Status: TransactionStatusPending,
	})
	require.NoError(t, err)

	rec, err := NewLedgerEventRecord(ev, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, OutboxPublishStatusPending, rec.PublishStatus)
	assert.Equal(t, "corr-1", rec.CorrelationId)

	back, err := rec.Event()
	require.NoError(t, err)
	assert.Equal(t, ev.Metadata, back.Metadata)
}
