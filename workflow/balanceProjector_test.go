package workflow

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/hospitality/ledger_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	d0 = "2024-02-28"
	d1 = "2024-03-01"
	d2 = "2024-03-02"
	d3 = "2024-03-03"
	d4 = "2024-03-04"
)

var (
	revenue = models.EntityTypeRevenue
	expense = models.EntityTypeExpense
	cash    = models.PaymentModeCash
	bank    = models.PaymentModeBank
)

func TestProjectorSameDayCashScenario(t *testing.T) {
	db := newTestDB(t)
	p := newTestProjector(db)
	ctx := context.Background()

	_, err := p.Apply(ctx, approvedEvent(revenue, "rev-1", d1, 10000, cash, 1))
	require.NoError(t, err)
	res, err := p.Apply(ctx, approvedEvent(expense, "exp-1", d1, 4000, cash, 2))
	require.NoError(t, err)
	assert.Equal(t, []string{d1}, res.TouchedDates)

	row, ok := loadRow(t, db, d1)
	require.True(t, ok)
	assert.Equal(t, int64(0), row.OpeningBalanceCents)
	assert.Equal(t, int64(10000), row.CashReceivedCents)
	assert.Equal(t, int64(4000), row.CashExpensesCents)
	assert.Equal(t, int64(6000), row.ClosingBalanceCents)
	assert.Equal(t, int64(6000), row.CalculatedClosingBalanceCents)
	assert.True(t, row.IsOpeningAutoCalculated)
}

func TestProjectorDuplicateDeliveryIsIgnored(t *testing.T) {
	db := newTestDB(t)
	p := newTestProjector(db)
	ctx := context.Background()
	ev := approvedEvent(revenue, "rev-1", d1, 10000, cash, 1)

	first, err := p.Apply(ctx, ev)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := p.Apply(ctx, ev)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Empty(t, second.TouchedDates)

	row, _ := loadRow(t, db, d1)
	assert.Equal(t, int64(10000), row.ClosingBalanceCents)
}

func TestProjectorEarlierDayCascadesIntoLaterOpenings(t *testing.T) {
	db := newTestDB(t)
	p := newTestProjector(db)
	ctx := context.Background()

	_, err := p.Apply(ctx, approvedEvent(expense, "exp-1", d2, 4000, cash, 2))
	require.NoError(t, err)
	res, err := p.Apply(ctx, approvedEvent(revenue, "rev-1", d1, 10000, cash, 1))
	require.NoError(t, err)
	assert.Equal(t, []string{d1, d2}, res.TouchedDates)

	row1, _ := loadRow(t, db, d1)
	row2, _ := loadRow(t, db, d2)
	assert.Equal(t, int64(10000), row1.ClosingBalanceCents)
	assert.Equal(t, int64(10000), row2.OpeningBalanceCents)
	assert.Equal(t, int64(6000), row2.ClosingBalanceCents)
}

func TestProjectorRejectReversesAppliedAmount(t *testing.T) {
	db := newTestDB(t)
	p := newTestProjector(db)
	ctx := context.Background()

	_, err := p.Apply(ctx, approvedEvent(revenue, "rev-1", d1, 10000, cash, 1))
	require.NoError(t, err)
	_, err = p.Apply(ctx, approvedEvent(expense, "exp-1", d2, 1000, cash, 2))
	require.NoError(t, err)
	_, err = p.Apply(ctx, rejectedEvent(revenue, "rev-1", d1, 10000, cash, 3))
	require.NoError(t, err)

	row1, _ := loadRow(t, db, d1)
	row2, _ := loadRow(t, db, d2)
	assert.Equal(t, int64(0), row1.CashReceivedCents)
	assert.Equal(t, int64(0), row1.ClosingBalanceCents)
	assert.Equal(t, int64(0), row2.OpeningBalanceCents)
	assert.Equal(t, int64(-1000), row2.ClosingBalanceCents)

	var pos models.EntityPosition
	require.NoError(t, db.Where("entity_id = ?", "rev-1").First(&pos).Error)
	assert.False(t, pos.Active)
}

func TestProjectorUpdateMovesAmountBetweenDates(t *testing.T) {
	db := newTestDB(t)
	p := newTestProjector(db)
	ctx := context.Background()

	_, err := p.Apply(ctx, approvedEvent(revenue, "rev-1", d1, 10000, cash, 1))
	require.NoError(t, err)
	res, err := p.Apply(ctx, updatedEvent(revenue, "rev-1", d1, 10000, cash, d2, 5000, cash, models.TransactionStatusApproved, 2))
	require.NoError(t, err)
	assert.Equal(t, []string{d1, d2}, res.TouchedDates)

	row1, _ := loadRow(t, db, d1)
	row2, _ := loadRow(t, db, d2)
	assert.Equal(t, int64(0), row1.ClosingBalanceCents)
	assert.Equal(t, int64(0), row2.OpeningBalanceCents)
	assert.Equal(t, int64(5000), row2.CashReceivedCents)
	assert.Equal(t, int64(5000), row2.ClosingBalanceCents)
}

func TestProjectorUpdateToBankLeavesCashUntouched(t *testing.T) {
	db := newTestDB(t)
	p := newTestProjector(db)
	ctx := context.Background()

	_, err := p.Apply(ctx, approvedEvent(expense, "exp-1", d1, 3000, cash, 1))
	require.NoError(t, err)
	_, err = p.Apply(ctx, updatedEvent(expense, "exp-1", d1, 3000, cash, d1, 3000, bank, models.TransactionStatusApproved, 2))
	require.NoError(t, err)

	row, _ := loadRow(t, db, d1)
	assert.Equal(t, int64(0), row.CashExpensesCents)
	assert.Equal(t, int64(3000), row.BankExpensesCents)
	assert.Equal(t, int64(0), row.ClosingBalanceCents)
}

func TestProjectorSkipsStaleEvent(t *testing.T) {
	db := newTestDB(t)
	p := newTestProjector(db)
	ctx := context.Background()

	_, err := p.Apply(ctx, approvedEvent(revenue, "rev-1", d1, 10000, cash, 5))
	require.NoError(t, err)
	res, err := p.Apply(ctx, rejectedEvent(revenue, "rev-1", d1, 10000, cash, 3))
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Empty(t, res.TouchedDates)

	row, _ := loadRow(t, db, d1)
	assert.Equal(t, int64(10000), row.ClosingBalanceCents)
}

func TestProjectorDeleteOfUnknownEntityIsNoOp(t *testing.T) {
	db := newTestDB(t)
	p := newTestProjector(db)
	ctx := context.Background()

	res, err := p.Apply(ctx, deletedEvent(expense, "exp-9", d1, 2000, cash, 4))
	require.NoError(t, err)
	assert.Empty(t, res.TouchedDates)
	assert.Empty(t, loadRows(t, db))

	// The approval that preceded the delete arrives late and stays out.
	res, err = p.Apply(ctx, approvedEvent(expense, "exp-9", d1, 2000, cash, 2))
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Empty(t, loadRows(t, db))
}

func TestProjectorDeleteUnwindsApprovalHeldInBaseline(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedTransactions(t, db,
		approved(revenue, "rev-0", d1, 10000, cash),
		approved(expense, "exp-1", d2, 4000, cash),
	)
	p := newTestProjector(db)

	_, err := p.Apply(ctx, approvedEvent(expense, "exp-1", d2, 4000, cash, 2))
	require.NoError(t, err)
	row2, _ := loadRow(t, db, d2)
	require.Equal(t, int64(10000), row2.OpeningBalanceCents, "rev-0 read into the back-computed opening")

	require.NoError(t, db.Delete(&models.Revenue{}, "id = ?", "rev-0").Error)
	res, err := p.Apply(ctx, deletedEvent(revenue, "rev-0", d1, 10000, cash, 3))
	require.NoError(t, err)
	assert.Equal(t, []string{d2}, res.TouchedDates)
	_, ok := loadRow(t, db, d1)
	assert.False(t, ok, "no row for a date the projector never counted")

	txs, err := NewGormTransactionReader(db).ListApproved(ctx, testOrg, testProp, "", d4)
	require.NoError(t, err)
	expected := ComputeRange(nil, txs, d1, d4)
	require.NotEmpty(t, expected)
	last := expected[len(expected)-1]
	require.Equal(t, d2, last.BalanceDate)
	row2, _ = loadRow(t, db, d2)
	assert.Equal(t, last.OpeningBalanceCents, row2.OpeningBalanceCents)
	assert.Equal(t, last.ClosingBalanceCents, row2.ClosingBalanceCents)
	assert.Equal(t, int64(-4000), row2.CalculatedClosingBalanceCents)

	// The approval arrives after the delete and stays out.
	res, err = p.Apply(ctx, approvedEvent(revenue, "rev-0", d1, 10000, cash, 1))
	require.NoError(t, err)
	assert.True(t, res.Stale)
	row2, _ = loadRow(t, db, d2)
	assert.Equal(t, int64(-4000), row2.ClosingBalanceCents)
}

func TestProjectorDeleteLeavesBaselineTakenBeforeApproval(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedTransactions(t, db, approved(expense, "exp-1", d2, 4000, cash))
	p := newTestProjector(db)
	p.now = func() time.Time { return eventBase }

	_, err := p.Apply(ctx, approvedEvent(expense, "exp-1", d2, 4000, cash, 2))
	require.NoError(t, err)

	approvedAt := eventBase.Add(time.Minute)
	require.NoError(t, db.Create(&models.Revenue{
		ID: "rev-0", OrgId: testOrg, PropertyId: testProp, TransactionDate: d1, AmountCents: 10000,
		Currency: "INR", PaymentMode: cash, Status: models.TransactionStatusApproved,
		CreatedByUserId: "user-1", ApprovedAt: &approvedAt,
	}).Error)
	require.NoError(t, db.Delete(&models.Revenue{}, "id = ?", "rev-0").Error)

	res, err := p.Apply(ctx, deletedEvent(revenue, "rev-0", d1, 10000, cash, 3))
	require.NoError(t, err)
	assert.Empty(t, res.TouchedDates)
	row2, _ := loadRow(t, db, d2)
	assert.Equal(t, int64(0), row2.OpeningBalanceCents)
	assert.Equal(t, int64(-4000), row2.ClosingBalanceCents)
}

func TestProjectorRejectsInvalidEvent(t *testing.T) {
	db := newTestDB(t)
	p := newTestProjector(db)
	ev := approvedEvent(revenue, "rev-1", d1, 10000, cash, 1)
	ev.OrgId = ""

	_, err := p.Apply(context.Background(), ev)
	assert.ErrorIs(t, err, ErrInvalidEvent)
	assert.NotErrorIs(t, err, ErrProjectionApply)
}

func TestProjectorFailureLeavesNothingBehind(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	broken := NewBalanceProjector(db, erroringReader{
		TransactionReader: NewGormTransactionReader(db),
		totalsErr:         errors.New("transaction store unavailable"),
	}, NewMemoryLocker(), 0, quietLogger(), nil)
	ev := approvedEvent(revenue, "rev-1", d1, 10000, cash, 1)

	_, err := broken.Apply(ctx, ev)
	require.ErrorIs(t, err, ErrProjectionApply)
	assert.Empty(t, loadRows(t, db))

	var keys int64
	require.NoError(t, db.Model(&models.IdempotencyKey{}).Count(&keys).Error)
	assert.Zero(t, keys)

	// The retry goes through once the store is back.
	res, err := newTestProjector(db).Apply(ctx, ev)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	row, _ := loadRow(t, db, d1)
	assert.Equal(t, int64(10000), row.ClosingBalanceCents)
}

func TestProjectorOpeningBaselineIsNotCountedTwice(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedTransactions(t, db,
		approved(revenue, "rev-1", d1, 10000, cash),
		approved(expense, "exp-1", d2, 4000, cash),
	)
	p := newTestProjector(db)
	p.now = func() time.Time { return eventBase.Add(24 * time.Hour) }

	_, err := p.Apply(ctx, approvedEvent(expense, "exp-1", d2, 4000, cash, 2))
	require.NoError(t, err)
	row2, _ := loadRow(t, db, d2)
	assert.Equal(t, int64(10000), row2.OpeningBalanceCents, "opening back-computed from the store")

	_, err = p.Apply(ctx, approvedEvent(revenue, "rev-1", d1, 10000, cash, 1))
	require.NoError(t, err)
	row2, _ = loadRow(t, db, d2)
	assert.Equal(t, int64(10000), row2.OpeningBalanceCents)
	assert.Equal(t, int64(6000), row2.ClosingBalanceCents)
}

func TestProjectorLateEventBetweenChainedRows(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedTransactions(t, db,
		approved(revenue, "rev-1", d1, 10000, cash),
		approved(expense, "exp-1", d2, 500, cash),
		approved(revenue, "rev-2", d3, 2000, cash),
	)
	p := newTestProjector(db)
	p.now = func() time.Time { return eventBase.Add(24 * time.Hour) }

	for _, ev := range []models.LedgerEvent{
		approvedEvent(revenue, "rev-1", d1, 10000, cash, 1),
		approvedEvent(revenue, "rev-2", d3, 2000, cash, 3),
		approvedEvent(expense, "exp-1", d2, 500, cash, 2),
	} {
		_, err := p.Apply(ctx, ev)
		require.NoError(t, err)
	}

	row3, _ := loadRow(t, db, d3)
	assert.Equal(t, int64(9500), row3.OpeningBalanceCents)
	assert.Equal(t, int64(11500), row3.ClosingBalanceCents)
}

// lifecycleEvents walks several entities through add, approve, edit, reject and delete.
// finalApproved is what the transaction store holds once every event has happened.
func lifecycleEvents() []models.LedgerEvent {
	return []models.LedgerEvent{
		approvedEvent(revenue, "rev-0", d0, 5000, cash, 1),
		addedEvent(revenue, "rev-1", d1, 10000, cash, models.TransactionStatusPending, 2),
		addedEvent(expense, "exp-1", d1, 4000, cash, models.TransactionStatusApproved, 3),
		approvedEvent(revenue, "rev-2", d2, 7000, cash, 4),
		approvedEvent(revenue, "rev-1", d1, 10000, cash, 5),
		approvedEvent(expense, "exp-2", d2, 2500, cash, 6),
		approvedEvent(revenue, "rev-3", d3, 3000, cash, 7),
		addedEvent(expense, "exp-3", d4, 1000, cash, models.TransactionStatusPending, 8),
		updatedEvent(revenue, "rev-2", d2, 7000, cash, d3, 8000, bank, models.TransactionStatusApproved, 9),
		rejectedEvent(expense, "exp-2", d2, 2500, cash, 10),
		updatedEvent(expense, "exp-3", d4, 1000, cash, d4, 1500, cash, models.TransactionStatusPending, 11),
		deletedEvent(revenue, "rev-3", d3, 3000, cash, 12),
		approvedEvent(expense, "exp-3", d4, 1500, cash, 13),
		approvedEvent(revenue, "rev-4", d4, 6000, cash, 14),
		updatedEvent(revenue, "rev-4", d4, 6000, cash, d1, 6000, cash, models.TransactionStatusApproved, 15),
		addedEvent(expense, "exp-4", d2, 900, cash, models.TransactionStatusPending, 16),
	}
}

func finalApproved() []ApprovedTransaction {
	return []ApprovedTransaction{
		{EntityType: revenue, EntityId: "rev-0", TransactionDate: d0, AmountCents: 5000, PaymentMode: cash},
		{EntityType: revenue, EntityId: "rev-1", TransactionDate: d1, AmountCents: 10000, PaymentMode: cash},
		{EntityType: expense, EntityId: "exp-1", TransactionDate: d1, AmountCents: 4000, PaymentMode: cash},
		{EntityType: revenue, EntityId: "rev-4", TransactionDate: d1, AmountCents: 6000, PaymentMode: cash},
		{EntityType: revenue, EntityId: "rev-2", TransactionDate: d3, AmountCents: 8000, PaymentMode: bank},
		{EntityType: expense, EntityId: "exp-3", TransactionDate: d4, AmountCents: 1500, PaymentMode: cash},
	}
}

func seedFinalStore(t *testing.T, db *gorm.DB) {
	seedTransactions(t, db,
		approved(revenue, "rev-0", d0, 5000, cash),
		approved(revenue, "rev-1", d1, 10000, cash),
		approved(expense, "exp-1", d1, 4000, cash),
		approved(revenue, "rev-4", d1, 6000, cash),
		approved(revenue, "rev-2", d3, 8000, bank),
		approved(expense, "exp-3", d4, 1500, cash),
		txSeed{entity: expense, id: "exp-2", date: d2, cents: 2500, mode: cash, status: models.TransactionStatusRejected},
		txSeed{entity: expense, id: "exp-4", date: d2, cents: 900, mode: cash, status: models.TransactionStatusPending},
	)
}

// assertMatchesCalculator checks every day with approved transactions against the calculator;
// rows left on days that lost all their transactions must carry nothing.
func assertMatchesCalculator(t *testing.T, db *gorm.DB, label string) {
	t.Helper()
	expected := ComputeRange(nil, finalApproved(), "2024-01-01", "2024-12-31")
	byDate := map[string]models.DailyBalance{}
	for _, row := range loadRows(t, db) {
		byDate[row.BalanceDate] = row
	}
	want := map[string]bool{}
	for _, day := range expected {
		want[day.BalanceDate] = true
		row, ok := byDate[day.BalanceDate]
		if !assert.True(t, ok, "%s: missing row %s", label, day.BalanceDate) {
			continue
		}
		assert.Equal(t, day.OpeningBalanceCents, row.OpeningBalanceCents, "%s: opening %s", label, day.BalanceDate)
		assert.Equal(t, day.CashReceivedCents, row.CashReceivedCents, "%s: cash received %s", label, day.BalanceDate)
		assert.Equal(t, day.BankReceivedCents, row.BankReceivedCents, "%s: bank received %s", label, day.BalanceDate)
		assert.Equal(t, day.CashExpensesCents, row.CashExpensesCents, "%s: cash expenses %s", label, day.BalanceDate)
		assert.Equal(t, day.BankExpensesCents, row.BankExpensesCents, "%s: bank expenses %s", label, day.BalanceDate)
		assert.Equal(t, day.ClosingBalanceCents, row.ClosingBalanceCents, "%s: closing %s", label, day.BalanceDate)
		assert.Equal(t, row.ClosingBalanceCents, row.CalculatedClosingBalanceCents, "%s: calculated %s", label, day.BalanceDate)
	}
	for date, row := range byDate {
		if want[date] {
			continue
		}
		assert.Zero(t, row.CashReceivedCents+row.BankReceivedCents+row.CashExpensesCents+row.BankExpensesCents,
			"%s: leftover row %s carries amounts", label, date)
		assert.Equal(t, row.OpeningBalanceCents, row.ClosingBalanceCents, "%s: leftover row %s", label, date)
	}
}

func shuffled(events []models.LedgerEvent, seed int64) []models.LedgerEvent {
	out := append([]models.LedgerEvent(nil), events...)
	rand.New(rand.NewSource(seed)).Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func reversed(events []models.LedgerEvent) []models.LedgerEvent {
	out := make([]models.LedgerEvent, len(events))
	for i, ev := range events {
		out[len(events)-1-i] = ev
	}
	return out
}

func TestProjectorOrderIndependentAgainstEmptyStore(t *testing.T) {
	orders := map[string][]models.LedgerEvent{
		"in-order": lifecycleEvents(),
		"reversed": reversed(lifecycleEvents()),
	}
	for seed := int64(1); seed <= 6; seed++ {
		orders[fmt.Sprintf("seed-%d", seed)] = shuffled(lifecycleEvents(), seed)
	}
	for name, events := range orders {
		t.Run(name, func(t *testing.T) {
			db := newTestDB(t)
			p := newTestProjector(db)
			for _, ev := range events {
				_, err := p.Apply(context.Background(), ev)
				require.NoError(t, err)
			}
			assertMatchesCalculator(t, db, name)
		})
	}
}

func TestProjectorOrderIndependentAgainstSettledStore(t *testing.T) {
	orders := map[string][]models.LedgerEvent{
		"in-order": lifecycleEvents(),
		"reversed": reversed(lifecycleEvents()),
	}
	for seed := int64(11); seed <= 16; seed++ {
		orders[fmt.Sprintf("seed-%d", seed)] = shuffled(lifecycleEvents(), seed)
	}
	for name, events := range orders {
		t.Run(name, func(t *testing.T) {
			db := newTestDB(t)
			seedFinalStore(t, db)
			p := newTestProjector(db)
			p.now = func() time.Time { return eventBase.Add(48 * time.Hour) }
			for _, ev := range events {
				_, err := p.Apply(context.Background(), ev)
				require.NoError(t, err)
			}
			assertMatchesCalculator(t, db, name)
		})
	}
}

func TestProjectorConcurrentDeliveriesWithRedelivery(t *testing.T) {
	db := newTestDB(t)
	p := newTestProjector(db)
	events := lifecycleEvents()

	var wg sync.WaitGroup
	errs := make(chan error, len(events)*2)
	for _, ev := range append(shuffled(events, 42), events[:5]...) {
		wg.Add(1)
		go func(ev models.LedgerEvent) {
			defer wg.Done()
			if _, err := p.Apply(context.Background(), ev); err != nil {
				errs <- err
			}
		}(ev)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assertMatchesCalculator(t, db, "concurrent")
}
