package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hospitality/ledger_backend/utils"
)

var ErrInvalidEvent = errors.New("invalid ledger event")

var validate = validator.New()

// EventMetadata is the per-event-type payload. Exactly one concrete type matches each EventAction.
type EventMetadata interface {
	Action() EventAction
	// AffectedDates lists every business date whose derived artifacts the event can change.
	AffectedDates() []string
}

// AddedMetadata accompanies *_added. Status is "approved" when the creator is an administrator.
type AddedMetadata struct {
	AmountCents     int64             `json:"amount_cents" validate:"gt=0"`
	Currency        string            `json:"currency" validate:"required,len=3"`
	PaymentMode     PaymentMode       `json:"payment_mode" validate:"required,oneof=cash bank"`
	TransactionDate string            `json:"transaction_date" validate:"required,datetime=2006-01-02"`
	Category        string            `json:"category,omitempty"`
	Status          TransactionStatus `json:"status" validate:"required,oneof=pending approved"`
}

func (AddedMetadata) Action() EventAction        { return EventActionAdded }
func (m AddedMetadata) AffectedDates() []string { return []string{m.TransactionDate} }

type ApprovedMetadata struct {
	AmountCents     int64       `json:"amount_cents" validate:"gt=0"`
	Currency        string      `json:"currency" validate:"required,len=3"`
	PaymentMode     PaymentMode `json:"payment_mode" validate:"required,oneof=cash bank"`
	TransactionDate string      `json:"transaction_date" validate:"required,datetime=2006-01-02"`
	Category        string      `json:"category,omitempty"`
	CreatorUserId   string      `json:"creator_user_id" validate:"required"`
}

func (ApprovedMetadata) Action() EventAction        { return EventActionApproved }
func (m ApprovedMetadata) AffectedDates() []string { return []string{m.TransactionDate} }

type RejectedMetadata struct {
	AmountCents     int64             `json:"amount_cents" validate:"gt=0"`
	PaymentMode     PaymentMode       `json:"payment_mode" validate:"required,oneof=cash bank"`
	TransactionDate string            `json:"transaction_date" validate:"required,datetime=2006-01-02"`
	PreviousStatus  TransactionStatus `json:"previous_status" validate:"required,oneof=pending approved"`
	Reason          string            `json:"reason,omitempty"`
}

func (RejectedMetadata) Action() EventAction        { return EventActionRejected }
func (m RejectedMetadata) AffectedDates() []string { return []string{m.TransactionDate} }

// UpdatedMetadata carries both sides of an edit. ReportDates lets the writer name extra dates whose reports mention the entity.
type UpdatedMetadata struct {
	AmountCents             int64             `json:"amount_cents" validate:"gt=0"`
	Currency                string            `json:"currency" validate:"required,len=3"`
	PaymentMode             PaymentMode       `json:"payment_mode" validate:"required,oneof=cash bank"`
	TransactionDate         string            `json:"transaction_date" validate:"required,datetime=2006-01-02"`
	Status                  TransactionStatus `json:"status" validate:"required,oneof=pending approved rejected"`
	PreviousAmountCents     int64             `json:"previous_amount_cents" validate:"gt=0"`
	PreviousPaymentMode     PaymentMode       `json:"previous_payment_mode" validate:"required,oneof=cash bank"`
	PreviousTransactionDate string            `json:"previous_transaction_date" validate:"required,datetime=2006-01-02"`
	ReportDates             []string          `json:"report_dates,omitempty" validate:"dive,datetime=2006-01-02"`
}

func (UpdatedMetadata) Action() EventAction { return EventActionUpdated }
func (m UpdatedMetadata) AffectedDates() []string {
	return utils.MergeDates([]string{m.PreviousTransactionDate, m.TransactionDate}, m.ReportDates)
}

// DeletedMetadata carries the amounts being reversed since the entity row is gone.
type DeletedMetadata struct {
	AmountCents     int64             `json:"amount_cents" validate:"gt=0"`
	PaymentMode     PaymentMode       `json:"payment_mode" validate:"required,oneof=cash bank"`
	TransactionDate string            `json:"transaction_date" validate:"required,datetime=2006-01-02"`
	PreviousStatus  TransactionStatus `json:"previous_status" validate:"required,oneof=pending approved rejected"`
}

func (DeletedMetadata) Action() EventAction        { return EventActionDeleted }
func (m DeletedMetadata) AffectedDates() []string { return []string{m.TransactionDate} }

// LedgerEvent is the immutable record of one mutation to a revenue or expense.
type LedgerEvent struct {
	EventId     string        `json:"event_id" validate:"required"`
	EventType   EventType     `json:"event_type" validate:"required"`
	OrgId       string        `json:"org_id" validate:"required"`
	PropertyId  string        `json:"property_id" validate:"required"`
	ActorUserId string        `json:"actor_user_id" validate:"required"`
	EntityId    string        `json:"entity_id" validate:"required"`
	EntityType  EntityType    `json:"entity_type" validate:"required,oneof=revenue expense"`
	OccurredAt  time.Time     `json:"occurred_at" validate:"required"`
	Metadata    EventMetadata `json:"metadata" validate:"required"`
}

// NewLedgerEvent assigns a fresh event id and checks the metadata matches the event type.
// A zero occurredAt means now.
func NewLedgerEvent(eventType EventType, orgId, propertyId, actorUserId, entityId string, occurredAt time.Time, metadata EventMetadata) (LedgerEvent, error) {
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	ev := LedgerEvent{
		EventId:     uuid.NewString(),
		EventType:   eventType,
		OrgId:       orgId,
		PropertyId:  propertyId,
		ActorUserId: actorUserId,
		EntityId:    entityId,
		EntityType:  eventType.EntityType(),
		OccurredAt:  occurredAt.UTC(),
		Metadata:    metadata,
	}
	if err := ev.Validate(); err != nil {
		return LedgerEvent{}, err
	}
	return ev, nil
}

func (e LedgerEvent) Validate() error {
	if !e.EventType.IsValid() {
		return fmt.Errorf("%w: %w %q", ErrInvalidEvent, ErrUnknownEventType, e.EventType)
	}
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, utils.ProcessValidationErrors(err))
	}
	if e.EntityType != e.EventType.EntityType() {
		return fmt.Errorf("%w: entity type %q does not match event type %q", ErrInvalidEvent, e.EntityType, e.EventType)
	}
	if e.Metadata.Action() != e.EventType.Action() {
		return fmt.Errorf("%w: %s metadata on %q event", ErrInvalidEvent, e.Metadata.Action(), e.EventType)
	}
	if err := validate.Struct(e.Metadata); err != nil {
		return fmt.Errorf("%w: metadata %v", ErrInvalidEvent, utils.ProcessValidationErrors(err))
	}
	return nil
}

func (e LedgerEvent) AffectedDates() []string {
	if e.Metadata == nil {
		return nil
	}
	return utils.MergeDates(e.Metadata.AffectedDates())
}

type ledgerEventWire struct {
	EventId     string          `json:"event_id"`
	EventType   EventType       `json:"event_type"`
	OrgId       string          `json:"org_id"`
	PropertyId  string          `json:"property_id"`
	ActorUserId string          `json:"actor_user_id"`
	EntityId    string          `json:"entity_id"`
	EntityType  EntityType      `json:"entity_type"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Metadata    json.RawMessage `json:"metadata"`
}

func (e LedgerEvent) MarshalJSON() ([]byte, error) {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ledgerEventWire{
		EventId:     e.EventId,
		EventType:   e.EventType,
		OrgId:       e.OrgId,
		PropertyId:  e.PropertyId,
		ActorUserId: e.ActorUserId,
		EntityId:    e.EntityId,
		EntityType:  e.EntityType,
		OccurredAt:  e.OccurredAt,
		Metadata:    meta,
	})
}

// UnmarshalJSON picks the metadata variant from event_type.
func (e *LedgerEvent) UnmarshalJSON(data []byte) error {
	var wire ledgerEventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	meta, err := decodeMetadata(wire.EventType.Action(), wire.Metadata)
	if err != nil {
		return fmt.Errorf("%w: event %s: %w", ErrInvalidEvent, wire.EventId, err)
	}
	*e = LedgerEvent{
		EventId:     wire.EventId,
		EventType:   wire.EventType,
		OrgId:       wire.OrgId,
		PropertyId:  wire.PropertyId,
		ActorUserId: wire.ActorUserId,
		EntityId:    wire.EntityId,
		EntityType:  wire.EntityType,
		OccurredAt:  wire.OccurredAt,
		Metadata:    meta,
	}
	return nil
}

func decodeMetadata(action EventAction, raw json.RawMessage) (EventMetadata, error) {
	switch action {
	case EventActionAdded:
		var m AddedMetadata
		err := json.Unmarshal(raw, &m)
		return m, err
	case EventActionApproved:
		var m ApprovedMetadata
		err := json.Unmarshal(raw, &m)
		return m, err
	case EventActionRejected:
		var m RejectedMetadata
		err := json.Unmarshal(raw, &m)
		return m, err
	case EventActionUpdated:
		var m UpdatedMetadata
		err := json.Unmarshal(raw, &m)
		return m, err
	case EventActionDeleted:
		var m DeletedMetadata
		err := json.Unmarshal(raw, &m)
		return m, err
	}
	return nil, ErrUnknownEventType
}
