package models

import "time"

// EntityPosition is what the balance projector last applied for one revenue/expense.
// Reversals subtract exactly this, and LastEventAtMs orders late deliveries: an event that
// occurred before it is stale and skipped.
type EntityPosition struct {
	OrgId      string     `gorm:"primaryKey;size:64" json:"org_id"`
	EntityType EntityType `gorm:"primaryKey;size:16" json:"entity_type"`
	EntityId   string     `gorm:"primaryKey;size:64" json:"entity_id"`

	PropertyId      string      `gorm:"size:64;not null;index:idx_position_prop_date,priority:1" json:"property_id"`
	TransactionDate string      `gorm:"size:10;not null;index:idx_position_prop_date,priority:2" json:"transaction_date"`
	AmountCents     int64       `gorm:"not null" json:"amount_cents"`
	PaymentMode     PaymentMode `gorm:"size:10;not null" json:"payment_mode"`
	// Active is true while the entity's amount is counted in the projection.
	Active        bool      `gorm:"not null" json:"active"`
	LastEventId   string    `gorm:"size:64;not null" json:"last_event_id"`
	LastEventAtMs int64     `gorm:"not null" json:"last_event_at_ms"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
