package models

import (
	"time"

	"gorm.io/gorm"
)

// Expense is owned by the transaction CRUD surface; the engine only reads it (TransactionReadContract v1).
type Expense struct {
	ID               string            `gorm:"primaryKey;size:64" json:"id"`
	OrgId            string            `gorm:"size:64;not null;index:idx_expense_org_prop_date,priority:1" json:"org_id"`
	PropertyId       string            `gorm:"size:64;not null;index:idx_expense_org_prop_date,priority:2" json:"property_id"`
	TransactionDate  string            `gorm:"size:10;not null;index:idx_expense_org_prop_date,priority:3" json:"transaction_date"`
	AmountCents      int64             `gorm:"not null" json:"amount_cents"`
	Currency         string            `gorm:"size:3;not null" json:"currency"`
	PaymentMode      PaymentMode       `gorm:"size:10;not null" json:"payment_mode"`
	Category         string            `gorm:"size:100" json:"category"`
	Status           TransactionStatus `gorm:"size:16;not null;index" json:"status"`
	CreatedByUserId  string            `gorm:"size:64;not null;index" json:"created_by_user_id"`
	ApprovedByUserId *string           `gorm:"size:64" json:"approved_by_user_id"`
	ApprovedAt       *time.Time        `json:"approved_at"`
	CreatedAt        time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt        gorm.DeletedAt    `gorm:"index" json:"-"`
}
