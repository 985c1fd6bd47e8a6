package models

import "time"

// ReportCacheEntry is the relational cache tier: a serialized report or balance for one
// (org, property, date, kind). PropertyId "*" holds org-wide aggregates.
type ReportCacheEntry struct {
	OrgId       string    `gorm:"primaryKey;size:64" json:"org_id"`
	PropertyId  string    `gorm:"primaryKey;size:64" json:"property_id"`
	BalanceDate string    `gorm:"primaryKey;size:10" json:"balance_date"`
	Kind        CacheKind `gorm:"primaryKey;size:32" json:"kind"`
	Payload     []byte    `gorm:"type:blob" json:"payload"`
	ExpiresAtMs int64     `gorm:"not null;index" json:"expires_at_ms"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
