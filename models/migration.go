package models

import (
	"gorm.io/gorm"
)

// MigrateTable creates or updates every table the engine owns plus the transaction tables it reads.
func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&Revenue{}, &Expense{},
		&LedgerEventRecord{},
		&DailyBalance{}, &EntityPosition{},
		&DailyApprovalGrant{},
		&ReportCacheEntry{},
		&IdempotencyKey{},
		&ConsistencyReport{},
	)
}
