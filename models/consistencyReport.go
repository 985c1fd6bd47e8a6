package models

import "time"

type ConsistencyIssueKind string

const (
	// IssueOrphanedCache: derived artifacts exist for a date with no approved transactions. Repairable.
	IssueOrphanedCache ConsistencyIssueKind = "ORPHANED_CACHE"
	// IssueOpeningChainBreak: a day's opening differs from the previous row's closing. Report-only.
	IssueOpeningChainBreak ConsistencyIssueKind = "OPENING_CHAIN_BREAK"
	// IssueClosingDiscrepancy: stored closing differs from the calculated closing. Report-only.
	IssueClosingDiscrepancy ConsistencyIssueKind = "CLOSING_DISCREPANCY"
)

// ConsistencyReport persists one validator finding (nightly sweep or ops-triggered).
type ConsistencyReport struct {
	ID                     int                  `gorm:"primary_key" json:"id"`
	OrgId                  string               `gorm:"size:64;not null;index:idx_consistency_scope,priority:1" json:"org_id"`
	PropertyId             string               `gorm:"size:64;not null;index:idx_consistency_scope,priority:2" json:"property_id"`
	BalanceDate            string               `gorm:"size:10;not null;index:idx_consistency_scope,priority:3" json:"balance_date"`
	IssueKind              ConsistencyIssueKind `gorm:"size:32;not null;index" json:"issue_kind"`
	HasBalanceRow          bool                 `gorm:"not null" json:"has_balance_row"`
	HasReportCache         bool                 `gorm:"not null" json:"has_report_cache"`
	HasDistributedCache    bool                 `gorm:"not null" json:"has_distributed_cache"`
	ApprovedTransactionCnt int64                `gorm:"not null" json:"approved_transaction_cnt"`
	Details                string               `gorm:"type:text" json:"details"`
	CorrelationId          string               `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt              time.Time            `gorm:"autoCreateTime" json:"created_at"`
}
