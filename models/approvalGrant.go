package models

import "time"

// DailyApprovalGrant excuses a user's pending backlog for one calendar date.
// Unique: (org_id, user_id, approval_date).
type DailyApprovalGrant struct {
	ID              int         `gorm:"primary_key" json:"id"`
	OrgId           string      `gorm:"size:64;not null;index:uniq_grant,unique,priority:1" json:"org_id"`
	UserId          string      `gorm:"size:64;not null;index:uniq_grant,unique,priority:2" json:"user_id"`
	ApprovalDate    string      `gorm:"size:10;not null;index:uniq_grant,unique,priority:3" json:"approval_date"`
	GrantedByUserId string      `gorm:"size:64;not null" json:"granted_by_user_id"`
	Source          GrantSource `gorm:"size:10;not null" json:"source"`
	CreatedAt       time.Time   `gorm:"autoCreateTime" json:"created_at"`
}
