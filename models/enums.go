package models

import (
	"errors"
	"strings"
)

type EntityType string

const (
	EntityTypeRevenue EntityType = "revenue"
	EntityTypeExpense EntityType = "expense"
)

func (t EntityType) IsValid() bool {
	return t == EntityTypeRevenue || t == EntityTypeExpense
}

// EventAction is the lifecycle step an event records, independent of entity type.
type EventAction string

const (
	EventActionAdded    EventAction = "added"
	EventActionApproved EventAction = "approved"
	EventActionRejected EventAction = "rejected"
	EventActionUpdated  EventAction = "updated"
	EventActionDeleted  EventAction = "deleted"
)

type EventType string

const (
	EventTypeRevenueAdded    EventType = "revenue_added"
	EventTypeRevenueApproved EventType = "revenue_approved"
	EventTypeRevenueRejected EventType = "revenue_rejected"
	EventTypeRevenueUpdated  EventType = "revenue_updated"
	EventTypeRevenueDeleted  EventType = "revenue_deleted"
	EventTypeExpenseAdded    EventType = "expense_added"
	EventTypeExpenseApproved EventType = "expense_approved"
	EventTypeExpenseRejected EventType = "expense_rejected"
	EventTypeExpenseUpdated  EventType = "expense_updated"
	EventTypeExpenseDeleted  EventType = "expense_deleted"
)

var ErrUnknownEventType = errors.New("unknown event type")

// MakeEventType composes e.g. (expense, approved) into "expense_approved".
func MakeEventType(entity EntityType, action EventAction) EventType {
	return EventType(string(entity) + "_" + string(action))
}

func (t EventType) split() (EntityType, EventAction, bool) {
	entity, action, ok := strings.Cut(string(t), "_")
	if !ok {
		return "", "", false
	}
	e, a := EntityType(entity), EventAction(action)
	if !e.IsValid() {
		return "", "", false
	}
	switch a {
	case EventActionAdded, EventActionApproved, EventActionRejected, EventActionUpdated, EventActionDeleted:
		return e, a, true
	}
	return "", "", false
}

func (t EventType) IsValid() bool {
	_, _, ok := t.split()
	return ok
}

func (t EventType) EntityType() EntityType {
	e, _, _ := t.split()
	return e
}

func (t EventType) Action() EventAction {
	_, a, _ := t.split()
	return a
}

type PaymentMode string

const (
	PaymentModeCash PaymentMode = "cash"
	PaymentModeBank PaymentMode = "bank"
)

func (m PaymentMode) IsValid() bool {
	return m == PaymentModeCash || m == PaymentModeBank
}

type TransactionStatus string

const (
	TransactionStatusPending  TransactionStatus = "pending"
	TransactionStatusApproved TransactionStatus = "approved"
	TransactionStatusRejected TransactionStatus = "rejected"
)

type UserRole string

const (
	UserRoleAdmin   UserRole = "ADMIN"
	UserRoleManager UserRole = "MANAGER"
)

// CacheKind names one family of derived artifacts held in the cache tiers.
type CacheKind string

const (
	CacheKindDailyBalance CacheKind = "daily_balance"
	CacheKindDailyReport  CacheKind = "daily_report"
)

// AllCacheKinds is what invalidation and validation sweep for a (org, property, date).
var AllCacheKinds = []CacheKind{CacheKindDailyBalance, CacheKindDailyReport}

type GrantSource string

const (
	GrantSourceAuto   GrantSource = "auto"
	GrantSourceManual GrantSource = "manual"
)
