package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hospitality/ledger_backend/models"
	"gorm.io/gorm"
)

// TransactionReadContractVersion is the version of the read contract the engine expects from
// the transaction store. Bump it when a field is added or its meaning changes.
const TransactionReadContractVersion = 2

var ErrTransactionNotFound = errors.New("transaction not found")

// TransactionRecord is the v1 read view of one revenue or expense.
type TransactionRecord struct {
	EntityType      models.EntityType
	EntityId        string
	OrgId           string
	PropertyId      string
	CreatedByUserId string
	AmountCents     int64
	PaymentMode     models.PaymentMode
	TransactionDate string
	Status          models.TransactionStatus
}

// CashTotals sums approved cash movement; bank movement never enters the cash position.
type CashTotals struct {
	ReceivedCents int64
	ExpensesCents int64
}

func (t CashTotals) NetCents() int64 { return t.ReceivedCents - t.ExpensesCents }

// TransactionReader is everything the engine reads from the transaction store.
type TransactionReader interface {
	ContractVersion() int
	Get(ctx context.Context, entityType models.EntityType, entityId string) (TransactionRecord, error)
	// DeletedApproval reports whether a soft-deleted transaction is still on record as approved,
	// with its approval time when the store kept one. Added in v2.
	DeletedApproval(ctx context.Context, entityType models.EntityType, entityId string) (bool, *time.Time, error)
	// PendingCountsBefore counts a user's pending transactions per date, for dates strictly before `before`.
	PendingCountsBefore(ctx context.Context, orgId, userId, before string) (map[string]int64, error)
	// ListApproved returns approved transactions of a property in [from, to]. Empty from means unbounded.
	ListApproved(ctx context.Context, orgId, propertyId, from, to string) ([]ApprovedTransaction, error)
	CountApprovedByDate(ctx context.Context, orgId, propertyId, from, to string) (map[string]int64, error)
	CashTotalsBefore(ctx context.Context, orgId, propertyId, before string) (CashTotals, error)
	PropertiesWithActivity(ctx context.Context, orgId, from, to string) ([]string, error)
}

// txBoundReader is implemented by readers that live in the engine's own database; the projector
// reads through the open transaction so it sees its own writes and holds no second connection.
type txBoundReader interface {
	WithTx(tx *gorm.DB) TransactionReader
}

func readerFor(r TransactionReader, tx *gorm.DB) TransactionReader {
	if b, ok := r.(txBoundReader); ok && tx != nil {
		return b.WithTx(tx)
	}
	return r
}

// GormTransactionReader reads the revenues and expenses tables directly.
type GormTransactionReader struct {
	db *gorm.DB
}

func NewGormTransactionReader(db *gorm.DB) *GormTransactionReader {
	return &GormTransactionReader{db: db}
}

func (r *GormTransactionReader) ContractVersion() int { return TransactionReadContractVersion }

func (r *GormTransactionReader) WithTx(tx *gorm.DB) TransactionReader {
	return &GormTransactionReader{db: tx}
}

func transactionModels() []struct {
	entity models.EntityType
	model  interface{}
} {
	return []struct {
		entity models.EntityType
		model  interface{}
	}{
		{models.EntityTypeRevenue, &models.Revenue{}},
		{models.EntityTypeExpense, &models.Expense{}},
	}
}

func (r *GormTransactionReader) Get(ctx context.Context, entityType models.EntityType, entityId string) (TransactionRecord, error) {
	db := r.db.WithContext(ctx)
	switch entityType {
	case models.EntityTypeRevenue:
		var rev models.Revenue
		res := db.Where("id = ?", entityId).Limit(1).Find(&rev)
		if res.Error != nil {
			return TransactionRecord{}, res.Error
		}
		if res.RowsAffected == 0 {
			return TransactionRecord{}, fmt.Errorf("%w: revenue %s", ErrTransactionNotFound, entityId)
		}
		return TransactionRecord{
			EntityType: models.EntityTypeRevenue, EntityId: rev.ID, OrgId: rev.OrgId, PropertyId: rev.PropertyId,
			CreatedByUserId: rev.CreatedByUserId, AmountCents: rev.AmountCents, PaymentMode: rev.PaymentMode,
			TransactionDate: rev.TransactionDate, Status: rev.Status,
		}, nil
	case models.EntityTypeExpense:
		var exp models.Expense
		res := db.Where("id = ?", entityId).Limit(1).Find(&exp)
		if res.Error != nil {
			return TransactionRecord{}, res.Error
		}
		if res.RowsAffected == 0 {
			return TransactionRecord{}, fmt.Errorf("%w: expense %s", ErrTransactionNotFound, entityId)
		}
		return TransactionRecord{
			EntityType: models.EntityTypeExpense, EntityId: exp.ID, OrgId: exp.OrgId, PropertyId: exp.PropertyId,
			CreatedByUserId: exp.CreatedByUserId, AmountCents: exp.AmountCents, PaymentMode: exp.PaymentMode,
			TransactionDate: exp.TransactionDate, Status: exp.Status,
		}, nil
	}
	return TransactionRecord{}, fmt.Errorf("unknown entity type %q", entityType)
}

type approvalRow struct {
	Status     models.TransactionStatus
	ApprovedAt *time.Time
}

func (r *GormTransactionReader) DeletedApproval(ctx context.Context, entityType models.EntityType, entityId string) (bool, *time.Time, error) {
	for _, m := range transactionModels() {
		if m.entity != entityType {
			continue
		}
		var rows []approvalRow
		err := r.db.WithContext(ctx).Unscoped().Model(m.model).
			Select("status, approved_at").
			Where("id = ? AND deleted_at IS NOT NULL", entityId).
			Limit(1).
			Scan(&rows).Error
		if err != nil {
			return false, nil, err
		}
		if len(rows) == 0 || rows[0].Status != models.TransactionStatusApproved {
			return false, nil, nil
		}
		return true, rows[0].ApprovedAt, nil
	}
	return false, nil, fmt.Errorf("unknown entity type %q", entityType)
}

type dateCount struct {
	TransactionDate string
	Cnt             int64
}

func (r *GormTransactionReader) PendingCountsBefore(ctx context.Context, orgId, userId, before string) (map[string]int64, error) {
	out := map[string]int64{}
	for _, m := range transactionModels() {
		var rows []dateCount
		err := r.db.WithContext(ctx).Model(m.model).
			Select("transaction_date, COUNT(*) AS cnt").
			Where("org_id = ? AND created_by_user_id = ? AND status = ? AND transaction_date < ?",
				orgId, userId, models.TransactionStatusPending, before).
			Group("transaction_date").
			Scan(&rows).Error
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			out[row.TransactionDate] += row.Cnt
		}
	}
	return out, nil
}

type approvedRow struct {
	ID              string
	TransactionDate string
	AmountCents     int64
	PaymentMode     models.PaymentMode
}

func (r *GormTransactionReader) ListApproved(ctx context.Context, orgId, propertyId, from, to string) ([]ApprovedTransaction, error) {
	var out []ApprovedTransaction
	for _, m := range transactionModels() {
		q := r.db.WithContext(ctx).Model(m.model).
			Select("id, transaction_date, amount_cents, payment_mode").
			Where("org_id = ? AND property_id = ? AND status = ? AND transaction_date <= ?",
				orgId, propertyId, models.TransactionStatusApproved, to)
		if from != "" {
			q = q.Where("transaction_date >= ?", from)
		}
		var rows []approvedRow
		if err := q.Scan(&rows).Error; err != nil {
			return nil, err
		}
		for _, row := range rows {
			out = append(out, ApprovedTransaction{
				EntityType:      m.entity,
				EntityId:        row.ID,
				TransactionDate: row.TransactionDate,
				AmountCents:     row.AmountCents,
				PaymentMode:     row.PaymentMode,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TransactionDate != out[j].TransactionDate {
			return out[i].TransactionDate < out[j].TransactionDate
		}
		if out[i].EntityType != out[j].EntityType {
			return out[i].EntityType < out[j].EntityType
		}
		return out[i].EntityId < out[j].EntityId
	})
	return out, nil
}

func (r *GormTransactionReader) CountApprovedByDate(ctx context.Context, orgId, propertyId, from, to string) (map[string]int64, error) {
	out := map[string]int64{}
	for _, m := range transactionModels() {
		var rows []dateCount
		err := r.db.WithContext(ctx).Model(m.model).
			Select("transaction_date, COUNT(*) AS cnt").
			Where("org_id = ? AND property_id = ? AND status = ? AND transaction_date >= ? AND transaction_date <= ?",
				orgId, propertyId, models.TransactionStatusApproved, from, to).
			Group("transaction_date").
			Scan(&rows).Error
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			out[row.TransactionDate] += row.Cnt
		}
	}
	return out, nil
}

func (r *GormTransactionReader) CashTotalsBefore(ctx context.Context, orgId, propertyId, before string) (CashTotals, error) {
	var totals CashTotals
	for _, m := range transactionModels() {
		var sum int64
		err := r.db.WithContext(ctx).Model(m.model).
			Select("COALESCE(SUM(amount_cents), 0)").
			Where("org_id = ? AND property_id = ? AND status = ? AND payment_mode = ? AND transaction_date < ?",
				orgId, propertyId, models.TransactionStatusApproved, models.PaymentModeCash, before).
			Scan(&sum).Error
		if err != nil {
			return CashTotals{}, err
		}
		if m.entity == models.EntityTypeRevenue {
			totals.ReceivedCents = sum
		} else {
			totals.ExpensesCents = sum
		}
	}
	return totals, nil
}

func (r *GormTransactionReader) PropertiesWithActivity(ctx context.Context, orgId, from, to string) ([]string, error) {
	seen := map[string]bool{}
	for _, m := range transactionModels() {
		var ids []string
		err := r.db.WithContext(ctx).Model(m.model).
			Where("org_id = ? AND status = ? AND transaction_date >= ? AND transaction_date <= ?",
				orgId, models.TransactionStatusApproved, from, to).
			Distinct().
			Pluck("property_id", &ids).Error
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			seen[id] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
