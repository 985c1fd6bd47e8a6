package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/hospitality/ledger_backend/config"
	"github.com/hospitality/ledger_backend/models"
	"github.com/hospitality/ledger_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const rebuildEventId = "rebuild"

// invalidationSink receives dates whose cached artifacts went stale.
type invalidationSink interface {
	Enqueue(orgId, propertyId string, dates []string)
}

type RebuildResult struct {
	OrgId        string   `json:"org_id"`
	PropertyId   string   `json:"property_id"`
	From         string   `json:"from"`
	To           string   `json:"to"`
	RowsWritten  int      `json:"rows_written"`
	RowsDeleted  int64    `json:"rows_deleted"`
	RowsShifted  int64    `json:"rows_shifted"`
	ShiftCents   int64    `json:"shift_cents"`
	TouchedDates []string `json:"touched_dates"`
}

// Rebuilder recomputes daily_balances from approved transactions for a date window.
type Rebuilder struct {
	db          *gorm.DB
	reader      TransactionReader
	locker      KeyedLocker
	invalidator invalidationSink
	logger      *logrus.Logger
	now         func() time.Time
}

func NewRebuilder(db *gorm.DB, reader TransactionReader, locker KeyedLocker, invalidator invalidationSink, logger *logrus.Logger) *Rebuilder {
	if locker == nil {
		locker = NewMemoryLocker()
	}
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Rebuilder{db: db, reader: reader, locker: locker, invalidator: invalidator, logger: logger, now: time.Now}
}

// RebuildDailyBalances replaces rows in [from, to] with the calculator's output:
//   - the first opening is the approved cash net before from
//   - days without approved transactions lose their row
//   - rows after to are shifted so their openings chain from the new closing
//   - entity positions in the window are reset to the store with a watermark of now, so
//     deliveries that occurred before the rebuild are stale
//
// An entity moved into the window from a date outside it keeps its old contribution there;
// cover both dates when rebuilding after such a move.
func (r *Rebuilder) RebuildDailyBalances(ctx context.Context, orgId, propertyId, from, to string) (RebuildResult, error) {
	result := RebuildResult{OrgId: orgId, PropertyId: propertyId, From: from, To: to}
	if orgId == "" || propertyId == "" {
		return result, fmt.Errorf("%w: org and property are required", ErrInvalidRange)
	}
	dates, err := utils.DateRange(from, to)
	if err != nil {
		return result, fmt.Errorf("%w: %w", ErrInvalidRange, err)
	}
	if len(dates) == 0 {
		return result, fmt.Errorf("%w: %s is after %s", ErrInvalidRange, from, to)
	}

	unlock, err := r.locker.Lock(ctx, propertyLockKey(orgId, propertyId))
	if err != nil {
		return result, err
	}
	defer unlock()

	nowMs := r.now().UnixMilli()
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return withPostingLock(tx, orgId, propertyId, func() error {
			return r.rebuild(ctx, tx, nowMs, &result)
		})
	})
	if err != nil {
		config.LogError(r.logger, "Workflow", "Rebuilder.RebuildDailyBalances", "rebuild daily balances", logrus.Fields{
			"org_id": orgId, "property_id": propertyId, "from": from, "to": to,
		}, err)
		return result, err
	}

	if r.invalidator != nil {
		r.invalidator.Enqueue(orgId, propertyId, result.TouchedDates)
	}
	r.logger.WithFields(logrus.Fields{
		"field":        "Rebuilder",
		"org_id":       orgId,
		"property_id":  propertyId,
		"from":         from,
		"to":           to,
		"rows_written": result.RowsWritten,
		"rows_deleted": result.RowsDeleted,
		"rows_shifted": result.RowsShifted,
		"shift":        utils.FormatCents(result.ShiftCents),
	}).Info("daily balances rebuilt")
	return result, nil
}

func (r *Rebuilder) rebuild(ctx context.Context, tx *gorm.DB, nowMs int64, result *RebuildResult) error {
	orgId, propertyId, from, to := result.OrgId, result.PropertyId, result.From, result.To
	reader := readerFor(r.reader, tx)

	totals, err := reader.CashTotalsBefore(ctx, orgId, propertyId, from)
	if err != nil {
		return err
	}
	opening := OpeningFromTotals(totals)
	txs, err := reader.ListApproved(ctx, orgId, propertyId, from, to)
	if err != nil {
		return err
	}
	days := ComputeRange(&opening, txs, from, to)

	scope := tx.Model(&models.DailyBalance{}).Where("org_id = ? AND property_id = ?", orgId, propertyId)

	var oldDates []string
	if err := scope.Session(&gorm.Session{}).
		Where("balance_date >= ? AND balance_date <= ?", from, to).
		Pluck("balance_date", &oldDates).Error; err != nil {
		return err
	}

	keep := make([]string, 0, len(days))
	asOf, baseline := nowMs, from
	for i, d := range days {
		keep = append(keep, d.BalanceDate)
		row := models.DailyBalance{
			OrgId:                         orgId,
			PropertyId:                    propertyId,
			BalanceDate:                   d.BalanceDate,
			OpeningBalanceCents:           d.OpeningBalanceCents,
			CashReceivedCents:             d.CashReceivedCents,
			BankReceivedCents:             d.BankReceivedCents,
			CashExpensesCents:             d.CashExpensesCents,
			BankExpensesCents:             d.BankExpensesCents,
			ClosingBalanceCents:           d.ClosingBalanceCents,
			CalculatedClosingBalanceCents: d.CalculatedClosingBalanceCents,
			BalanceDiscrepancyCents:       d.BalanceDiscrepancyCents,
			IsOpeningAutoCalculated:       i == 0,
			OpeningAsOfMs:                 &asOf,
			OpeningBaselineDate:           &baseline,
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			return err
		}
	}
	result.RowsWritten = len(days)

	del := tx.Where("org_id = ? AND property_id = ? AND balance_date >= ? AND balance_date <= ?", orgId, propertyId, from, to)
	if len(keep) > 0 {
		del = del.Where("balance_date NOT IN ?", keep)
	}
	res := del.Delete(&models.DailyBalance{})
	if res.Error != nil {
		return res.Error
	}
	result.RowsDeleted = res.RowsAffected

	chainEnd := opening
	if len(days) > 0 {
		chainEnd = days[len(days)-1].ClosingBalanceCents
	}
	shifted, shift, err := shiftRowsAfter(tx, orgId, propertyId, to, chainEnd)
	if err != nil {
		return err
	}
	result.RowsShifted = int64(len(shifted))
	result.ShiftCents = shift

	if err := r.resetPositions(tx, orgId, propertyId, from, to, txs, nowMs); err != nil {
		return err
	}
	result.TouchedDates = utils.MergeDates(oldDates, keep, shifted)
	return nil
}

// shiftRowsAfter moves every row after `to` by the amount that makes the first of them open at chainEnd.
func shiftRowsAfter(tx *gorm.DB, orgId, propertyId, to string, chainEnd int64) ([]string, int64, error) {
	var next models.DailyBalance
	res := tx.Where("org_id = ? AND property_id = ? AND balance_date > ?", orgId, propertyId, to).
		Order("balance_date").Limit(1).Find(&next)
	if res.Error != nil || res.RowsAffected == 0 {
		return nil, 0, res.Error
	}
	shift := chainEnd - next.OpeningBalanceCents
	if shift == 0 {
		return nil, 0, nil
	}
	later := tx.Model(&models.DailyBalance{}).Where("org_id = ? AND property_id = ? AND balance_date > ?", orgId, propertyId, to)
	var dates []string
	if err := later.Session(&gorm.Session{}).Pluck("balance_date", &dates).Error; err != nil {
		return nil, 0, err
	}
	err := later.Updates(map[string]interface{}{
		"opening_balance_cents":            gorm.Expr("opening_balance_cents + ?", shift),
		"closing_balance_cents":            gorm.Expr("closing_balance_cents + ?", shift),
		"calculated_closing_balance_cents": gorm.Expr("calculated_closing_balance_cents + ?", shift),
	}).Error
	return dates, shift, err
}

// resetPositions makes entity positions in the window match the approved set.
func (r *Rebuilder) resetPositions(tx *gorm.DB, orgId, propertyId, from, to string, approved []ApprovedTransaction, nowMs int64) error {
	type entityKey struct {
		entityType models.EntityType
		entityId   string
	}
	counted := make(map[entityKey]bool, len(approved))
	for _, t := range approved {
		counted[entityKey{t.EntityType, t.EntityId}] = true
		pos := models.EntityPosition{
			OrgId:           orgId,
			EntityType:      t.EntityType,
			EntityId:        t.EntityId,
			PropertyId:      propertyId,
			TransactionDate: t.TransactionDate,
			AmountCents:     t.AmountCents,
			PaymentMode:     t.PaymentMode,
			Active:          true,
			LastEventId:     rebuildEventId,
			LastEventAtMs:   nowMs,
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&pos).Error; err != nil {
			return err
		}
	}

	var active []models.EntityPosition
	if err := tx.Where("org_id = ? AND property_id = ? AND active = ? AND transaction_date >= ? AND transaction_date <= ?",
		orgId, propertyId, true, from, to).Find(&active).Error; err != nil {
		return err
	}
	for _, pos := range active {
		if counted[entityKey{pos.EntityType, pos.EntityId}] {
			continue
		}
		if err := tx.Model(&models.EntityPosition{}).
			Where("org_id = ? AND entity_type = ? AND entity_id = ?", pos.OrgId, pos.EntityType, pos.EntityId).
			Updates(map[string]interface{}{
				"active":           false,
				"last_event_id":    rebuildEventId,
				"last_event_at_ms": nowMs,
			}).Error; err != nil {
			return err
		}
	}
	return nil
}
