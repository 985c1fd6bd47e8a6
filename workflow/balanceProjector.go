package workflow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hospitality/ledger_backend/config"
	"github.com/hospitality/ledger_backend/metrics"
	"github.com/hospitality/ledger_backend/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const projectorHandlerName = "balance_projector"

// ApplyResult describes what one delivery did to the projection.
type ApplyResult struct {
	EventId    string
	OrgId      string
	PropertyId string
	// Duplicate: the event id was already applied.
	Duplicate bool
	// Stale: a newer event for the same entity was applied first, so this one changed nothing.
	Stale bool
	// TouchedDates are the rows whose amounts changed, including cascaded openings.
	TouchedDates []string
}

// BalanceProjector folds ledger events into daily_balances.
//
// Per entity it keeps the last applied (date, amount, mode) and the occurred_at watermark. Each
// event states whether the entity should count and with which values; the projector reverses what
// it applied before and applies the new state. Events older than the watermark are skipped, so the
// final projection does not depend on delivery order.
type BalanceProjector struct {
	db      *gorm.DB
	reader  TransactionReader
	locker  KeyedLocker
	logger  *logrus.Logger
	metrics *metrics.Metrics
	timeout time.Duration
	now     func() time.Time
}

func NewBalanceProjector(db *gorm.DB, reader TransactionReader, locker KeyedLocker, timeout time.Duration, logger *logrus.Logger, m *metrics.Metrics) *BalanceProjector {
	if locker == nil {
		locker = NewMemoryLocker()
	}
	if logger == nil {
		logger = config.GetLogger()
	}
	return &BalanceProjector{
		db:      db,
		reader:  reader,
		locker:  locker,
		logger:  logger,
		metrics: m,
		timeout: timeout,
		now:     time.Now,
	}
}

// Apply projects one event. Duplicates and stale events succeed without changing anything.
// Any other failure (including the apply timeout) returns ErrProjectionApply and leaves the
// projection untouched, so the delivery can be retried.
func (p *BalanceProjector) Apply(ctx context.Context, ev models.LedgerEvent) (ApplyResult, error) {
	start := time.Now()
	result := ApplyResult{EventId: ev.EventId, OrgId: ev.OrgId, PropertyId: ev.PropertyId}
	if err := ev.Validate(); err != nil {
		p.metrics.ObserveProjection("invalid", time.Since(start))
		return result, err
	}

	ctx, span := tracer.Start(ctx, "BalanceProjector.Apply", trace.WithAttributes(
		attribute.String("ledger.event_id", ev.EventId),
		attribute.String("ledger.event_type", string(ev.EventType)),
		attribute.String("ledger.org_id", ev.OrgId),
		attribute.String("ledger.property_id", ev.PropertyId),
	))
	defer span.End()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	unlock, err := p.locker.Lock(ctx, propertyLockKey(ev.OrgId, ev.PropertyId))
	if err != nil {
		return result, p.fail(span, ev, start, err)
	}
	defer unlock()

	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return withPostingLock(tx, ev.OrgId, ev.PropertyId, func() error {
			skip, err := BeginIdempotency(tx, ev.OrgId, projectorHandlerName, ev.EventId)
			if err != nil {
				return err
			}
			if skip {
				result.Duplicate = true
				return nil
			}
			touched, stale, err := p.project(ctx, tx, ev)
			if err != nil {
				return err
			}
			result.Stale = stale
			result.TouchedDates = touched
			return MarkIdempotencySucceeded(tx, ev.OrgId, projectorHandlerName, ev.EventId)
		})
	})
	if err != nil {
		return result, p.fail(span, ev, start, err)
	}

	switch {
	case result.Duplicate:
		p.metrics.ObserveProjection("duplicate", time.Since(start))
	case result.Stale:
		p.metrics.ObserveProjection("stale", time.Since(start))
	default:
		p.metrics.ObserveProjection("applied", time.Since(start))
	}
	if len(result.TouchedDates) > 0 {
		p.checkDiscrepancy(ctx, ev, result.TouchedDates)
	}
	return result, nil
}

func (p *BalanceProjector) fail(span trace.Span, ev models.LedgerEvent, start time.Time, err error) error {
	p.metrics.ObserveProjection("failed", time.Since(start))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	wrapped := fmt.Errorf("%w: event %s: %w", ErrProjectionApply, ev.EventId, err)
	config.LogError(p.logger, "Workflow", "BalanceProjector.Apply", "apply ledger event", logrus.Fields{
		"event_id":    ev.EventId,
		"event_type":  ev.EventType,
		"org_id":      ev.OrgId,
		"property_id": ev.PropertyId,
	}, wrapped)
	return wrapped
}

// entityState is what an event says about its entity: counted with these values, or not counted.
type entityState struct {
	Counted     bool
	Date        string
	AmountCents int64
	PaymentMode models.PaymentMode
}

func desiredState(ev models.LedgerEvent) entityState {
	switch m := ev.Metadata.(type) {
	case models.AddedMetadata:
		if m.Status == models.TransactionStatusApproved {
			return entityState{true, m.TransactionDate, m.AmountCents, m.PaymentMode}
		}
	case models.ApprovedMetadata:
		return entityState{true, m.TransactionDate, m.AmountCents, m.PaymentMode}
	case models.UpdatedMetadata:
		if m.Status == models.TransactionStatusApproved {
			return entityState{true, m.TransactionDate, m.AmountCents, m.PaymentMode}
		}
	}
	// rejected, deleted, pending adds and edits of non-approved entities
	return entityState{}
}

func (p *BalanceProjector) project(ctx context.Context, tx *gorm.DB, ev models.LedgerEvent) ([]string, bool, error) {
	var pos models.EntityPosition
	res := tx.Where("org_id = ? AND entity_type = ? AND entity_id = ?", ev.OrgId, ev.EntityType, ev.EntityId).
		Limit(1).Find(&pos)
	if res.Error != nil {
		return nil, false, res.Error
	}
	found := res.RowsAffected > 0
	occurredMs := ev.OccurredAt.UnixMilli()
	if found && occurredMs < pos.LastEventAtMs {
		p.logger.WithFields(logrus.Fields{
			"field":        "BalanceProjector",
			"event_id":     ev.EventId,
			"entity_id":    ev.EntityId,
			"occurred_ms":  occurredMs,
			"watermark_ms": pos.LastEventAtMs,
		}).Info("skipping stale ledger event")
		return nil, true, nil
	}

	current := entityState{}
	if found && pos.Active {
		current = entityState{true, pos.TransactionDate, pos.AmountCents, pos.PaymentMode}
	}
	if d, ok := ev.Metadata.(models.DeletedMetadata); ok && current.Counted && d.AmountCents != current.AmountCents {
		config.LogWarn(p.logger, "Workflow", "BalanceProjector.project", "delete amount differs from applied amount; reversing applied amount",
			logrus.Fields{"event_id": ev.EventId, "applied_cents": current.AmountCents, "event_cents": d.AmountCents}, nil)
	}
	next := desiredState(ev)

	w := &projectionWriter{
		tx:         tx,
		reader:     readerFor(p.reader, tx),
		ctx:        ctx,
		orgId:      ev.OrgId,
		propertyId: ev.PropertyId,
		occurredMs: occurredMs,
		nowMs:      p.now().UnixMilli(),
		touched:    map[string]bool{},
	}
	if d, ok := ev.Metadata.(models.DeletedMetadata); ok && !found && d.PreviousStatus == models.TransactionStatusApproved {
		if err := w.unwindBaseline(ev.EntityType, ev.EntityId, d); err != nil {
			return nil, false, err
		}
	}
	if current != next {
		if current.Counted {
			if err := w.apply(current.Date, bucketDelta(ev.EntityType, current.PaymentMode, current.AmountCents).Negate()); err != nil {
				return nil, false, err
			}
		}
		if next.Counted {
			if err := w.apply(next.Date, bucketDelta(ev.EntityType, next.PaymentMode, next.AmountCents)); err != nil {
				return nil, false, err
			}
		}
	}

	pos = models.EntityPosition{
		OrgId:           ev.OrgId,
		EntityType:      ev.EntityType,
		EntityId:        ev.EntityId,
		PropertyId:      ev.PropertyId,
		TransactionDate: pos.TransactionDate,
		AmountCents:     pos.AmountCents,
		PaymentMode:     pos.PaymentMode,
		Active:          next.Counted,
		LastEventId:     ev.EventId,
		LastEventAtMs:   occurredMs,
	}
	if next.Counted {
		pos.TransactionDate = next.Date
		pos.AmountCents = next.AmountCents
		pos.PaymentMode = next.PaymentMode
	} else if pos.TransactionDate == "" {
		// Tombstone for an entity never counted; keeps the watermark so older events stay stale.
		if dates := ev.AffectedDates(); len(dates) > 0 {
			pos.TransactionDate = dates[0]
		}
		pos.PaymentMode = models.PaymentModeCash
	}
	if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&pos).Error; err != nil {
		return nil, false, err
	}
	return w.touchedDates(), false, nil
}

// projectionWriter applies bucket deltas to daily_balances inside one transaction.
type projectionWriter struct {
	tx         *gorm.DB
	reader     TransactionReader
	ctx        context.Context
	orgId      string
	propertyId string
	occurredMs int64
	nowMs      int64
	touched    map[string]bool
}

func (w *projectionWriter) touchedDates() []string {
	out := make([]string, 0, len(w.touched))
	for d := range w.touched {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// apply adds delta to date's buckets and moves closing. A non-zero cash delta cascades into every
// later opening unless that opening's history baseline already holds the event (dated before the
// baseline date and occurred before its as-of instant).
func (w *projectionWriter) apply(date string, delta balanceDelta) error {
	if delta.IsZero() {
		return nil
	}
	if err := w.ensureRow(date); err != nil {
		return err
	}
	net := delta.CashNet()
	err := w.tx.Model(&models.DailyBalance{}).
		Where("org_id = ? AND property_id = ? AND balance_date = ?", w.orgId, w.propertyId, date).
		Updates(map[string]interface{}{
			"cash_received_cents":              gorm.Expr("cash_received_cents + ?", delta.CashReceived),
			"bank_received_cents":              gorm.Expr("bank_received_cents + ?", delta.BankReceived),
			"cash_expenses_cents":              gorm.Expr("cash_expenses_cents + ?", delta.CashExpenses),
			"bank_expenses_cents":              gorm.Expr("bank_expenses_cents + ?", delta.BankExpenses),
			"closing_balance_cents":            gorm.Expr("closing_balance_cents + ?", net),
			"calculated_closing_balance_cents": gorm.Expr("calculated_closing_balance_cents + ?", net),
			"last_updated_at":                  time.UnixMilli(w.nowMs).UTC(),
		}).Error
	if err != nil {
		return err
	}
	w.touched[date] = true
	if net == 0 {
		return nil
	}

	later := w.tx.Model(&models.DailyBalance{}).
		Where("org_id = ? AND property_id = ? AND balance_date > ?", w.orgId, w.propertyId, date).
		Where("opening_as_of_ms IS NULL OR opening_as_of_ms <= ? OR opening_baseline_date <= ?", w.occurredMs, date)
	var cascaded []string
	if err := later.Pluck("balance_date", &cascaded).Error; err != nil {
		return err
	}
	if len(cascaded) == 0 {
		return nil
	}
	err = w.tx.Model(&models.DailyBalance{}).
		Where("org_id = ? AND property_id = ? AND balance_date IN ?", w.orgId, w.propertyId, cascaded).
		Updates(map[string]interface{}{
			"opening_balance_cents":            gorm.Expr("opening_balance_cents + ?", net),
			"closing_balance_cents":            gorm.Expr("closing_balance_cents + ?", net),
			"calculated_closing_balance_cents": gorm.Expr("calculated_closing_balance_cents + ?", net),
			"last_updated_at":                  time.UnixMilli(w.nowMs).UTC(),
		}).Error
	if err != nil {
		return err
	}
	for _, d := range cascaded {
		w.touched[d] = true
	}
	return nil
}

// unwindBaseline reverses a deleted transaction the projector never counted but that back-computed
// openings read from the store: rows whose baseline starts after its date and was taken after
// its approval but not after the delete.
func (w *projectionWriter) unwindBaseline(entityType models.EntityType, entityId string, m models.DeletedMetadata) error {
	net := bucketDelta(entityType, m.PaymentMode, m.AmountCents).Negate().CashNet()
	if net == 0 {
		return nil
	}
	onRecord, approvedAt, err := w.reader.DeletedApproval(w.ctx, entityType, entityId)
	if err != nil || !onRecord {
		return err
	}
	held := w.tx.Model(&models.DailyBalance{}).
		Where("org_id = ? AND property_id = ? AND balance_date > ?", w.orgId, w.propertyId, m.TransactionDate).
		Where("opening_baseline_date > ? AND opening_as_of_ms <= ?", m.TransactionDate, w.occurredMs)
	if approvedAt != nil {
		held = held.Where("opening_as_of_ms > ?", approvedAt.UnixMilli())
	}
	var dates []string
	if err := held.Session(&gorm.Session{}).Pluck("balance_date", &dates).Error; err != nil {
		return err
	}
	if len(dates) == 0 {
		return nil
	}
	err = w.tx.Model(&models.DailyBalance{}).
		Where("org_id = ? AND property_id = ? AND balance_date IN ?", w.orgId, w.propertyId, dates).
		Updates(map[string]interface{}{
			"opening_balance_cents":            gorm.Expr("opening_balance_cents + ?", net),
			"closing_balance_cents":            gorm.Expr("closing_balance_cents + ?", net),
			"calculated_closing_balance_cents": gorm.Expr("calculated_closing_balance_cents + ?", net),
			"last_updated_at":                  time.UnixMilli(w.nowMs).UTC(),
		}).Error
	if err != nil {
		return err
	}
	for _, d := range dates {
		w.touched[d] = true
	}
	return nil
}

// ensureRow inserts date's row if absent. The opening chains from the latest earlier row; with
// none, it is back-computed from approved cash history and stamped with the read instant.
func (w *projectionWriter) ensureRow(date string) error {
	var existing int64
	if err := w.tx.Model(&models.DailyBalance{}).
		Where("org_id = ? AND property_id = ? AND balance_date = ?", w.orgId, w.propertyId, date).
		Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}

	row := models.DailyBalance{
		OrgId:       w.orgId,
		PropertyId:  w.propertyId,
		BalanceDate: date,
	}
	var prior models.DailyBalance
	res := w.tx.Where("org_id = ? AND property_id = ? AND balance_date < ?", w.orgId, w.propertyId, date).
		Order("balance_date DESC").Limit(1).Find(&prior)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		row.OpeningBalanceCents = prior.ClosingBalanceCents
		row.OpeningAsOfMs = prior.OpeningAsOfMs
		row.OpeningBaselineDate = prior.OpeningBaselineDate
	} else {
		totals, err := w.reader.CashTotalsBefore(w.ctx, w.orgId, w.propertyId, date)
		if err != nil {
			return err
		}
		asOf, baseline := w.nowMs, date
		row.OpeningBalanceCents = OpeningFromTotals(totals)
		row.OpeningAsOfMs = &asOf
		row.OpeningBaselineDate = &baseline
		row.IsOpeningAutoCalculated = true
	}
	row.ClosingBalanceCents = row.OpeningBalanceCents
	row.CalculatedClosingBalanceCents = row.OpeningBalanceCents
	return w.tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// checkDiscrepancy alerts when a touched row's closing drifted from the calculated closing.
// The stored closing is never overwritten here.
func (p *BalanceProjector) checkDiscrepancy(ctx context.Context, ev models.LedgerEvent, dates []string) {
	var drifted []models.DailyBalance
	err := p.db.WithContext(ctx).
		Where("org_id = ? AND property_id = ? AND balance_date IN ?", ev.OrgId, ev.PropertyId, dates).
		Where("closing_balance_cents <> calculated_closing_balance_cents OR balance_discrepancy_cents <> 0").
		Find(&drifted).Error
	if err != nil {
		config.LogWarn(p.logger, "Workflow", "BalanceProjector.checkDiscrepancy", "discrepancy check query failed", ev.EventId, err)
		return
	}
	for _, row := range drifted {
		p.metrics.IncDiscrepancy()
		p.logger.WithFields(logrus.Fields{
			"field":             "BalanceProjector",
			"org_id":            row.OrgId,
			"property_id":       row.PropertyId,
			"balance_date":      row.BalanceDate,
			"closing_cents":     row.ClosingBalanceCents,
			"calculated_cents":  row.CalculatedClosingBalanceCents,
			"discrepancy_cents": row.ClosingBalanceCents - row.CalculatedClosingBalanceCents,
			"event_id":          ev.EventId,
		}).Warn("daily balance discrepancy detected")
	}
}
