package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hospitality/ledger_backend/config"
	"github.com/hospitality/ledger_backend/metrics"
	"github.com/hospitality/ledger_backend/models"
	"github.com/hospitality/ledger_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrEventNotFound = errors.New("ledger event not found")

// ProcessRetryPolicy bounds how often a delivery that failed to project is retried before it goes DEAD.
type ProcessRetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultProcessRetryPolicy() ProcessRetryPolicy {
	return ProcessRetryPolicy{MaxAttempts: 10, BaseBackoff: 5 * time.Second, MaxBackoff: 10 * time.Minute}
}

// Backoff is base * 2^(attempt-1), capped at MaxBackoff.
func (p ProcessRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return p.BaseBackoff
	}
	delay := time.Duration(float64(p.BaseBackoff) * math.Pow(2, float64(attempt-1)))
	if delay > p.MaxBackoff || delay <= 0 {
		return p.MaxBackoff
	}
	return delay
}

// EventLog is the durable, append-only record of ledger events (ledger_events). Besides the
// immutable event columns only delivery bookkeeping is ever updated.
type EventLog struct {
	db      *gorm.DB
	retry   ProcessRetryPolicy
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewEventLog(db *gorm.DB, retry ProcessRetryPolicy, logger *logrus.Logger, m *metrics.Metrics) *EventLog {
	if retry.MaxAttempts <= 0 {
		retry = DefaultProcessRetryPolicy()
	}
	if logger == nil {
		logger = config.GetLogger()
	}
	return &EventLog{db: db, retry: retry, logger: logger, metrics: m, now: time.Now}
}

// Append stores ev. An event id already on record returns ErrDuplicateEvent.
func (l *EventLog) Append(ctx context.Context, ev models.LedgerEvent) error {
	if err := ev.Validate(); err != nil {
		l.metrics.IncAppended("invalid")
		return err
	}
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	rec, err := models.NewLedgerEventRecord(ev, correlationId)
	if err != nil {
		l.metrics.IncAppended("failed")
		return err
	}
	res := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(&rec)
	if res.Error != nil {
		l.metrics.IncAppended("failed")
		return res.Error
	}
	if res.RowsAffected == 0 {
		l.metrics.IncAppended("duplicate")
		return fmt.Errorf("%w: %s", ErrDuplicateEvent, ev.EventId)
	}
	l.metrics.IncAppended("appended")
	return nil
}

func (l *EventLog) Get(ctx context.Context, eventId string) (models.LedgerEventRecord, error) {
	var rec models.LedgerEventRecord
	res := l.db.WithContext(ctx).Where("event_id = ?", eventId).Limit(1).Find(&rec)
	if res.Error != nil {
		return rec, res.Error
	}
	if res.RowsAffected == 0 {
		return rec, fmt.Errorf("%w: %s", ErrEventNotFound, eventId)
	}
	return rec, nil
}

// MarkProcessed records a successful projection. DEAD rows stay DEAD.
func (l *EventLog) MarkProcessed(ctx context.Context, eventId string) error {
	now := l.now().UTC()
	return l.db.WithContext(ctx).Model(&models.LedgerEventRecord{}).
		Where("event_id = ? AND processing_status <> ?", eventId, models.OutboxProcessStatusDead).
		Updates(map[string]interface{}{
			"is_processed":            true,
			"processing_status":       models.OutboxProcessStatusSucceeded,
			"processed_at":            &now,
			"next_process_attempt_at": nil,
			"last_process_error":      nil,
			"process_locked_at":       nil,
			"process_locked_by":       nil,
		}).Error
}

// MarkProcessFailed counts a failed projection and schedules the next attempt. It reports
// whether the event is now DEAD.
func (l *EventLog) MarkProcessFailed(ctx context.Context, eventId string, cause error) (bool, error) {
	rec, err := l.Get(ctx, eventId)
	if err != nil {
		return false, err
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	attempts := rec.ProcessAttempts + 1
	status := models.OutboxProcessStatusFailed
	var next *time.Time
	if attempts >= l.retry.MaxAttempts {
		status = models.OutboxProcessStatusDead
	} else {
		t := l.now().UTC().Add(l.retry.Backoff(attempts))
		next = &t
	}
	err = l.db.WithContext(ctx).Model(&models.LedgerEventRecord{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"processing_status":       status,
			"process_attempts":        attempts,
			"next_process_attempt_at": next,
			"last_process_error":      &msg,
			"process_locked_at":       nil,
			"process_locked_by":       nil,
		}).Error
	if err != nil {
		return false, err
	}
	l.logger.WithFields(logrus.Fields{
		"field":             "EventLog",
		"event_id":          eventId,
		"org_id":            rec.OrgId,
		"property_id":       rec.PropertyId,
		"processing_status": status,
		"process_attempts":  attempts,
	}).Error("ledger event processing failed: " + msg)
	return status == models.OutboxProcessStatusDead, nil
}

// ClaimUnprocessed locks up to limit events that are due for projection. Claims older than
// lockTTL are considered abandoned and can be taken over.
func (l *EventLog) ClaimUnprocessed(ctx context.Context, workerId string, limit int, lockTTL time.Duration) ([]models.LedgerEventRecord, error) {
	now := l.now().UTC()
	staleBefore := now.Add(-lockTTL)
	var claimed []models.LedgerEventRecord
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("is_processed = ? AND processing_status <> ?", false, models.OutboxProcessStatusDead).
			Where("next_process_attempt_at IS NULL OR next_process_attempt_at <= ?", now).
			Where("process_locked_at IS NULL OR process_locked_at <= ?", staleBefore).
			Order("occurred_at ASC, id ASC").
			Limit(limit)
		if tx.Dialector.Name() == "mysql" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		ids := make([]int, len(claimed))
		for i := range claimed {
			ids[i] = claimed[i].ID
			claimed[i].ProcessLockedAt = &now
			claimed[i].ProcessLockedBy = &workerId
		}
		return tx.Model(&models.LedgerEventRecord{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"process_locked_at": &now,
				"process_locked_by": &workerId,
				"processing_status": models.OutboxProcessStatusProcessing,
			}).Error
	})
	return claimed, err
}

// Replay resets delivery state for an org's events that occurred at or after from, so they are
// published and projected again. Projection idempotency makes this safe. An empty propertyId
// replays every property.
func (l *EventLog) Replay(ctx context.Context, orgId, propertyId string, from time.Time) (int64, error) {
	q := l.db.WithContext(ctx).Model(&models.LedgerEventRecord{}).
		Where("org_id = ? AND occurred_at >= ?", orgId, from.UTC())
	if propertyId != "" {
		q = q.Where("property_id = ?", propertyId)
	}
	res := q.Updates(map[string]interface{}{
		"publish_status":          models.OutboxPublishStatusPending,
		"publish_attempts":        0,
		"next_attempt_at":         nil,
		"locked_at":               nil,
		"locked_by":               nil,
		"last_publish_error":      nil,
		"is_processed":            false,
		"processing_status":       models.OutboxProcessStatusPending,
		"process_attempts":        0,
		"next_process_attempt_at": nil,
		"last_process_error":      nil,
		"process_locked_at":       nil,
		"process_locked_by":       nil,
	})
	if res.Error != nil {
		config.LogError(l.logger, "Workflow", "EventLog.Replay", "reset delivery state", logrus.Fields{
			"org_id": orgId, "property_id": propertyId, "from": from,
		}, res.Error)
		return 0, res.Error
	}
	l.logger.WithFields(logrus.Fields{
		"field":       "EventLog",
		"org_id":      orgId,
		"property_id": propertyId,
		"from":        from.UTC().Format(time.RFC3339),
		"events":      res.RowsAffected,
	}).Info("ledger events queued for replay")
	return res.RowsAffected, nil
}

// BackfillEventId is the deterministic id of a backfilled approval, so re-running a backfill
// appends nothing new.
func BackfillEventId(entityType models.EntityType, entityId string) string {
	return fmt.Sprintf("backfill:%s:%s", entityType, entityId)
}

// BackfillFromTransactions appends an approval event for every approved transaction of the org
// that has no approval on record (written before the event log existed, or lost on the write
// path). The transaction table is the source of truth; the events only carry it to the projector.
// A born-approved add followed by a backfilled approval projects once: both state the same values.
func (l *EventLog) BackfillFromTransactions(ctx context.Context, orgId, propertyId string) (int, error) {
	appended := 0
	for _, m := range transactionModels() {
		q := l.db.WithContext(ctx).Model(m.model).
			Where("org_id = ? AND status = ?", orgId, models.TransactionStatusApproved).
			Where("id NOT IN (?)", l.db.Model(&models.LedgerEventRecord{}).
				Select("entity_id").
				Where("org_id = ? AND entity_type = ? AND event_type = ?", orgId, m.entity, models.MakeEventType(m.entity, models.EventActionApproved)))
		if propertyId != "" {
			q = q.Where("property_id = ?", propertyId)
		}

		var pending []backfillSource
		switch m.entity {
		case models.EntityTypeRevenue:
			var rows []models.Revenue
			if err := q.Find(&rows).Error; err != nil {
				return appended, err
			}
			for _, r := range rows {
				pending = append(pending, backfillSource{r.ID, r.OrgId, r.PropertyId, r.CreatedByUserId, r.ApprovedByUserId,
					r.ApprovedAt, r.UpdatedAt, r.AmountCents, r.Currency, r.PaymentMode, r.TransactionDate, r.Source})
			}
		case models.EntityTypeExpense:
			var rows []models.Expense
			if err := q.Find(&rows).Error; err != nil {
				return appended, err
			}
			for _, r := range rows {
				pending = append(pending, backfillSource{r.ID, r.OrgId, r.PropertyId, r.CreatedByUserId, r.ApprovedByUserId,
					r.ApprovedAt, r.UpdatedAt, r.AmountCents, r.Currency, r.PaymentMode, r.TransactionDate, r.Category})
			}
		}

		for _, src := range pending {
			ev, err := src.event(m.entity)
			if err != nil {
				config.LogWarn(l.logger, "Workflow", "EventLog.BackfillFromTransactions", "skip transaction with invalid data", src.id, err)
				continue
			}
			err = l.Append(ctx, ev)
			if errors.Is(err, ErrDuplicateEvent) {
				continue
			}
			if err != nil {
				return appended, err
			}
			appended++
		}
	}
	l.logger.WithFields(logrus.Fields{
		"field":       "EventLog",
		"org_id":      orgId,
		"property_id": propertyId,
		"appended":    appended,
	}).Info("backfilled approval events from transactions")
	return appended, nil
}

type backfillSource struct {
	id              string
	orgId           string
	propertyId      string
	createdBy       string
	approvedBy      *string
	approvedAt      *time.Time
	updatedAt       time.Time
	amountCents     int64
	currency        string
	paymentMode     models.PaymentMode
	transactionDate string
	category        string
}

func (s backfillSource) event(entity models.EntityType) (models.LedgerEvent, error) {
	actor := s.createdBy
	if s.approvedBy != nil && *s.approvedBy != "" {
		actor = *s.approvedBy
	}
	occurred := s.updatedAt
	if s.approvedAt != nil {
		occurred = *s.approvedAt
	}
	ev := models.LedgerEvent{
		EventId:     BackfillEventId(entity, s.id),
		EventType:   models.MakeEventType(entity, models.EventActionApproved),
		OrgId:       s.orgId,
		PropertyId:  s.propertyId,
		ActorUserId: actor,
		EntityId:    s.id,
		EntityType:  entity,
		OccurredAt:  occurred.UTC(),
		Metadata: models.ApprovedMetadata{
			AmountCents:     s.amountCents,
			Currency:        s.currency,
			PaymentMode:     s.paymentMode,
			TransactionDate: s.transactionDate,
			Category:        s.category,
			CreatorUserId:   s.createdBy,
		},
	}
	return ev, ev.Validate()
}
