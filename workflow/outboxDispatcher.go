package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hospitality/ledger_backend/config"
	"github.com/hospitality/ledger_backend/metrics"
	"github.com/hospitality/ledger_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutboxDispatcher publishes ledger events that are appended but not yet sent.
type OutboxDispatcher struct {
	DB           *gorm.DB
	Publisher    EventPublisher
	Logger       *logrus.Logger
	Metrics      *metrics.Metrics
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration

	nudge chan struct{}
}

func NewOutboxDispatcher(db *gorm.DB, publisher EventPublisher, s config.EngineSettings, logger *logrus.Logger, m *metrics.Metrics) *OutboxDispatcher {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &OutboxDispatcher{
		DB:             db,
		Publisher:      publisher,
		Logger:         logger,
		Metrics:        m,
		DispatcherID:   uuid.NewString(),
		BatchSize:      s.OutboxBatchSize,
		PollInterval:   s.OutboxPollInterval,
		LockTimeout:    s.OutboxLockTimeout,
		MaxAttempts:    s.OutboxMaxAttempts,
		InitialBackoff: 5 * time.Second,
		nudge:          make(chan struct{}, 1),
	}
}

// Nudge asks for a dispatch pass before the next poll. It never blocks.
func (d *OutboxDispatcher) Nudge() {
	if d == nil || d.nudge == nil {
		return
	}
	select {
	case d.nudge <- struct{}{}:
	default:
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-d.nudge:
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchOnce claims one batch and publishes it. It returns how many events were sent.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) int {
	if d.DB == nil || d.Publisher == nil {
		return 0
	}
	now := time.Now().UTC()
	staleBefore := now.Add(-d.LockTimeout)

	var claimed []models.LedgerEventRecord
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible: PENDING/FAILED rows that are due, and PROCESSING rows whose claim went stale
		// (dispatcher died mid-batch). Rows the direct processor already projected are skipped.
		q := tx.
			Where("is_processed = ?", false).
			Where(`
				(
					publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					publish_status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []string{models.OutboxPublishStatusPending, models.OutboxPublishStatusFailed}, now, models.OutboxPublishStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(d.BatchSize)
		if tx.Dialector.Name() == "mysql" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			if d.MaxAttempts > 0 && claimed[i].PublishAttempts >= d.MaxAttempts {
				msg := fmt.Sprintf("max publish attempts exceeded (%d)", d.MaxAttempts)
				claimed[i].PublishStatus = models.OutboxPublishStatusDead
				if err := tx.Model(&models.LedgerEventRecord{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
					"publish_status":     models.OutboxPublishStatusDead,
					"last_publish_error": &msg,
					"next_attempt_at":    nil,
					"locked_at":          nil,
					"locked_by":          nil,
				}).Error; err != nil {
					return err
				}
				continue
			}

			claimed[i].PublishStatus = models.OutboxPublishStatusProcessing
			claimed[i].PublishAttempts++
			if err := tx.Model(&models.LedgerEventRecord{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusProcessing,
				"locked_at":          &now,
				"locked_by":          &d.DispatcherID,
				"publish_attempts":   gorm.Expr("publish_attempts + 1"),
				"last_publish_error": nil,
				"next_attempt_at":    nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		config.LogError(d.Logger, "Workflow", "OutboxDispatcher.DispatchOnce", "claim batch", d.DispatcherID, err)
		return 0
	}

	sent := 0
	for _, rec := range claimed {
		if rec.PublishStatus == models.OutboxPublishStatusDead {
			d.Metrics.IncOutboxPublish("dead")
			continue
		}
		msgId, pubErr := d.Publisher.Publish(ctx, rec)
		if pubErr != nil {
			d.markPublishFailed(ctx, rec, pubErr)
			continue
		}
		d.markPublishSent(ctx, rec, msgId)
		sent++
	}
	return sent
}

func (d *OutboxDispatcher) markPublishSent(ctx context.Context, rec models.LedgerEventRecord, msgId string) {
	now := time.Now().UTC()
	d.Metrics.IncOutboxPublish("sent")
	err := d.DB.WithContext(ctx).Model(&models.LedgerEventRecord{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusSent,
			"published_at":       &now,
			"pub_sub_message_id": &msgId,
			"locked_at":          nil,
			"locked_by":          nil,
			"next_attempt_at":    nil,
		}).Error
	if err != nil {
		// The row is reclaimed after LockTimeout and published again; consumers dedupe.
		config.LogError(d.Logger, "Workflow", "OutboxDispatcher.markPublishSent", "mark sent", rec.EventId, err)
	}
}

func (d *OutboxDispatcher) markPublishFailed(ctx context.Context, rec models.LedgerEventRecord, cause error) {
	now := time.Now().UTC()
	msg := cause.Error()
	attempt := rec.PublishAttempts

	if d.MaxAttempts > 0 && attempt >= d.MaxAttempts {
		d.Metrics.IncOutboxPublish("dead")
		_ = d.DB.WithContext(ctx).Model(&models.LedgerEventRecord{}).
			Where("id = ?", rec.ID).
			Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusDead,
				"last_publish_error": &msg,
				"next_attempt_at":    nil,
				"locked_at":          nil,
				"locked_by":          nil,
			}).Error
		d.Logger.WithFields(logrus.Fields{
			"field":    "OutboxDispatcher",
			"event_id": rec.EventId,
			"org_id":   rec.OrgId,
			"attempt":  attempt,
		}).Error("ledger event publish moved to DEAD after max attempts: " + msg)
		return
	}

	d.Metrics.IncOutboxPublish("failed")
	backoff := d.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > 10*time.Minute {
			backoff = 10 * time.Minute
			break
		}
	}
	next := now.Add(backoff)
	_ = d.DB.WithContext(ctx).Model(&models.LedgerEventRecord{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusFailed,
			"last_publish_error": &msg,
			"next_attempt_at":    &next,
			"locked_at":          nil,
			"locked_by":          nil,
		}).Error
	d.Logger.WithFields(logrus.Fields{
		"field":           "OutboxDispatcher",
		"event_id":        rec.EventId,
		"org_id":          rec.OrgId,
		"attempt":         attempt,
		"next_attempt_at": next.Format(time.RFC3339Nano),
	}).Error("ledger event publish failed: " + msg)
}
