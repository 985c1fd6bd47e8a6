package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/hospitality/ledger_backend/config"
	"github.com/hospitality/ledger_backend/utils"
	"github.com/hospitality/ledger_backend/workflow"
	"github.com/sirupsen/logrus"
)

// OutboxDirectProcessor projects unprocessed events straight from the event log, without Pub/Sub.
// It is the only consumer in local environments and a backup worker everywhere else.
type OutboxDirectProcessor struct {
	Engine    *workflow.Engine
	Logger    *logrus.Logger
	WorkerID  string
	BatchSize int
	Interval  time.Duration
	LockTTL   time.Duration
}

func NewOutboxDirectProcessor(engine *workflow.Engine, logger *logrus.Logger) *OutboxDirectProcessor {
	s := engine.Settings()
	return &OutboxDirectProcessor{
		Engine:    engine,
		Logger:    logger,
		WorkerID:  "direct-" + time.Now().Format("20060102-150405.000"),
		BatchSize: s.OutboxBatchSize,
		Interval:  s.OutboxPollInterval,
		LockTTL:   s.OutboxLockTimeout,
	}
}

// shouldRunDirectOutboxProcessor defaults to true; set OUTBOX_DIRECT_PROCESSING=false to rely on Pub/Sub alone.
// Projection is idempotent per event id, so running both consumers is safe.
func shouldRunDirectOutboxProcessor() bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv("OUTBOX_DIRECT_PROCESSING")))
	return val != "false"
}

func (p *OutboxDirectProcessor) Run(ctx context.Context) {
	if p == nil || p.Engine == nil {
		return
	}
	ctx = utils.SetWorkerIdInContext(ctx, p.WorkerID)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.processOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval):
		}
	}
}

// processOnce claims a batch and delivers it. It returns how many events were acked.
func (p *OutboxDirectProcessor) processOnce(ctx context.Context) int {
	claimed, err := p.Engine.Events.ClaimUnprocessed(ctx, p.WorkerID, p.BatchSize, p.LockTTL)
	if err != nil {
		config.LogWarn(p.Logger, "outbox_direct_processor.go", "processOnce", "claim unprocessed events", p.WorkerID, err)
		return 0
	}

	acked := 0
	for _, rec := range claimed {
		if ctx.Err() != nil {
			break
		}
		ev, err := rec.Event()
		if err != nil {
			// A payload that no longer decodes can only fail; count it toward DEAD.
			if _, markErr := p.Engine.Events.MarkProcessFailed(ctx, rec.EventId, err); markErr != nil {
				config.LogWarn(p.Logger, "outbox_direct_processor.go", "processOnce", "record decode failure", rec.EventId, markErr)
			}
			config.LogError(p.Logger, "outbox_direct_processor.go", "processOnce", "decode stored ledger event", rec.EventId, err)
			continue
		}
		procCtx := utils.SetCorrelationIdInContext(ctx, rec.CorrelationId)
		if deliverEvent(procCtx, p.Engine, p.Logger, ev, "OutboxDirectProcessor") == deliveryAck {
			acked++
		}
	}
	return acked
}
