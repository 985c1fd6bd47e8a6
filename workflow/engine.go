package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hospitality/ledger_backend/config"
	"github.com/hospitality/ledger_backend/metrics"
	"github.com/hospitality/ledger_backend/models"
	"github.com/hospitality/ledger_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EngineDeps is everything the engine is built from. Only DB is required.
type EngineDeps struct {
	DB     *gorm.DB
	Reader TransactionReader
	Cache  DistributedCache
	Locker KeyedLocker

	// Publisher nil means no outbox dispatcher; deliveries come from the direct processor.
	Publisher EventPublisher
	Retry     ProcessRetryPolicy
	Settings  config.EngineSettings
	Logger    *logrus.Logger
	Metrics   *metrics.Metrics
}

// Engine wires the ledger components together and is the only entry point the service and the
// ops tools use.
type Engine struct {
	settings config.EngineSettings
	logger   *logrus.Logger
	metrics  *metrics.Metrics

	Events      *EventLog
	Projector   *BalanceProjector
	Gate        *ApprovalGate
	Reports     *ReportCacheStore
	Invalidator *CacheInvalidator
	Validator   *ConsistencyValidator
	Balances    *BalanceReader
	Rebuilder   *Rebuilder
	Dispatcher  *OutboxDispatcher

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(deps EngineDeps) (*Engine, error) {
	if deps.DB == nil {
		return nil, errors.New("engine: db is required")
	}
	if deps.Reader == nil {
		deps.Reader = NewGormTransactionReader(deps.DB)
	}
	if v := deps.Reader.ContractVersion(); v != TransactionReadContractVersion {
		return nil, fmt.Errorf("%w: reader v%d, engine v%d", ErrReadContract, v, TransactionReadContractVersion)
	}
	if deps.Cache == nil {
		deps.Cache = NewRedisCache(nil)
	}
	if deps.Locker == nil {
		deps.Locker = NewMemoryLocker()
	}
	if deps.Logger == nil {
		deps.Logger = config.GetLogger()
	}
	if deps.Settings.Timezone == "" {
		deps.Settings = config.DefaultEngineSettings()
	}
	s := deps.Settings

	e := &Engine{settings: s, logger: deps.Logger, metrics: deps.Metrics}
	e.Reports = NewReportCacheStore(deps.DB)
	e.Events = NewEventLog(deps.DB, deps.Retry, deps.Logger, deps.Metrics)
	e.Projector = NewBalanceProjector(deps.DB, deps.Reader, deps.Locker, s.ProjectionTimeout, deps.Logger, deps.Metrics)
	e.Gate = NewApprovalGate(deps.DB, deps.Reader, s.Location(), deps.Logger, deps.Metrics)
	e.Invalidator = NewCacheInvalidator(e.Reports, deps.Cache, InvalidatorOptionsFromSettings(s), deps.Logger, deps.Metrics)
	e.Validator = NewConsistencyValidator(deps.DB, deps.Reader, e.Reports, deps.Cache, deps.Locker, s.MaxValidationDays, deps.Logger, deps.Metrics)
	e.Balances = NewBalanceReader(deps.DB, deps.Reader, e.Reports, deps.Cache, CachePolicyFromSettings(s), deps.Logger, deps.Metrics)
	e.Rebuilder = NewRebuilder(deps.DB, deps.Reader, deps.Locker, e.Invalidator, deps.Logger)
	if deps.Publisher != nil {
		e.Dispatcher = NewOutboxDispatcher(deps.DB, deps.Publisher, s, deps.Logger, deps.Metrics)
	}
	return e, nil
}

// Start runs the invalidator and, when configured, the outbox dispatcher until Stop.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Invalidator.Run(runCtx)
	}()
	if e.Dispatcher != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.Dispatcher.Run(runCtx)
		}()
	}
}

// Stop ends the background loops; the invalidator flushes what it still holds.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()
}

// OnTransactionMutated is called by the transaction write path after its commit. Only an
// invalid event is returned as an error: a failed append or grant is logged and left to
// backfill and the consistency check, so the user's write never fails because of the ledger.
func (e *Engine) OnTransactionMutated(ctx context.Context, ev models.LedgerEvent) error {
	if err := ev.Validate(); err != nil {
		config.LogError(e.logger, "Workflow", "Engine.OnTransactionMutated", "reject invalid ledger event", ev.EventId, err)
		return err
	}
	ctx, correlationId := utils.EnsureCorrelationId(ctx)
	fields := logrus.Fields{
		"event_id":       ev.EventId,
		"event_type":     ev.EventType,
		"org_id":         ev.OrgId,
		"property_id":    ev.PropertyId,
		"correlation_id": correlationId,
	}

	err := e.Events.Append(ctx, ev)
	switch {
	case errors.Is(err, ErrDuplicateEvent):
		e.logger.WithFields(fields).WithField("field", "Engine").Info("ledger event already recorded")
	case err != nil:
		config.LogError(e.logger, "Workflow", "Engine.OnTransactionMutated", "append ledger event", fields, err)
	}

	e.Invalidator.Enqueue(ev.OrgId, ev.PropertyId, ev.AffectedDates())

	if m, ok := ev.Metadata.(models.ApprovedMetadata); ok {
		if err := e.Gate.RecordApproval(ctx, ev.OrgId, ev.ActorUserId, m.CreatorUserId, m.TransactionDate); err != nil {
			config.LogError(e.logger, "Workflow", "Engine.OnTransactionMutated", "record approval grant", fields, err)
		}
	}

	e.Dispatcher.Nudge()
	return nil
}

// HandleDelivery is the consumer entry point for one delivered event: project it, queue the
// touched dates for invalidation and record the outcome in the event log. A retryable failure
// comes back wrapping ErrProjectionApply; once the event runs out of attempts the error wraps
// ErrEventDead instead.
func (e *Engine) HandleDelivery(ctx context.Context, ev models.LedgerEvent) (ApplyResult, error) {
	result, err := e.Projector.Apply(ctx, ev)
	if err != nil {
		if errors.Is(err, ErrInvalidEvent) {
			return result, err
		}
		dead, markErr := e.Events.MarkProcessFailed(context.WithoutCancel(ctx), ev.EventId, err)
		if markErr != nil && !errors.Is(markErr, ErrEventNotFound) {
			config.LogWarn(e.logger, "Workflow", "Engine.HandleDelivery", "record processing failure", ev.EventId, markErr)
		}
		if dead {
			return result, fmt.Errorf("%w: %w", ErrEventDead, err)
		}
		return result, err
	}

	e.Invalidator.Enqueue(ev.OrgId, ev.PropertyId, utils.MergeDates(result.TouchedDates, ev.AffectedDates()))
	if err := e.Events.MarkProcessed(ctx, ev.EventId); err != nil {
		config.LogWarn(e.logger, "Workflow", "Engine.HandleDelivery", "mark event processed", ev.EventId, err)
	}
	return result, nil
}

// RecoverDeadEvent rebuilds the window an event could not be projected into, so the
// projection matches the transaction store without it.
func (e *Engine) RecoverDeadEvent(ctx context.Context, ev models.LedgerEvent) (RebuildResult, error) {
	dates := ev.AffectedDates()
	if len(dates) == 0 {
		return RebuildResult{}, fmt.Errorf("%w: event %s has no dates", ErrInvalidRange, ev.EventId)
	}
	return e.Rebuilder.RebuildDailyBalances(ctx, ev.OrgId, ev.PropertyId, dates[0], dates[len(dates)-1])
}

func (e *Engine) CheckCanCreateTransaction(ctx context.Context, orgId, actorUserId string) GateDecision {
	return e.Gate.CheckCanCreateTransaction(ctx, orgId, actorUserId)
}

func (e *Engine) CheckActor(ctx context.Context, actor Actor, propertyId string) GateDecision {
	return e.Gate.CheckActor(ctx, actor, propertyId)
}

func (e *Engine) GrantDay(ctx context.Context, orgId, userId, date, grantedBy string) error {
	return e.Gate.GrantDay(ctx, orgId, userId, date, grantedBy)
}

func (e *Engine) GetDailyBalance(ctx context.Context, orgId, propertyId, date string) (models.DailyBalance, BalanceSource, error) {
	return e.Balances.GetDailyBalance(ctx, orgId, propertyId, date)
}

func (e *Engine) RunConsistencyCheck(ctx context.Context, req ValidateRequest) ([]ConsistencyIssue, error) {
	if req.CorrelationId == "" {
		req.CorrelationId, _ = utils.GetCorrelationIdFromContext(ctx)
	}
	return e.Validator.Validate(ctx, req)
}

func (e *Engine) Repair(ctx context.Context, issues []ConsistencyIssue, dryRun bool) (RepairReport, error) {
	return e.Validator.Repair(ctx, issues, dryRun)
}

func (e *Engine) RebuildDailyBalances(ctx context.Context, orgId, propertyId, from, to string) (RebuildResult, error) {
	return e.Rebuilder.RebuildDailyBalances(ctx, orgId, propertyId, from, to)
}

func (e *Engine) ReplayEvents(ctx context.Context, orgId, propertyId string, from time.Time) (int64, error) {
	n, err := e.Events.Replay(ctx, orgId, propertyId, from)
	if err == nil && n > 0 {
		e.Dispatcher.Nudge()
	}
	return n, err
}

func (e *Engine) BackfillEvents(ctx context.Context, orgId, propertyId string) (int, error) {
	n, err := e.Events.BackfillFromTransactions(ctx, orgId, propertyId)
	if err == nil && n > 0 {
		e.Dispatcher.Nudge()
	}
	return n, err
}

// Today is the org calendar date used by the gate and cache TTLs.
func (e *Engine) Today() string {
	return e.Gate.Today()
}

func (e *Engine) Settings() config.EngineSettings {
	return e.settings
}
