package workflow

import (
	"errors"

	"github.com/hospitality/ledger_backend/models"
	"go.opentelemetry.io/otel"
)

var (
	// ErrDuplicateEvent is returned by EventLog.Append for an event id already on record. Callers treat it as success.
	ErrDuplicateEvent = errors.New("duplicate ledger event")
	// ErrProjectionApply wraps any failure or timeout while applying an event; the delivery must be retried.
	ErrProjectionApply = errors.New("projection apply failed")
	// ErrGateEvaluation marks a gate query failure. The gate fails open, so this only surfaces in logs.
	ErrGateEvaluation = errors.New("approval gate evaluation failed")
	// ErrCacheInvalidation wraps failures to clear a cache tier; the items are re-enqueued.
	ErrCacheInvalidation = errors.New("cache invalidation failed")
	// ErrConsistencyRepair wraps per-issue repair failures.
	ErrConsistencyRepair = errors.New("consistency repair failed")
	// ErrInvalidRange rejects validation or rebuild windows that are malformed or too wide.
	ErrInvalidRange = errors.New("invalid date range")
	ErrInvalidGrant = errors.New("invalid approval grant")
	// ErrEventDead: the event exhausted its projection attempts. The delivery should be acked and
	// the property rebuilt from transactions.
	ErrEventDead = errors.New("ledger event is dead")
	// ErrReadContract rejects a TransactionReader built for another contract version.
	ErrReadContract = errors.New("transaction read contract mismatch")

	ErrInvalidEvent = models.ErrInvalidEvent
)

var tracer = otel.Tracer("github.com/hospitality/ledger_backend/workflow")
