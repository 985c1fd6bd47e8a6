package main

import (
	"context"
	"time"

	"github.com/hospitality/ledger_backend/config"
	"github.com/hospitality/ledger_backend/models"
	"github.com/hospitality/ledger_backend/workflow"
	"github.com/sirupsen/logrus"
)

const deadRebuildTimeout = 2 * time.Minute

// rebuildOnDead recomputes the dates a dead event covered straight from the transaction store,
// so the projection is correct without the event ever applying. Failures are logged; the
// consistency validator reports whatever drift remains.
func rebuildOnDead(ctx context.Context, engine *workflow.Engine, logger *logrus.Logger, ev models.LedgerEvent) {
	rebuildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadRebuildTimeout)
	defer cancel()

	fields := logrus.Fields{
		"field":       "DeadEventRebuild",
		"event_id":    ev.EventId,
		"org_id":      ev.OrgId,
		"property_id": ev.PropertyId,
	}
	res, err := engine.RecoverDeadEvent(rebuildCtx, ev)
	if err != nil {
		config.LogError(logger, "outbox_dead_revert.go", "rebuildOnDead", "rebuild after dead event", fields, err)
		return
	}
	logger.WithFields(fields).WithFields(logrus.Fields{
		"from":          res.From,
		"to":            res.To,
		"rows_written":  res.RowsWritten,
		"rows_deleted":  res.RowsDeleted,
		"rows_shifted":  res.RowsShifted,
		"touched_dates": len(res.TouchedDates),
	}).Warn("rebuilt daily balances after dead ledger event")
}
