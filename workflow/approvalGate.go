package workflow

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/hospitality/ledger_backend/config"
	"github.com/hospitality/ledger_backend/metrics"
	"github.com/hospitality/ledger_backend/models"
	"github.com/hospitality/ledger_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GateState string

const (
	GateStateClearedToday     GateState = "CLEARED_TODAY"
	GateStateClearNoBacklog   GateState = "CLEAR_NO_BACKLOG"
	GateStateBlocked          GateState = "BLOCKED"
	GateStateDegraded         GateState = "DEGRADED"
	GateStateAdminBypass      GateState = "ADMIN_BYPASS"
	GateStateNoPropertyAccess GateState = "NO_PROPERTY_ACCESS"
)

// GateDecision is the answer to "may this user create a transaction now".
type GateDecision struct {
	Allowed       bool      `json:"allowed"`
	ReasonMessage string    `json:"reason_message,omitempty"`
	State         GateState `json:"state"`
	// Degraded is set when the decision was made without the backlog data (fail open).
	Degraded     bool     `json:"degraded"`
	StaleDates   []string `json:"stale_dates,omitempty"`
	PendingCount int64    `json:"pending_count"`
}

// Actor is the caller as the auth layer resolved it.
type Actor struct {
	UserId      string
	OrgId       string
	Role        models.UserRole
	PropertyIds []string
}

func (a Actor) IsAdmin() bool { return a.Role == models.UserRoleAdmin }

// ApprovalGate blocks new transactions while the creator has pending transactions on earlier
// days that nobody approved. A grant for (org, user, date) excuses that date; a grant for today
// clears the user for the rest of the day.
type ApprovalGate struct {
	db      *gorm.DB
	reader  TransactionReader
	loc     *time.Location
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewApprovalGate(db *gorm.DB, reader TransactionReader, loc *time.Location, logger *logrus.Logger, m *metrics.Metrics) *ApprovalGate {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = config.GetLogger()
	}
	return &ApprovalGate{db: db, reader: reader, loc: loc, logger: logger, metrics: m, now: time.Now}
}

// Today is the org calendar date the gate evaluates against.
func (g *ApprovalGate) Today() string {
	return utils.CalendarDate(g.now(), g.loc)
}

// CheckCanCreateTransaction never returns an error: if the backlog cannot be read the gate
// fails open with Degraded set.
func (g *ApprovalGate) CheckCanCreateTransaction(ctx context.Context, orgId, actorUserId string) GateDecision {
	ctx, span := tracer.Start(ctx, "ApprovalGate.Check", trace.WithAttributes(
		attribute.String("ledger.org_id", orgId),
		attribute.String("ledger.user_id", actorUserId),
	))
	defer span.End()

	decision, err := g.evaluate(ctx, orgId, actorUserId)
	if err != nil {
		wrapped := fmt.Errorf("%w: org %s user %s: %w", ErrGateEvaluation, orgId, actorUserId, err)
		span.RecordError(wrapped)
		config.LogWarn(g.logger, "Workflow", "ApprovalGate.CheckCanCreateTransaction", "gate degraded; allowing", logrus.Fields{
			"org_id":  orgId,
			"user_id": actorUserId,
		}, wrapped)
		decision = GateDecision{
			Allowed:       true,
			Degraded:      true,
			State:         GateStateDegraded,
			ReasonMessage: "approval backlog could not be checked",
		}
	}
	span.SetAttributes(attribute.String("ledger.gate_state", string(decision.State)))
	g.metrics.IncGateDecision(string(decision.State))
	return decision
}

func (g *ApprovalGate) evaluate(ctx context.Context, orgId, userId string) (GateDecision, error) {
	today := g.Today()

	var grantedToday int64
	if err := g.db.WithContext(ctx).Model(&models.DailyApprovalGrant{}).
		Where("org_id = ? AND user_id = ? AND approval_date = ?", orgId, userId, today).
		Count(&grantedToday).Error; err != nil {
		return GateDecision{}, err
	}
	if grantedToday > 0 {
		return GateDecision{Allowed: true, State: GateStateClearedToday}, nil
	}

	pending, err := g.reader.PendingCountsBefore(ctx, orgId, userId, today)
	if err != nil {
		return GateDecision{}, err
	}
	if len(pending) == 0 {
		return GateDecision{Allowed: true, State: GateStateClearNoBacklog}, nil
	}

	dates := make([]string, 0, len(pending))
	for d := range pending {
		dates = append(dates, d)
	}
	var excused []string
	if err := g.db.WithContext(ctx).Model(&models.DailyApprovalGrant{}).
		Where("org_id = ? AND user_id = ? AND approval_date IN ?", orgId, userId, dates).
		Pluck("approval_date", &excused).Error; err != nil {
		return GateDecision{}, err
	}

	var stale []string
	var count int64
	for d, n := range pending {
		if slices.Contains(excused, d) {
			continue
		}
		stale = append(stale, d)
		count += n
	}
	if count == 0 {
		return GateDecision{Allowed: true, State: GateStateClearNoBacklog}, nil
	}
	sort.Strings(stale)
	return GateDecision{
		Allowed:       false,
		State:         GateStateBlocked,
		ReasonMessage: fmt.Sprintf("%d pending transaction(s) from %s awaiting approval", count, stale[0]),
		StaleDates:    stale,
		PendingCount:  count,
	}, nil
}

// CheckActor applies the property grant and role rules before the backlog rule.
// An empty propertyId skips the property check.
func (g *ApprovalGate) CheckActor(ctx context.Context, actor Actor, propertyId string) GateDecision {
	if actor.IsAdmin() {
		g.metrics.IncGateDecision(string(GateStateAdminBypass))
		return GateDecision{Allowed: true, State: GateStateAdminBypass}
	}
	if propertyId != "" && !slices.Contains(actor.PropertyIds, propertyId) {
		g.metrics.IncGateDecision(string(GateStateNoPropertyAccess))
		return GateDecision{
			Allowed:       false,
			State:         GateStateNoPropertyAccess,
			ReasonMessage: fmt.Sprintf("no access to property %s", propertyId),
		}
	}
	return g.CheckCanCreateTransaction(ctx, actor.OrgId, actor.UserId)
}

// RecordApproval is called when an approver approves a creator's transaction: the creator's
// business date is excused from then on.
func (g *ApprovalGate) RecordApproval(ctx context.Context, orgId, approverId, creatorId, businessDate string) error {
	return g.grant(ctx, orgId, creatorId, businessDate, approverId, models.GrantSourceAuto)
}

// GrantDay is the explicit manager grant.
func (g *ApprovalGate) GrantDay(ctx context.Context, orgId, userId, date, grantedBy string) error {
	return g.grant(ctx, orgId, userId, date, grantedBy, models.GrantSourceManual)
}

func (g *ApprovalGate) grant(ctx context.Context, orgId, userId, date, grantedBy string, source models.GrantSource) error {
	if orgId == "" || userId == "" || !utils.IsValidDate(date) {
		return fmt.Errorf("%w: org=%q user=%q date=%q", ErrInvalidGrant, orgId, userId, date)
	}
	row := models.DailyApprovalGrant{
		OrgId:           orgId,
		UserId:          userId,
		ApprovalDate:    date,
		GrantedByUserId: grantedBy,
		Source:          source,
	}
	res := g.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		config.LogError(g.logger, "Workflow", "ApprovalGate.grant", "insert approval grant", row, res.Error)
		return res.Error
	}
	if res.RowsAffected > 0 {
		g.logger.WithFields(logrus.Fields{
			"field":   "ApprovalGate",
			"org_id":  orgId,
			"user_id": userId,
			"date":    date,
			"source":  source,
		}).Info("approval grant recorded")
	}
	return nil
}
