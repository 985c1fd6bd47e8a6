package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hospitality/ledger_backend/metrics"
	"github.com/hospitality/ledger_backend/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const gateToday = "2024-03-05"

func newTestGate(db *gorm.DB, reader TransactionReader, m *metrics.Metrics) *ApprovalGate {
	g := NewApprovalGate(db, reader, time.UTC, quietLogger(), m)
	g.now = func() time.Time { return time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC) }
	return g
}

func pendingRevenue(id, date, creator string) txSeed {
	return txSeed{entity: revenue, id: id, date: date, cents: 1000, mode: cash, status: models.TransactionStatusPending, creator: creator}
}

func TestGateClearWithoutBacklog(t *testing.T) {
	db := newTestDB(t)
	g := newTestGate(db, NewGormTransactionReader(db), nil)
	// Pending today does not count against the user.
	seedTransactions(t, db, pendingRevenue("rev-1", gateToday, "user-1"))

	d := g.CheckCanCreateTransaction(context.Background(), testOrg, "user-1")
	assert.True(t, d.Allowed)
	assert.Equal(t, GateStateClearNoBacklog, d.State)
	assert.Equal(t, gateToday, g.Today())
}

func TestGateBlocksOnPendingEarlierDay(t *testing.T) {
	db := newTestDB(t)
	g := newTestGate(db, NewGormTransactionReader(db), nil)
	seedTransactions(t, db,
		pendingRevenue("rev-1", "2024-03-03", "user-1"),
		pendingRevenue("rev-2", "2024-03-01", "user-1"),
		pendingRevenue("rev-3", "2024-03-01", "user-1"),
		pendingRevenue("rev-4", "2024-03-01", "user-2"),
	)

	d := g.CheckCanCreateTransaction(context.Background(), testOrg, "user-1")
	assert.False(t, d.Allowed)
	assert.Equal(t, GateStateBlocked, d.State)
	assert.Equal(t, []string{"2024-03-01", "2024-03-03"}, d.StaleDates)
	assert.Equal(t, int64(3), d.PendingCount)
	assert.Contains(t, d.ReasonMessage, "2024-03-01")
}

func TestGateApprovalExcusesDate(t *testing.T) {
	db := newTestDB(t)
	g := newTestGate(db, NewGormTransactionReader(db), nil)
	ctx := context.Background()
	seedTransactions(t, db, pendingRevenue("rev-1", "2024-03-03", "user-1"))

	require.NoError(t, g.RecordApproval(ctx, testOrg, "manager-1", "user-1", "2024-03-03"))
	d := g.CheckCanCreateTransaction(ctx, testOrg, "user-1")
	assert.True(t, d.Allowed)
	assert.Equal(t, GateStateClearNoBacklog, d.State)

	// A second approval for the same date is harmless.
	require.NoError(t, g.RecordApproval(ctx, testOrg, "manager-2", "user-1", "2024-03-03"))
	var n int64
	require.NoError(t, db.Model(&models.DailyApprovalGrant{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestGateApprovedEventUnblocksCreatorWhileDayStillPending(t *testing.T) {
	db := newTestDB(t)
	e, _ := newTestEngine(t, db, nil)
	e.Gate.now = func() time.Time { return time.Date(2024, 3, 3, 9, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	seedTransactions(t, db,
		txSeed{entity: expense, id: "exp-1", date: d1, cents: 4000, mode: cash, status: models.TransactionStatusPending, creator: "user-1"},
		txSeed{entity: expense, id: "exp-2", date: d1, cents: 1500, mode: cash, status: models.TransactionStatusPending, creator: "user-1"},
	)

	d := e.CheckCanCreateTransaction(ctx, testOrg, "user-1")
	require.False(t, d.Allowed)
	assert.Equal(t, GateStateBlocked, d.State)
	assert.Equal(t, []string{d1}, d.StaleDates)
	assert.Equal(t, int64(2), d.PendingCount)

	require.NoError(t, db.Model(&models.Expense{}).Where("id = ?", "exp-1").
		Update("status", models.TransactionStatusApproved).Error)
	require.NoError(t, e.OnTransactionMutated(ctx, approvedEvent(expense, "exp-1", d1, 4000, cash, 1)))

	still, err := NewGormTransactionReader(db).Get(ctx, expense, "exp-2")
	require.NoError(t, err)
	require.Equal(t, models.TransactionStatusPending, still.Status)

	d = e.CheckCanCreateTransaction(ctx, testOrg, "user-1")
	assert.True(t, d.Allowed)
	assert.Equal(t, GateStateClearNoBacklog, d.State)
}

func TestGateGrantForTodayClearsDespiteBacklog(t *testing.T) {
	db := newTestDB(t)
	g := newTestGate(db, NewGormTransactionReader(db), nil)
	ctx := context.Background()
	seedTransactions(t, db, pendingRevenue("rev-1", "2024-03-02", "user-1"))

	require.NoError(t, g.GrantDay(ctx, testOrg, "user-1", gateToday, "manager-1"))
	d := g.CheckCanCreateTransaction(ctx, testOrg, "user-1")
	assert.True(t, d.Allowed)
	assert.Equal(t, GateStateClearedToday, d.State)

	var grant models.DailyApprovalGrant
	require.NoError(t, db.First(&grant).Error)
	assert.Equal(t, models.GrantSourceManual, grant.Source)
}

func TestGateFailsOpenWhenBacklogUnreadable(t *testing.T) {
	db := newTestDB(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	g := newTestGate(db, erroringReader{
		TransactionReader: NewGormTransactionReader(db),
		pendingErr:        errors.New("read replica down"),
	}, m)

	d := g.CheckCanCreateTransaction(context.Background(), testOrg, "user-1")
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
	assert.Equal(t, GateStateDegraded, d.State)
	assert.Equal(t, 1.0, counterValue(t, reg, "ledger_gate_decisions_total", string(GateStateDegraded)))
}

func TestGateActorRules(t *testing.T) {
	db := newTestDB(t)
	g := newTestGate(db, NewGormTransactionReader(db), nil)
	ctx := context.Background()
	seedTransactions(t, db, pendingRevenue("rev-1", "2024-03-01", "user-1"))

	admin := Actor{UserId: "user-1", OrgId: testOrg, Role: models.UserRoleAdmin}
	assert.Equal(t, GateStateAdminBypass, g.CheckActor(ctx, admin, testProp).State)

	manager := Actor{UserId: "user-1", OrgId: testOrg, Role: models.UserRoleManager, PropertyIds: []string{"prop-2"}}
	d := g.CheckActor(ctx, manager, testProp)
	assert.False(t, d.Allowed)
	assert.Equal(t, GateStateNoPropertyAccess, d.State)

	manager.PropertyIds = append(manager.PropertyIds, testProp)
	assert.Equal(t, GateStateBlocked, g.CheckActor(ctx, manager, testProp).State)
}

func TestGateRejectsMalformedGrant(t *testing.T) {
	db := newTestDB(t)
	g := newTestGate(db, NewGormTransactionReader(db), nil)
	ctx := context.Background()

	assert.ErrorIs(t, g.GrantDay(ctx, testOrg, "user-1", "05/03/2024", "manager-1"), ErrInvalidGrant)
	assert.ErrorIs(t, g.GrantDay(ctx, testOrg, "", gateToday, "manager-1"), ErrInvalidGrant)
}
