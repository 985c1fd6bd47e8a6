package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hospitality/ledger_backend/config"
	"github.com/hospitality/ledger_backend/models"
	"github.com/hospitality/ledger_backend/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testOrg   = "org-1"
	testProp  = "prop-1"
	testToken = "ops-secret"
	day1      = "2024-03-01"
	day2      = "2024-03-02"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.db")
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, models.MigrateTable(db))
	return db
}

type testServer struct {
	db     *gorm.DB
	engine *workflow.Engine
	router *gin.Engine
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	db := newTestDB(t)
	s := config.DefaultEngineSettings()
	s.Timezone = "UTC"
	s.ProjectionTimeout = 10 * time.Second
	s.OutboxPollInterval = time.Hour
	engine, err := workflow.NewEngine(workflow.EngineDeps{DB: db, Settings: s, Logger: quietLogger()})
	require.NoError(t, err)

	api := newLedgerAPI(quietLogger(), testToken)
	api.setEngine(engine)
	return testServer{db: db, engine: engine, router: newRouter(api, prometheus.NewRegistry(), nil)}
}

func (s testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(opsTokenHeader, testToken)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func seedRevenue(t *testing.T, db *gorm.DB, id, date string, cents int64, status models.TransactionStatus) {
	t.Helper()
	require.NoError(t, db.Create(&models.Revenue{
		ID: id, OrgId: testOrg, PropertyId: testProp, TransactionDate: date, AmountCents: cents,
		Currency: "INR", PaymentMode: models.PaymentModeCash, Status: status, CreatedByUserId: "user-1",
	}).Error)
}

func revenueApproved(id, date string, cents int64) models.LedgerEvent {
	return models.LedgerEvent{
		EventId:     id + "-approved",
		EventType:   models.EventTypeRevenueApproved,
		OrgId:       testOrg,
		PropertyId:  testProp,
		ActorUserId: "manager-1",
		EntityId:    id,
		EntityType:  models.EntityTypeRevenue,
		OccurredAt:  time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		Metadata: models.ApprovedMetadata{
			AmountCents: cents, Currency: "INR", PaymentMode: models.PaymentModeCash,
			TransactionDate: date, CreatorUserId: "user-1",
		},
	}
}

func pushEnvelope(t *testing.T, data []byte, messageId string) PubSubPushEnvelope {
	t.Helper()
	var env PubSubPushEnvelope
	env.Message.Data = data
	env.Message.ID = messageId
	env.Subscription = "projects/p/subscriptions/ledger-events-projector"
	return env
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthAndReadinessGate(t *testing.T) {
	router := newRouter(newLedgerAPI(quietLogger(), testToken), prometheus.NewRegistry(), nil)

	for _, tc := range []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/healthz", http.StatusNoContent},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/internal/gate?org_id=o&user_id=u", http.StatusServiceUnavailable},
		{http.MethodPost, "/pubsub", http.StatusServiceUnavailable},
	} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, tc.want, w.Code, tc.path)
	}
}

func TestInternalRoutesRequireOpsToken(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/internal/gate?org_id=o&user_id=u", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req.Header.Set(opsTokenHeader, "wrong")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRecordedEventIsProjectedByPushDelivery(t *testing.T) {
	s := newTestServer(t)
	seedRevenue(t, s.db, "rev-1", day1, 10000, models.TransactionStatusApproved)
	ev := revenueApproved("rev-1", day1, 10000)

	w := s.do(t, http.MethodPost, "/internal/events", ev)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("x-correlation-id"))

	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	w = s.do(t, http.MethodPost, "/pubsub", pushEnvelope(t, payload, "msg-1"))
	require.Equal(t, http.StatusNoContent, w.Code)

	rec, err := s.engine.Events.Get(context.Background(), ev.EventId)
	require.NoError(t, err)
	assert.True(t, rec.IsProcessed)

	w = s.do(t, http.MethodGet, "/internal/daily-balance?org_id="+testOrg+"&property_id="+testProp+"&date="+day1, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	view := decode[models.DailyBalanceView](t, w)
	assert.Equal(t, string(workflow.BalanceSourceProjection), view.Source)
	assert.Equal(t, "100.00", view.ClosingBalance)
	assert.Equal(t, int64(10000), view.ClosingBalanceCents)

	// Redelivery is acked without touching the row again.
	w = s.do(t, http.MethodPost, "/pubsub", pushEnvelope(t, payload, "msg-2"))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRecordEventRejectsInvalidEvents(t *testing.T) {
	s := newTestServer(t)
	ev := revenueApproved("rev-1", day1, 10000)
	ev.OrgId = ""

	w := s.do(t, http.MethodPost, "/internal/events", ev)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/internal/events", map[string]any{"event_id": "x", "event_type": "invoice_paid"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPushAcksMalformedMessages(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/pubsub", bytes.NewBufferString("not json"))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodPost, "/pubsub", pushEnvelope(t, []byte(`{"event_type":"invoice_paid"}`), "msg-1"))
	assert.Equal(t, http.StatusNoContent, w.Code)

	bad := revenueApproved("rev-1", day1, 10000)
	bad.PropertyId = ""
	payload, err := json.Marshal(bad)
	require.NoError(t, err)
	w = s.do(t, http.MethodPost, "/pubsub", pushEnvelope(t, payload, "msg-2"))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestGateBlocksUntilDayIsGranted(t *testing.T) {
	s := newTestServer(t)
	seedRevenue(t, s.db, "rev-9", day1, 500, models.TransactionStatusPending)
	path := "/internal/gate?org_id=" + testOrg + "&user_id=user-1"

	w := s.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decision := decode[workflow.GateDecision](t, w)
	assert.False(t, decision.Allowed)
	assert.Equal(t, workflow.GateStateBlocked, decision.State)
	assert.Equal(t, []string{day1}, decision.StaleDates)

	w = s.do(t, http.MethodPost, "/internal/gate/grant", map[string]string{"org_id": testOrg, "user_id": "user-1", "date": "01/03/2024", "granted_by": "manager-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, http.MethodPost, "/internal/gate/grant", map[string]string{"org_id": testOrg, "user_id": "user-1"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "fields")

	w = s.do(t, http.MethodPost, "/internal/gate/grant", map[string]string{"org_id": testOrg, "user_id": "user-1", "date": day1, "granted_by": "manager-1"})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, path, nil)
	decision = decode[workflow.GateDecision](t, w)
	assert.True(t, decision.Allowed)
	assert.Equal(t, workflow.GateStateClearNoBacklog, decision.State)
}

func TestConsistencyRepairDefaultsToDryRun(t *testing.T) {
	s := newTestServer(t)
	seedRevenue(t, s.db, "rev-1", day1, 10000, models.TransactionStatusApproved)
	for _, row := range []models.DailyBalance{
		{BalanceDate: day1, CashReceivedCents: 10000, ClosingBalanceCents: 10000, CalculatedClosingBalanceCents: 10000},
		{BalanceDate: day2, OpeningBalanceCents: 10000, ClosingBalanceCents: 10000, CalculatedClosingBalanceCents: 10000},
	} {
		row.OrgId, row.PropertyId = testOrg, testProp
		require.NoError(t, s.db.Create(&row).Error)
	}
	req := map[string]any{"org_id": testOrg, "from": day1, "to": "2024-03-03"}

	w := s.do(t, http.MethodPost, "/internal/consistency/check", req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	check := decode[struct {
		Count  int                         `json:"count"`
		Issues []workflow.ConsistencyIssue `json:"issues"`
	}](t, w)
	require.Equal(t, 1, check.Count)
	assert.Equal(t, models.IssueOrphanedCache, check.Issues[0].Kind)
	assert.Equal(t, day2, check.Issues[0].Date)

	w = s.do(t, http.MethodPost, "/internal/consistency/repair", req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	type repairBody struct {
		Report workflow.RepairReport `json:"report"`
	}
	report := decode[repairBody](t, w).Report
	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.Count(workflow.RepairActionWouldDelete))
	var n int64
	require.NoError(t, s.db.Model(&models.DailyBalance{}).Count(&n).Error)
	assert.Equal(t, int64(2), n)

	req["dry_run"] = false
	w = s.do(t, http.MethodPost, "/internal/consistency/repair", req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report = decode[repairBody](t, w).Report
	assert.False(t, report.DryRun)
	assert.Equal(t, 1, report.Count(workflow.RepairActionDeleted))
	require.NoError(t, s.db.Model(&models.DailyBalance{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestOpsRoutesRejectBadRanges(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/internal/consistency/check", map[string]any{"org_id": testOrg, "from": day2, "to": day1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, http.MethodPost, "/internal/consistency/check", map[string]any{"org_id": testOrg})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, http.MethodPost, "/internal/daily-balance/rebuild", map[string]any{"org_id": testOrg, "property_id": testProp, "from": day2, "to": day1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, http.MethodGet, "/internal/daily-balance?org_id="+testOrg+"&property_id="+testProp+"&date=2024-13-01", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, http.MethodPost, "/internal/events/replay", map[string]any{"org_id": testOrg, "from": "yesterday"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRebuildAndBackfillRoutes(t *testing.T) {
	s := newTestServer(t)
	seedRevenue(t, s.db, "rev-1", day1, 10000, models.TransactionStatusApproved)

	w := s.do(t, http.MethodPost, "/internal/events/backfill", map[string]any{"org_id": testOrg})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, decode[struct {
		Appended int `json:"appended"`
	}](t, w).Appended)

	w = s.do(t, http.MethodPost, "/internal/daily-balance/rebuild", map[string]any{"org_id": testOrg, "property_id": testProp, "from": day1, "to": day2})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[workflow.RebuildResult](t, w)
	assert.Equal(t, 1, res.RowsWritten)

	w = s.do(t, http.MethodPost, "/internal/events/replay", map[string]any{"org_id": testOrg, "from": "2000-01-01"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestDirectProcessorProjectsLoggedEvents(t *testing.T) {
	s := newTestServer(t)
	seedRevenue(t, s.db, "rev-1", day1, 10000, models.TransactionStatusApproved)
	ctx := context.Background()
	require.NoError(t, s.engine.OnTransactionMutated(ctx, revenueApproved("rev-1", day1, 10000)))

	p := NewOutboxDirectProcessor(s.engine, quietLogger())
	assert.Equal(t, 1, p.processOnce(ctx))
	assert.Zero(t, p.processOnce(ctx))

	var row models.DailyBalance
	require.NoError(t, s.db.Where("balance_date = ?", day1).First(&row).Error)
	assert.Equal(t, int64(10000), row.ClosingBalanceCents)
}

func TestDeliverEventRetriesFailedProjection(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.db.Migrator().DropTable(&models.DailyBalance{}))
	log, hook := logtest.NewNullLogger()

	out := deliverEvent(context.Background(), s.engine, log, revenueApproved("rev-1", day1, 10000), "PubSubPush")
	assert.Equal(t, deliveryRetry, out)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "PubSubPush", entry.Data["module"])
	assert.Equal(t, "deliverEvent", entry.Data["funcName"])
	assert.Contains(t, entry.Message, "projection apply failed")
}

func TestProcessRetryPolicyFromEnv(t *testing.T) {
	t.Setenv("OUTBOX_PROCESS_MAX_ATTEMPTS", "4")
	t.Setenv("OUTBOX_PROCESS_BASE_BACKOFF_SECONDS", "30")
	t.Setenv("OUTBOX_PROCESS_MAX_BACKOFF_SECONDS", "10")

	p := processRetryPolicyFromEnv()
	assert.Equal(t, 4, p.MaxAttempts)
	assert.Equal(t, 30*time.Second, p.BaseBackoff)
	assert.Equal(t, 30*time.Second, p.MaxBackoff)

	t.Setenv("OUTBOX_PROCESS_MAX_ATTEMPTS", "-1")
	assert.Equal(t, workflow.DefaultProcessRetryPolicy().MaxAttempts, processRetryPolicyFromEnv().MaxAttempts)
}

func TestParseReplayFrom(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	got, err := parseReplayFrom("2024-03-01", loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 29, 18, 30, 0, 0, time.UTC), got.UTC())

	got, err = parseReplayFrom("2024-03-01T10:00:00Z", loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), got)

	_, err = parseReplayFrom("01/03/2024", loc)
	assert.Error(t, err)
}

func TestCorrelationFor(t *testing.T) {
	assert.Equal(t, "corr-1", correlationFor(map[string]string{workflow.AttrCorrelationId: "corr-1"}, "msg-1"))
	assert.Equal(t, "msg-1", correlationFor(nil, "msg-1"))
}

func TestSplitAndTrim(t *testing.T) {
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, splitAndTrim(" https://a.example, ,https://b.example "))
	assert.Nil(t, splitAndTrim("  "))
}
