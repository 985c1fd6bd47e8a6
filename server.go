package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hospitality/ledger_backend/config"
	"github.com/hospitality/ledger_backend/metrics"
	"github.com/hospitality/ledger_backend/models"
	"github.com/hospitality/ledger_backend/utils"
	"github.com/hospitality/ledger_backend/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultPort = "8080"

// opsTokenHeader carries OPS_TOKEN on every /internal request.
const opsTokenHeader = "x-ops-token"

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client func() *redis.Client
	limit  int64
	window time.Duration
}

// ledgerAPI serves the HTTP surface. The engine is installed once the database is reachable;
// until then every route except /healthz and /metrics answers 503.
type ledgerAPI struct {
	engine   atomic.Pointer[workflow.Engine]
	logger   *logrus.Logger
	opsToken string
}

func newLedgerAPI(logger *logrus.Logger, opsToken string) *ledgerAPI {
	return &ledgerAPI{logger: logger, opsToken: opsToken}
}

func (a *ledgerAPI) setEngine(e *workflow.Engine) { a.engine.Store(e) }

func (a *ledgerAPI) ready() bool { return a.engine.Load() != nil }

// newRouter builds the gin engine. main and the handler tests share it.
func newRouter(api *ledgerAPI, gatherer prometheus.Gatherer, limiter *RateLimiter) *gin.Engine {
	r := gin.New()
	// Correlation IDs: take the caller's or generate one, and attach it to the request context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header("x-correlation-id", cid)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		switch c.Request.URL.Path {
		case "/healthz":
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		case "/metrics":
			c.Next()
			return
		}
		if !api.ready() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.Use(cors.New(corsConfigFromEnv()))
	if limiter != nil {
		r.Use(limiter.RateLimitMiddleware)
	}
	r.Use(customErrorLogger(api.logger))
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	r.POST("/pubsub", api.pubSubPushHandler)

	internal := r.Group("/internal", api.requireOpsToken)
	internal.POST("/events", api.recordEventHandler)
	internal.POST("/events/replay", api.replayEventsHandler)
	internal.POST("/events/backfill", api.backfillEventsHandler)
	internal.GET("/gate", api.gateHandler)
	internal.POST("/gate/grant", api.grantDayHandler)
	internal.GET("/daily-balance", api.dailyBalanceHandler)
	internal.POST("/daily-balance/rebuild", api.rebuildHandler)
	internal.POST("/consistency/check", api.consistencyCheckHandler)
	internal.POST("/consistency/repair", api.consistencyRepairHandler)

	r.NoRoute(customNotFoundHandler)
	return r
}

func (a *ledgerAPI) requireOpsToken(c *gin.Context) {
	got := c.GetHeader(opsTokenHeader)
	if a.opsToken == "" || subtle.ConstantTimeCompare([]byte(got), []byte(a.opsToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func bindError(c *gin.Context, err error) {
	if fields := utils.ProcessValidationErrors(err); len(fields) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": fields})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
}

// recordEventHandler is the write path's hook: the transaction service posts the event after its commit.
func (a *ledgerAPI) recordEventHandler(c *gin.Context) {
	var ev models.LedgerEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := utils.SetOrgIdInContext(c.Request.Context(), ev.OrgId)
	if err := a.engine.Load().OnTransactionMutated(ctx, ev); err != nil {
		if errors.Is(err, workflow.ErrInvalidEvent) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not record event"})
		return
	}
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	c.JSON(http.StatusAccepted, gin.H{"event_id": ev.EventId, "correlation_id": cid})
}

type replayRequest struct {
	OrgId      string `json:"org_id" binding:"required"`
	PropertyId string `json:"property_id"`
	// From is RFC 3339 or a calendar date in the org timezone.
	From string `json:"from" binding:"required"`
}

func (a *ledgerAPI) replayEventsHandler(c *gin.Context) {
	var req replayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	e := a.engine.Load()
	from, err := parseReplayFrom(req.From, e.Settings().Location())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := utils.SetOrgIdInContext(c.Request.Context(), req.OrgId)
	n, err := e.ReplayEvents(ctx, req.OrgId, req.PropertyId, from)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"org_id": req.OrgId, "property_id": req.PropertyId, "from": from.UTC().Format(time.RFC3339), "reset": n})
}

func parseReplayFrom(value string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if !utils.IsValidDate(value) {
		return time.Time{}, fmt.Errorf("from must be RFC 3339 or YYYY-MM-DD: %q", value)
	}
	return time.ParseInLocation("2006-01-02", value, loc)
}

type backfillRequest struct {
	OrgId      string `json:"org_id" binding:"required"`
	PropertyId string `json:"property_id"`
}

func (a *ledgerAPI) backfillEventsHandler(c *gin.Context) {
	var req backfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	ctx := utils.SetOrgIdInContext(c.Request.Context(), req.OrgId)
	n, err := a.engine.Load().BackfillEvents(ctx, req.OrgId, req.PropertyId)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"org_id": req.OrgId, "appended": n})
}

type gateQuery struct {
	OrgId  string `form:"org_id" binding:"required"`
	UserId string `form:"user_id" binding:"required"`
}

func (a *ledgerAPI) gateHandler(c *gin.Context) {
	var q gateQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		bindError(c, err)
		return
	}
	ctx := utils.SetOrgIdInContext(c.Request.Context(), q.OrgId)
	c.JSON(http.StatusOK, a.engine.Load().CheckCanCreateTransaction(ctx, q.OrgId, q.UserId))
}

type grantRequest struct {
	OrgId     string `json:"org_id" binding:"required"`
	UserId    string `json:"user_id" binding:"required"`
	Date      string `json:"date" binding:"required"`
	GrantedBy string `json:"granted_by" binding:"required"`
}

func (a *ledgerAPI) grantDayHandler(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	ctx := utils.SetOrgIdInContext(c.Request.Context(), req.OrgId)
	if err := a.engine.Load().GrantDay(ctx, req.OrgId, req.UserId, req.Date, req.GrantedBy); err != nil {
		if errors.Is(err, workflow.ErrInvalidGrant) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not record grant"})
		return
	}
	c.Status(http.StatusNoContent)
}

type balanceQuery struct {
	OrgId      string `form:"org_id" binding:"required"`
	PropertyId string `form:"property_id" binding:"required"`
	Date       string `form:"date" binding:"required"`
}

func (a *ledgerAPI) dailyBalanceHandler(c *gin.Context) {
	var q balanceQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		bindError(c, err)
		return
	}
	ctx := utils.SetOrgIdInContext(c.Request.Context(), q.OrgId)
	b, source, err := a.engine.Load().GetDailyBalance(ctx, q.OrgId, q.PropertyId, q.Date)
	if err != nil {
		if errors.Is(err, utils.ErrInvalidDate) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read balance"})
		return
	}
	c.JSON(http.StatusOK, models.NewDailyBalanceView(b, string(source)))
}

type rebuildRequest struct {
	OrgId      string `json:"org_id" binding:"required"`
	PropertyId string `json:"property_id" binding:"required"`
	From       string `json:"from" binding:"required"`
	To         string `json:"to" binding:"required"`
}

func (a *ledgerAPI) rebuildHandler(c *gin.Context) {
	var req rebuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	ctx := utils.SetOrgIdInContext(c.Request.Context(), req.OrgId)
	res, err := a.engine.Load().RebuildDailyBalances(ctx, req.OrgId, req.PropertyId, req.From, req.To)
	if err != nil {
		rangeOrServerError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func rangeOrServerError(c *gin.Context, err error) {
	if errors.Is(err, workflow.ErrInvalidRange) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (a *ledgerAPI) consistencyCheckHandler(c *gin.Context) {
	var req workflow.ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	ctx := utils.SetOrgIdInContext(c.Request.Context(), req.OrgId)
	if req.CorrelationId == "" {
		req.CorrelationId, _ = utils.GetCorrelationIdFromContext(ctx)
	}
	issues, err := a.engine.Load().RunConsistencyCheck(ctx, req)
	if err != nil {
		rangeOrServerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"issues": issues, "count": len(issues)})
}

type repairRequest struct {
	workflow.ValidateRequest
	// DryRun defaults to true; a repair only deletes when the caller sends false.
	DryRun *bool `json:"dry_run"`
}

func (a *ledgerAPI) consistencyRepairHandler(c *gin.Context) {
	var req repairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	dryRun := req.DryRun == nil || *req.DryRun
	ctx := utils.SetOrgIdInContext(c.Request.Context(), req.OrgId)
	if req.CorrelationId == "" {
		req.CorrelationId, _ = utils.GetCorrelationIdFromContext(ctx)
	}
	e := a.engine.Load()
	issues, err := e.RunConsistencyCheck(ctx, req.ValidateRequest)
	if err != nil {
		rangeOrServerError(c, err)
		return
	}
	report, err := e.Repair(ctx, issues, dryRun)
	if err != nil {
		// Partial repairs still return their report.
		_ = c.Error(err)
	}
	c.JSON(http.StatusOK, gin.H{"issues": issues, "report": report})
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()
	settings := config.LoadEngineSettings()

	// Cloud Run sends SIGTERM on revision shutdown.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	api := newLedgerAPI(logger, strings.TrimSpace(os.Getenv("OPS_TOKEN")))
	if api.opsToken == "" {
		logger.WithFields(logrus.Fields{"field": "ops"}).Warn("OPS_TOKEN not set; /internal routes will reject every request")
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: newRouter(api, reg, rateLimiterFromEnv()),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	db := config.ConnectDatabaseWithRetry()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	var rdb *redis.Client
	if config.RedisEnabled() {
		rdb = config.ConnectRedisWithRetry(sigCtx)
	}

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}
	setReadCommitted(sigCtx, db, logger)

	deps := workflow.EngineDeps{
		DB:       db,
		Retry:    processRetryPolicyFromEnv(),
		Settings: settings,
		Logger:   logger,
		Metrics:  m,
	}
	if rdb != nil {
		deps.Cache = workflow.NewRedisCache(rdb)
		deps.Locker = workflow.NewRedisLocker(config.GetRedisLock(), settings.LockTTL, logger)
	}
	if config.PubSubEnabled() {
		deps.Publisher = workflow.NewPubSubPublisher(settings.PubSubTopic)
	}
	engine, err := workflow.NewEngine(deps)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "engine"}).Fatal(err.Error())
	}

	workerCtx, cancelWorkers := context.WithCancel(sigCtx)
	defer cancelWorkers()
	engine.Start(workerCtx)
	api.setEngine(engine)

	if config.PubSubEnabled() && strings.EqualFold(strings.TrimSpace(os.Getenv("PUBSUB_PULL_ENABLED")), "true") {
		if err := RunLedgerWorkflow(workerCtx, engine, logger); err != nil {
			config.LogError(logger, "server.go", "main", "Starting pull subscriber", settings.PubSubSubscription, err)
		}
	}
	if shouldRunDirectOutboxProcessor() {
		go NewOutboxDirectProcessor(engine, logger).Run(workerCtx)
	}

	logger.WithFields(logrus.Fields{
		"info":     "Connection Established",
		"timezone": settings.Timezone,
		"pubsub":   config.PubSubEnabled(),
		"redis":    rdb != nil,
	}).Info("ledger engine listening on :", port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first; the invalidator flushes what it still holds.
	cancelWorkers()
	engine.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb != nil {
		_ = rdb.Close()
	}
}

// setReadCommitted retries until the session isolation level is set. Only MySQL needs it.
func setReadCommitted(ctx context.Context, db *gorm.DB, logger *logrus.Logger) {
	if db.Dialector.Name() != "mysql" {
		return
	}
	for attempt := 1; ; attempt++ {
		err := db.WithContext(ctx).Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			return
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

func corsConfigFromEnv() cors.Config {
	corsConfig := cors.DefaultConfig()
	// Production requires an explicit allowlist; anything else allows all origins.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", opsTokenHeader, "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length", "x-correlation-id")
	return corsConfig
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
			logger.WithFields(logrus.Fields{
				"field":          "http",
				"path":           c.FullPath(),
				"status":         c.Writer.Status(),
				"correlation_id": cid,
			}).Error(c.Errors.String())
		}
	}
}

// rateLimiterFromEnv returns nil unless RATE_LIMIT_ENABLED=true.
// Env: RATE_LIMIT_WINDOW_SECONDS (60), RATE_LIMIT_MAX_REQUESTS (600).
func rateLimiterFromEnv() *RateLimiter {
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		return nil
	}
	limit := int64(600)
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}
	windowSec := int64(60)
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			windowSec = n
		}
	}
	return NewRateLimiter(config.GetRedisDB, limit, time.Duration(windowSec)*time.Second)
}

// NewRateLimiter counts requests per client IP in Redis. client is resolved per request since
// Redis connects after the listener is up; while it returns nil requests pass unlimited.
func NewRateLimiter(client func() *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// The push endpoint is driven by Pub/Sub retries, not clients.
	if c.Request.URL.Path == "/pubsub" {
		c.Next()
		return
	}
	client := rl.client()
	if client == nil {
		c.Next()
		return
	}
	key := "ratelimit:" + c.ClientIP()

	count, err := client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		// Fail open.
		_ = c.Error(err)
		c.Next()
		return
	}
	if count == 1 {
		client.Expire(c.Request.Context(), key, rl.window)
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
