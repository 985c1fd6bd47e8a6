package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hospitality/ledger_backend/config"
	"github.com/hospitality/ledger_backend/metrics"
	"github.com/hospitality/ledger_backend/models"
	"github.com/hospitality/ledger_backend/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// InvalidationItem asks for every cached artifact of (org, property) on the given dates to be dropped.
type InvalidationItem struct {
	OrgId        string
	PropertyId   string
	Dates        []string
	EnqueuedAtMs int64
	Attempts     int
}

// reportCacheTier is the part of ReportCacheStore the invalidator needs.
type reportCacheTier interface {
	DeleteDates(ctx context.Context, orgId, propertyId string, dates []string) (int64, error)
}

type InvalidatorOptions struct {
	Interval    time.Duration
	BatchSize   int
	Debounce    time.Duration
	MaxAttempts int
	Parallelism int
}

func InvalidatorOptionsFromSettings(s config.EngineSettings) InvalidatorOptions {
	return InvalidatorOptions{
		Interval:    s.InvalidationInterval,
		BatchSize:   s.InvalidationBatchSize,
		Debounce:    s.InvalidationDebounce,
		MaxAttempts: s.InvalidationMaxAttempts,
	}
}

// CacheInvalidator buffers invalidation requests and drains them in batches: on a timer, or
// early once the buffer reaches the batch size. Items are grouped per (org, property) so one
// burst of events clears each date once. Failed groups go back into the buffer.
type CacheInvalidator struct {
	reports reportCacheTier
	cache   DistributedCache
	opts    InvalidatorOptions
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	buffer []InvalidationItem
	// last successful invalidation per org|property|date, for the debounce window
	recent map[string]int64
	wake   chan struct{}
	// serializes drains so Run and an explicit Flush never interleave
	flushMu sync.Mutex
}

func NewCacheInvalidator(reports reportCacheTier, cache DistributedCache, opts InvalidatorOptions, logger *logrus.Logger, m *metrics.Metrics) *CacheInvalidator {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 8
	}
	if logger == nil {
		logger = config.GetLogger()
	}
	return &CacheInvalidator{
		reports: reports,
		cache:   cache,
		opts:    opts,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		recent:  map[string]int64{},
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue never blocks the caller.
func (c *CacheInvalidator) Enqueue(orgId, propertyId string, dates []string) {
	dates = utils.MergeDates(dates)
	if orgId == "" || len(dates) == 0 {
		return
	}
	c.mu.Lock()
	c.buffer = append(c.buffer, InvalidationItem{
		OrgId:        orgId,
		PropertyId:   propertyId,
		Dates:        dates,
		EnqueuedAtMs: c.now().UnixMilli(),
	})
	n := len(c.buffer)
	c.mu.Unlock()

	c.metrics.SetInvalidationBuffer(n)
	if n >= c.opts.BatchSize {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

// Pending is the number of buffered items.
func (c *CacheInvalidator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// Run drains until ctx ends, then flushes once more with a short deadline.
func (c *CacheInvalidator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.flush(final, true); err != nil {
				config.LogWarn(c.logger, "Workflow", "CacheInvalidator.Run", "final flush incomplete", c.Pending(), err)
			}
			cancel()
			return
		case <-ticker.C:
		case <-c.wake:
		}
		if err := c.Flush(ctx); err != nil {
			config.LogWarn(c.logger, "Workflow", "CacheInvalidator.Run", "flush had failures; re-enqueued", c.Pending(), err)
		}
	}
}

type invalidationGroup struct {
	orgId      string
	propertyId string
	dates      []string
	attempts   int
	enqueued   int64
}

// Flush drains the current buffer once. The returned error joins every failed group
// (wrapped in ErrCacheInvalidation); those groups are already back in the buffer.
func (c *CacheInvalidator) Flush(ctx context.Context) error {
	return c.flush(ctx, false)
}

// flush with force ignores the debounce window; used for the shutdown drain.
func (c *CacheInvalidator) flush(ctx context.Context, force bool) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	items := c.buffer
	c.buffer = nil
	c.mu.Unlock()
	if len(items) == 0 {
		return nil
	}

	nowMs := c.now().UnixMilli()
	ready, deferred := c.group(items, nowMs, force)

	var (
		resMu  sync.Mutex
		errs   []error
		failed []InvalidationItem
		done   []invalidationGroup
	)
	eg := errgroup.Group{}
	eg.SetLimit(c.opts.Parallelism)
	for _, g := range ready {
		eg.Go(func() error {
			err := c.invalidate(ctx, g)
			resMu.Lock()
			defer resMu.Unlock()
			if err != nil {
				errs = append(errs, err)
				failed = append(failed, InvalidationItem{
					OrgId: g.orgId, PropertyId: g.propertyId, Dates: g.dates,
					EnqueuedAtMs: g.enqueued, Attempts: g.attempts + 1,
				})
				return nil
			}
			done = append(done, g)
			return nil
		})
	}
	_ = eg.Wait()

	var requeue []InvalidationItem
	requeue = append(requeue, deferred...)
	for _, it := range failed {
		c.metrics.IncInvalidationFailure()
		if it.Attempts >= c.opts.MaxAttempts {
			c.metrics.IncInvalidationDropped()
			c.logger.WithFields(logrus.Fields{
				"field":       "CacheInvalidator",
				"org_id":      it.OrgId,
				"property_id": it.PropertyId,
				"dates":       it.Dates,
				"attempts":    it.Attempts,
			}).Error("dropping cache invalidation after max attempts; consistency check will find leftovers")
			continue
		}
		requeue = append(requeue, it)
	}

	c.mu.Lock()
	c.buffer = append(requeue, c.buffer...)
	n := len(c.buffer)
	c.pruneRecent(nowMs)
	for _, g := range done {
		for _, d := range g.dates {
			c.recent[debounceKey(g.orgId, g.propertyId, d)] = nowMs
		}
	}
	c.mu.Unlock()
	c.metrics.SetInvalidationBuffer(n)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrCacheInvalidation, errors.Join(errs...))
	}
	return nil
}

// group unions dates per (org, property) and splits off dates still inside the debounce window.
func (c *CacheInvalidator) group(items []InvalidationItem, nowMs int64, force bool) ([]invalidationGroup, []InvalidationItem) {
	type key struct{ org, prop string }
	byKey := map[key]*invalidationGroup{}
	var order []key
	for _, it := range items {
		k := key{it.OrgId, it.PropertyId}
		g, ok := byKey[k]
		if !ok {
			g = &invalidationGroup{orgId: it.OrgId, propertyId: it.PropertyId, enqueued: it.EnqueuedAtMs}
			byKey[k] = g
			order = append(order, k)
		}
		g.dates = utils.MergeDates(g.dates, it.Dates)
		g.attempts = max(g.attempts, it.Attempts)
		g.enqueued = min(g.enqueued, it.EnqueuedAtMs)
	}

	debounceMs := c.opts.Debounce.Milliseconds()
	if force {
		debounceMs = 0
	}
	var ready []invalidationGroup
	var deferred []InvalidationItem
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range order {
		g := byKey[k]
		var now, later []string
		for _, d := range g.dates {
			last, seen := c.recent[debounceKey(g.orgId, g.propertyId, d)]
			if seen && debounceMs > 0 && nowMs-last < debounceMs {
				later = append(later, d)
				continue
			}
			now = append(now, d)
		}
		if len(later) > 0 {
			deferred = append(deferred, InvalidationItem{
				OrgId: g.orgId, PropertyId: g.propertyId, Dates: later,
				EnqueuedAtMs: g.enqueued, Attempts: g.attempts,
			})
		}
		if len(now) > 0 {
			ready = append(ready, invalidationGroup{
				orgId: g.orgId, propertyId: g.propertyId, dates: now,
				attempts: g.attempts, enqueued: g.enqueued,
			})
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].orgId != ready[j].orgId {
			return ready[i].orgId < ready[j].orgId
		}
		return ready[i].propertyId < ready[j].propertyId
	})
	return ready, deferred
}

// invalidate clears both tiers for one group. Both tiers are attempted even if one fails.
func (c *CacheInvalidator) invalidate(ctx context.Context, g invalidationGroup) error {
	var errs []error
	if c.reports != nil {
		if _, err := c.reports.DeleteDates(ctx, g.orgId, g.propertyId, g.dates); err != nil {
			errs = append(errs, fmt.Errorf("report cache: %w", err))
		}
	}
	if c.cache != nil {
		if err := c.cache.Delete(ctx, cacheKeysFor(g.orgId, g.propertyId, g.dates)...); err != nil {
			errs = append(errs, fmt.Errorf("distributed cache: %w", err))
		}
	}
	if len(errs) > 0 {
		err := fmt.Errorf("org %s property %s: %w", g.orgId, g.propertyId, errors.Join(errs...))
		config.LogError(c.logger, "Workflow", "CacheInvalidator.invalidate", "invalidate group", logrus.Fields{
			"org_id":      g.orgId,
			"property_id": g.propertyId,
			"dates":       g.dates,
			"attempt":     g.attempts + 1,
		}, err)
		return err
	}
	c.metrics.IncInvalidationApplied()
	return nil
}

// cacheKeysFor lists the distributed keys of every cache kind for the property and for the
// org-wide aggregate on each date.
func cacheKeysFor(orgId, propertyId string, dates []string) []string {
	scopes := []string{scopeProperty(propertyId)}
	if scopes[0] != utils.OrgWideProperty {
		scopes = append(scopes, utils.OrgWideProperty)
	}
	keys := make([]string, 0, len(dates)*len(models.AllCacheKinds)*len(scopes))
	for _, d := range dates {
		for _, kind := range models.AllCacheKinds {
			for _, scope := range scopes {
				keys = append(keys, utils.LedgerCacheKey(string(kind), orgId, scope, d))
			}
		}
	}
	return keys
}

func debounceKey(orgId, propertyId, date string) string {
	return orgId + "|" + propertyId + "|" + date
}

// pruneRecent forgets invalidations older than the debounce window. Caller holds c.mu.
func (c *CacheInvalidator) pruneRecent(nowMs int64) {
	debounceMs := c.opts.Debounce.Milliseconds()
	for k, at := range c.recent {
		if nowMs-at >= debounceMs {
			delete(c.recent, k)
		}
	}
}
