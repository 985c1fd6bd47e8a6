package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/hospitality/ledger_backend/config"
	"github.com/hospitality/ledger_backend/metrics"
	"github.com/hospitality/ledger_backend/models"
	"github.com/hospitality/ledger_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type BalanceSource string

const (
	BalanceSourceProjection       BalanceSource = "projection"
	BalanceSourceDistributedCache BalanceSource = "distributed_cache"
	BalanceSourceReportCache      BalanceSource = "report_cache"
	BalanceSourceCalculated       BalanceSource = "calculated"
)

// CachePolicy decides how long a cached artifact about a date may live.
type CachePolicy struct {
	Location      *time.Location
	RecentDays    int
	TTLRecent     time.Duration
	TTLHistorical time.Duration
}

func CachePolicyFromSettings(s config.EngineSettings) CachePolicy {
	return CachePolicy{
		Location:      s.Location(),
		RecentDays:    s.CacheRecentDays,
		TTLRecent:     s.CacheTTLRecent,
		TTLHistorical: s.CacheTTLHistorical,
	}
}

func (p CachePolicy) TTL(date string, now time.Time) time.Duration {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	return utils.GetCacheLifespan(date, utils.CalendarDate(now, loc), p.RecentDays, p.TTLRecent, p.TTLHistorical)
}

// BalanceReader serves one day's balance from the cheapest tier that has it: the projection
// row, the distributed cache, the report cache, and finally the calculator over raw
// transactions. Calculated days with transactions are written back to both cache tiers.
type BalanceReader struct {
	db      *gorm.DB
	reader  TransactionReader
	reports *ReportCacheStore
	cache   DistributedCache
	policy  CachePolicy
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewBalanceReader(db *gorm.DB, reader TransactionReader, reports *ReportCacheStore, cache DistributedCache, policy CachePolicy, logger *logrus.Logger, m *metrics.Metrics) *BalanceReader {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &BalanceReader{
		db:      db,
		reader:  reader,
		reports: reports,
		cache:   cache,
		policy:  policy,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

func (r *BalanceReader) GetDailyBalance(ctx context.Context, orgId, propertyId, date string) (models.DailyBalance, BalanceSource, error) {
	if !utils.IsValidDate(date) {
		return models.DailyBalance{}, "", utils.ErrInvalidDate
	}

	var row models.DailyBalance
	res := r.db.WithContext(ctx).
		Where("org_id = ? AND property_id = ? AND balance_date = ?", orgId, propertyId, date).
		Limit(1).Find(&row)
	if res.Error != nil {
		config.LogWarn(r.logger, "Workflow", "BalanceReader.GetDailyBalance", "projection read failed; falling back", date, res.Error)
	} else if res.RowsAffected > 0 {
		return r.served(row, BalanceSourceProjection)
	}

	key := utils.LedgerCacheKey(string(models.CacheKindDailyBalance), orgId, propertyId, date)
	if r.cache != nil {
		data, err := r.cache.Get(ctx, key)
		switch {
		case err == nil:
			if cached, ok := utils.DecodeCached[models.DailyBalance](data); ok {
				return r.served(cached, BalanceSourceDistributedCache)
			}
		case !errors.Is(err, ErrCacheMiss):
			config.LogWarn(r.logger, "Workflow", "BalanceReader.GetDailyBalance", "distributed cache read failed", key, err)
		}
	}

	if r.reports != nil {
		data, ok, err := r.reports.Get(ctx, models.CacheKindDailyBalance, orgId, propertyId, date)
		if err != nil {
			config.LogWarn(r.logger, "Workflow", "BalanceReader.GetDailyBalance", "report cache read failed", key, err)
		} else if ok {
			if cached, ok := utils.DecodeCached[models.DailyBalance](data); ok {
				return r.served(cached, BalanceSourceReportCache)
			}
		}
	}

	calc, err := r.calculate(ctx, orgId, propertyId, date)
	if err != nil {
		config.LogError(r.logger, "Workflow", "BalanceReader.GetDailyBalance", "calculate balance", logrus.Fields{
			"org_id": orgId, "property_id": propertyId, "date": date,
		}, err)
		return models.DailyBalance{}, "", err
	}
	balance := models.DailyBalance{
		OrgId:                         orgId,
		PropertyId:                    propertyId,
		BalanceDate:                   date,
		OpeningBalanceCents:           calc.OpeningBalanceCents,
		CashReceivedCents:             calc.CashReceivedCents,
		BankReceivedCents:             calc.BankReceivedCents,
		CashExpensesCents:             calc.CashExpensesCents,
		BankExpensesCents:             calc.BankExpensesCents,
		ClosingBalanceCents:           calc.ClosingBalanceCents,
		CalculatedClosingBalanceCents: calc.CalculatedClosingBalanceCents,
		BalanceDiscrepancyCents:       calc.BalanceDiscrepancyCents,
		IsOpeningAutoCalculated:       true,
	}
	// A date without transactions is never cached; the validator would flag it as orphaned.
	if calc.TransactionCount > 0 {
		r.writeThrough(ctx, key, balance)
	}
	return r.served(balance, BalanceSourceCalculated)
}

func (r *BalanceReader) served(b models.DailyBalance, source BalanceSource) (models.DailyBalance, BalanceSource, error) {
	r.metrics.IncBalanceRead(string(source))
	return b, source, nil
}

func (r *BalanceReader) calculate(ctx context.Context, orgId, propertyId, date string) (DailyBalanceComputation, error) {
	totals, err := r.reader.CashTotalsBefore(ctx, orgId, propertyId, date)
	if err != nil {
		return DailyBalanceComputation{}, err
	}
	txs, err := r.reader.ListApproved(ctx, orgId, propertyId, date, date)
	if err != nil {
		return DailyBalanceComputation{}, err
	}
	opening := OpeningFromTotals(totals)
	return ComputeBalance(date, &opening, txs), nil
}

func (r *BalanceReader) writeThrough(ctx context.Context, key string, b models.DailyBalance) {
	payload, err := utils.MarshalToJSON(b)
	if err != nil {
		config.LogWarn(r.logger, "Workflow", "BalanceReader.writeThrough", "encode balance", key, err)
		return
	}
	ttl := r.policy.TTL(b.BalanceDate, r.now())
	if r.cache != nil {
		if err := r.cache.Set(ctx, key, []byte(payload), ttl); err != nil {
			config.LogWarn(r.logger, "Workflow", "BalanceReader.writeThrough", "distributed cache write failed", key, err)
		}
	}
	if r.reports != nil {
		if err := r.reports.Put(ctx, models.CacheKindDailyBalance, b.OrgId, b.PropertyId, b.BalanceDate, []byte(payload), ttl); err != nil {
			config.LogWarn(r.logger, "Workflow", "BalanceReader.writeThrough", "report cache write failed", key, err)
		}
	}
}
