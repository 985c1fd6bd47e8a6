package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hospitality/ledger_backend/config"
	"github.com/hospitality/ledger_backend/metrics"
	"github.com/hospitality/ledger_backend/models"
	"github.com/hospitality/ledger_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type ValidateRequest struct {
	OrgId string `json:"org_id" binding:"required"`
	// PropertyId empty means every property with rows, cache entries or activity in range.
	PropertyId    string `json:"property_id"`
	From          string `json:"from" binding:"required"`
	To            string `json:"to" binding:"required"`
	Persist       bool   `json:"persist"`
	CorrelationId string `json:"correlation_id"`
}

// ConsistencyIssue is one finding for a (property, date).
type ConsistencyIssue struct {
	Kind                     models.ConsistencyIssueKind `json:"kind"`
	OrgId                    string                      `json:"org_id"`
	PropertyId               string                      `json:"property_id"`
	Date                     string                      `json:"date"`
	HasBalanceRow            bool                        `json:"has_balance_row"`
	HasReportCache           bool                        `json:"has_report_cache"`
	HasDistributedCache      bool                        `json:"has_distributed_cache"`
	ApprovedTransactionCount int64                       `json:"approved_transaction_count"`
	Details                  string                      `json:"details,omitempty"`
}

func (i ConsistencyIssue) Repairable() bool {
	return i.Kind == models.IssueOrphanedCache
}

const (
	RepairActionDeleted         = "deleted"
	RepairActionWouldDelete     = "would_delete"
	RepairActionSkippedActive   = "skipped_has_transactions"
	RepairActionReportOnly      = "report_only"
	RepairActionFailed          = "failed"
)

type RepairAction struct {
	Issue  ConsistencyIssue `json:"issue"`
	Action string           `json:"action"`
	Error  string           `json:"error,omitempty"`
}

type RepairReport struct {
	DryRun  bool           `json:"dry_run"`
	Actions []RepairAction `json:"actions"`
}

// Count returns how many actions ended with the given action name.
func (r RepairReport) Count(action string) int {
	n := 0
	for _, a := range r.Actions {
		if a.Action == action {
			n++
		}
	}
	return n
}

// ConsistencyValidator compares derived artifacts with the transaction store and removes
// artifacts that describe dates without approved transactions.
type ConsistencyValidator struct {
	db      *gorm.DB
	reader  TransactionReader
	reports *ReportCacheStore
	cache   DistributedCache
	locker  KeyedLocker
	maxDays int
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewConsistencyValidator(db *gorm.DB, reader TransactionReader, reports *ReportCacheStore, cache DistributedCache, locker KeyedLocker, maxDays int, logger *logrus.Logger, m *metrics.Metrics) *ConsistencyValidator {
	if locker == nil {
		locker = NewMemoryLocker()
	}
	if logger == nil {
		logger = config.GetLogger()
	}
	if maxDays <= 0 {
		maxDays = 366
	}
	return &ConsistencyValidator{
		db:      db,
		reader:  reader,
		reports: reports,
		cache:   cache,
		locker:  locker,
		maxDays: maxDays,
		logger:  logger,
		metrics: m,
	}
}

func (v *ConsistencyValidator) checkRange(from, to string) ([]string, error) {
	dates, err := utils.DateRange(from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRange, err)
	}
	if len(dates) == 0 {
		return nil, fmt.Errorf("%w: %s is after %s", ErrInvalidRange, from, to)
	}
	if len(dates) > v.maxDays {
		return nil, fmt.Errorf("%w: %d days exceeds limit of %d", ErrInvalidRange, len(dates), v.maxDays)
	}
	return dates, nil
}

// Validate returns issues sorted by property then date. It only reads, except that Persist
// records the findings in consistency_reports.
func (v *ConsistencyValidator) Validate(ctx context.Context, req ValidateRequest) ([]ConsistencyIssue, error) {
	if req.OrgId == "" {
		return nil, fmt.Errorf("%w: org id is required", ErrInvalidRange)
	}
	dates, err := v.checkRange(req.From, req.To)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "ConsistencyValidator.Validate", trace.WithAttributes(
		attribute.String("ledger.org_id", req.OrgId),
		attribute.String("ledger.from", req.From),
		attribute.String("ledger.to", req.To),
	))
	defer span.End()

	properties, err := v.properties(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	perProperty := make([][]ConsistencyIssue, len(properties))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(4)
	for i, propertyId := range properties {
		eg.Go(func() error {
			issues, err := v.validateProperty(egCtx, req.OrgId, propertyId, dates)
			if err != nil {
				return fmt.Errorf("property %s: %w", propertyId, err)
			}
			perProperty[i] = issues
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		span.RecordError(err)
		config.LogError(v.logger, "Workflow", "ConsistencyValidator.Validate", "validate range", req, err)
		return nil, err
	}

	var issues []ConsistencyIssue
	for _, list := range perProperty {
		issues = append(issues, list...)
	}
	for _, issue := range issues {
		v.metrics.IncConsistencyIssue(string(issue.Kind))
	}
	span.SetAttributes(attribute.Int("ledger.issue_count", len(issues)))

	if req.Persist && len(issues) > 0 {
		if err := v.persist(ctx, req, issues); err != nil {
			config.LogError(v.logger, "Workflow", "ConsistencyValidator.Validate", "persist consistency report", req, err)
			return issues, err
		}
	}
	v.logger.WithFields(logrus.Fields{
		"field":          "ConsistencyValidator",
		"org_id":         req.OrgId,
		"from":           req.From,
		"to":             req.To,
		"properties":     len(properties),
		"issues":         len(issues),
		"correlation_id": req.CorrelationId,
	}).Info("consistency validation finished")
	return issues, nil
}

func (v *ConsistencyValidator) properties(ctx context.Context, req ValidateRequest) ([]string, error) {
	if req.PropertyId != "" {
		return []string{req.PropertyId}, nil
	}
	active, err := v.reader.PropertiesWithActivity(ctx, req.OrgId, req.From, req.To)
	if err != nil {
		return nil, err
	}
	var withRows []string
	if err := v.db.WithContext(ctx).Model(&models.DailyBalance{}).
		Where("org_id = ? AND balance_date >= ? AND balance_date <= ?", req.OrgId, req.From, req.To).
		Distinct().
		Pluck("property_id", &withRows).Error; err != nil {
		return nil, err
	}
	var withCache []string
	if v.reports != nil {
		withCache, err = v.reports.PropertiesWithEntries(ctx, req.OrgId, req.From, req.To)
		if err != nil {
			return nil, err
		}
	}
	all := utils.UniqueSlice(append(append(active, withRows...), withCache...))
	sort.Strings(all)
	return all, nil
}

func (v *ConsistencyValidator) validateProperty(ctx context.Context, orgId, propertyId string, dates []string) ([]ConsistencyIssue, error) {
	from, to := dates[0], dates[len(dates)-1]
	counts, err := v.reader.CountApprovedByDate(ctx, orgId, propertyId, from, to)
	if err != nil {
		return nil, err
	}

	var rows []models.DailyBalance
	if err := v.db.WithContext(ctx).
		Where("org_id = ? AND property_id = ? AND balance_date >= ? AND balance_date <= ?", orgId, propertyId, from, to).
		Order("balance_date").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	byDate := make(map[string]models.DailyBalance, len(rows))
	for _, r := range rows {
		byDate[r.BalanceDate] = r
	}

	cached := map[string]bool{}
	if v.reports != nil {
		cacheDates, err := v.reports.DatesWithEntries(ctx, orgId, propertyId, from, to)
		if err != nil {
			return nil, err
		}
		for _, d := range cacheDates {
			cached[d] = true
		}
	}

	var issues []ConsistencyIssue
	for _, date := range dates {
		n := counts[date]
		if n > 0 {
			continue
		}
		row, hasRow := byDate[date]
		inDist, err := v.distributedHas(ctx, orgId, propertyId, date)
		if err != nil {
			return nil, err
		}
		if !hasRow && !cached[date] && !inDist {
			continue
		}
		issue := ConsistencyIssue{
			Kind:                models.IssueOrphanedCache,
			OrgId:               orgId,
			PropertyId:          propertyId,
			Date:                date,
			HasBalanceRow:       hasRow,
			HasReportCache:      cached[date],
			HasDistributedCache: inDist,
			Details:             "derived artifacts exist for a date with no approved transactions",
		}
		if hasRow && row.CashNetCents() != 0 {
			issue.Details = fmt.Sprintf("%s; balance row moves cash by %s", issue.Details, utils.FormatCents(row.CashNetCents()))
		}
		issues = append(issues, issue)
	}

	chain, err := v.chainIssues(ctx, orgId, propertyId, from, rows, counts)
	if err != nil {
		return nil, err
	}
	issues = append(issues, chain...)
	sort.SliceStable(issues, func(i, j int) bool { return issues[i].Date < issues[j].Date })
	return issues, nil
}

// chainIssues reports opening/closing drift on rows that have approved transactions.
func (v *ConsistencyValidator) chainIssues(ctx context.Context, orgId, propertyId, from string, rows []models.DailyBalance, counts map[string]int64) ([]ConsistencyIssue, error) {
	var prev *models.DailyBalance
	var before models.DailyBalance
	res := v.db.WithContext(ctx).
		Where("org_id = ? AND property_id = ? AND balance_date < ?", orgId, propertyId, from).
		Order("balance_date DESC").Limit(1).Find(&before)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected > 0 {
		prev = &before
	}

	var issues []ConsistencyIssue
	for i := range rows {
		row := rows[i]
		n := counts[row.BalanceDate]
		if n > 0 {
			if prev != nil && row.OpeningBalanceCents != prev.ClosingBalanceCents {
				issues = append(issues, ConsistencyIssue{
					Kind: models.IssueOpeningChainBreak, OrgId: orgId, PropertyId: propertyId, Date: row.BalanceDate,
					HasBalanceRow: true, ApprovedTransactionCount: n,
					Details: fmt.Sprintf("opening %s differs from %s closing %s",
						utils.FormatCents(row.OpeningBalanceCents), prev.BalanceDate, utils.FormatCents(prev.ClosingBalanceCents)),
				})
			}
			if row.ClosingBalanceCents != row.CalculatedClosingBalanceCents || row.BalanceDiscrepancyCents != 0 {
				issues = append(issues, ConsistencyIssue{
					Kind: models.IssueClosingDiscrepancy, OrgId: orgId, PropertyId: propertyId, Date: row.BalanceDate,
					HasBalanceRow: true, ApprovedTransactionCount: n,
					Details: fmt.Sprintf("closing %s, calculated %s",
						utils.FormatCents(row.ClosingBalanceCents), utils.FormatCents(row.CalculatedClosingBalanceCents)),
				})
			}
		}
		prev = &rows[i]
	}
	return issues, nil
}

func (v *ConsistencyValidator) distributedHas(ctx context.Context, orgId, propertyId, date string) (bool, error) {
	if v.cache == nil {
		return false, nil
	}
	for _, kind := range models.AllCacheKinds {
		ok, err := v.cache.Exists(ctx, utils.LedgerCacheKey(string(kind), orgId, propertyId, date))
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (v *ConsistencyValidator) persist(ctx context.Context, req ValidateRequest, issues []ConsistencyIssue) error {
	rows := make([]models.ConsistencyReport, 0, len(issues))
	for _, i := range issues {
		rows = append(rows, models.ConsistencyReport{
			OrgId:                  i.OrgId,
			PropertyId:             i.PropertyId,
			BalanceDate:            i.Date,
			IssueKind:              i.Kind,
			HasBalanceRow:          i.HasBalanceRow,
			HasReportCache:         i.HasReportCache,
			HasDistributedCache:    i.HasDistributedCache,
			ApprovedTransactionCnt: i.ApprovedTransactionCount,
			Details:                i.Details,
			CorrelationId:          req.CorrelationId,
		})
	}
	return v.db.WithContext(ctx).CreateInBatches(rows, 100).Error
}

// Repair removes orphaned artifacts. Each issue is re-checked under the property lock, so a
// transaction approved since validation keeps its artifacts. Report-only kinds are listed but
// never touched. Failures do not stop the run; they come back joined in ErrConsistencyRepair.
func (v *ConsistencyValidator) Repair(ctx context.Context, issues []ConsistencyIssue, dryRun bool) (RepairReport, error) {
	report := RepairReport{DryRun: dryRun}
	var errs []error
	for _, issue := range issues {
		action, err := v.repairOne(ctx, issue, dryRun)
		ra := RepairAction{Issue: issue, Action: action}
		if err != nil {
			ra.Action = RepairActionFailed
			ra.Error = err.Error()
			errs = append(errs, fmt.Errorf("%s %s %s: %w", issue.OrgId, issue.PropertyId, issue.Date, err))
		}
		v.metrics.IncRepairAction(ra.Action)
		report.Actions = append(report.Actions, ra)
	}

	v.logger.WithFields(logrus.Fields{
		"field":    "ConsistencyValidator",
		"dry_run":  dryRun,
		"issues":   len(issues),
		"deleted":  report.Count(RepairActionDeleted),
		"skipped":  report.Count(RepairActionSkippedActive),
		"failures": len(errs),
	}).Info("consistency repair finished")

	if len(errs) > 0 {
		return report, fmt.Errorf("%w: %w", ErrConsistencyRepair, errors.Join(errs...))
	}
	return report, nil
}

func (v *ConsistencyValidator) repairOne(ctx context.Context, issue ConsistencyIssue, dryRun bool) (string, error) {
	if !issue.Repairable() {
		return RepairActionReportOnly, nil
	}

	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	unlock, err := v.locker.Lock(lockCtx, propertyLockKey(issue.OrgId, issue.PropertyId))
	if err != nil {
		return "", err
	}
	defer unlock()

	counts, err := v.reader.CountApprovedByDate(ctx, issue.OrgId, issue.PropertyId, issue.Date, issue.Date)
	if err != nil {
		return "", err
	}
	if counts[issue.Date] > 0 {
		return RepairActionSkippedActive, nil
	}

	var row models.DailyBalance
	res := v.db.WithContext(ctx).
		Where("org_id = ? AND property_id = ? AND balance_date = ?", issue.OrgId, issue.PropertyId, issue.Date).
		Limit(1).Find(&row)
	if res.Error != nil {
		return "", res.Error
	}
	if dryRun {
		return RepairActionWouldDelete, nil
	}

	var shifted []string
	if res.RowsAffected > 0 {
		err := v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return withPostingLock(tx, issue.OrgId, issue.PropertyId, func() error {
				if err := tx.Where("org_id = ? AND property_id = ? AND balance_date = ?", issue.OrgId, issue.PropertyId, issue.Date).
					Delete(&models.DailyBalance{}).Error; err != nil {
					return err
				}
				// Later rows re-chain onto the opening the deleted row started from.
				dates, _, err := shiftRowsAfter(tx, issue.OrgId, issue.PropertyId, issue.Date, row.OpeningBalanceCents)
				shifted = dates
				return err
			})
		})
		if err != nil {
			return "", err
		}
	}

	dates := utils.MergeDates([]string{issue.Date}, shifted)
	if v.reports != nil {
		if _, err := v.reports.DeleteDates(ctx, issue.OrgId, issue.PropertyId, dates); err != nil {
			return "", err
		}
	}
	if v.cache != nil {
		if err := v.cache.Delete(ctx, cacheKeysFor(issue.OrgId, issue.PropertyId, dates)...); err != nil {
			return "", err
		}
	}
	if len(shifted) > 0 {
		v.logger.WithFields(logrus.Fields{
			"field":        "ConsistencyValidator",
			"org_id":       issue.OrgId,
			"property_id":  issue.PropertyId,
			"balance_date": issue.Date,
			"moved_cents":  row.CashNetCents(),
			"rechained":    len(shifted),
		}).Warn("orphan balance row moved cash; later openings re-chained")
	}
	return RepairActionDeleted, nil
}
