package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hospitality/ledger_backend/config"
	"github.com/hospitality/ledger_backend/utils"
	"github.com/hospitality/ledger_backend/workflow"
)

type output struct {
	CorrelationId string                      `json:"correlation_id"`
	Issues        []workflow.ConsistencyIssue `json:"issues"`
	Report        *workflow.RepairReport      `json:"report,omitempty"`
}

// Scans daily_balances and both cache tiers for dates with no approved transactions and, with
// -repair, deletes the orphans. Without -apply the repair is a dry run.
func main() {
	orgID := flag.String("org-id", "", "Org to check (required).")
	propertyID := flag.String("property-id", "", "Optional: one property. Empty checks every property with data in range.")
	from := flag.String("from", "", "Start date (YYYY-MM-DD). Defaults to 30 days before -to.")
	to := flag.String("to", "", "End date (YYYY-MM-DD). Defaults to today in LEDGER_TIMEZONE.")
	persist := flag.Bool("persist", false, "Store findings in consistency_reports.")
	repair := flag.Bool("repair", false, "Run the auto-repairer over the findings.")
	apply := flag.Bool("apply", false, "With -repair: actually delete. Default is a dry run.")
	timeout := flag.Duration("timeout", 10*time.Minute, "Overall timeout.")
	flag.Parse()

	org := strings.TrimSpace(*orgID)
	if org == "" {
		fmt.Fprintln(os.Stderr, "-org-id is required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	ctx = utils.SetOrgIdInContext(ctx, org)
	ctx = utils.SetWorkerIdInContext(ctx, "consistency-check")
	ctx, cid := utils.EnsureCorrelationId(ctx)

	logger := config.GetLogger()
	settings := config.LoadEngineSettings()
	db := config.ConnectDatabaseWithRetry()

	deps := workflow.EngineDeps{DB: db, Settings: settings, Logger: logger}
	if config.RedisEnabled() && os.Getenv("REDIS_ADDRESS") != "" {
		redisCtx, cancelRedis := context.WithTimeout(ctx, 30*time.Second)
		if rdb := config.ConnectRedisWithRetry(redisCtx); rdb != nil {
			defer rdb.Close()
			deps.Cache = workflow.NewRedisCache(rdb)
			deps.Locker = workflow.NewRedisLocker(config.GetRedisLock(), settings.LockTTL, logger)
		} else {
			fmt.Fprintln(os.Stderr, "redis unavailable; distributed tier is not checked")
		}
		cancelRedis()
	}
	engine, err := workflow.NewEngine(deps)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}

	end := strings.TrimSpace(*to)
	if end == "" {
		end = engine.Today()
	}
	start := strings.TrimSpace(*from)
	if start == "" {
		start = utils.AddDays(end, -30)
	}

	req := workflow.ValidateRequest{
		OrgId:         org,
		PropertyId:    strings.TrimSpace(*propertyID),
		From:          start,
		To:            end,
		Persist:       *persist,
		CorrelationId: cid,
	}
	issues, err := engine.RunConsistencyCheck(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "validate: %v\n", err)
		os.Exit(1)
	}
	out := output{CorrelationId: cid, Issues: issues}

	exit := 0
	if *repair && len(issues) > 0 {
		report, err := engine.Repair(ctx, issues, !*apply)
		if err != nil {
			fmt.Fprintf(os.Stderr, "repair: %v\n", err)
			exit = 1
		}
		out.Report = &report
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
	fmt.Fprintf(os.Stderr, "org=%s from=%s to=%s issues=%d\n", org, start, end, len(issues))
	os.Exit(exit)
}
