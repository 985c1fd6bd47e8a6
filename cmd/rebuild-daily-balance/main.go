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
	"github.com/hospitality/ledger_backend/models"
	"github.com/hospitality/ledger_backend/utils"
	"github.com/hospitality/ledger_backend/workflow"
)

// Recomputes daily_balances for one property straight from approved revenues and expenses,
// then clears both cache tiers for every date whose row changed.
func main() {
	orgID := flag.String("org-id", "", "Org to rebuild (required).")
	propertyIDs := flag.String("property-id", "", "Property to rebuild (required). Comma-separated for several.")
	from := flag.String("from", "", "Start date (YYYY-MM-DD, required).")
	to := flag.String("to", "", "End date (YYYY-MM-DD). Defaults to today in LEDGER_TIMEZONE.")
	migrate := flag.Bool("migrate", false, "Run AutoMigrate before rebuilding.")
	timeout := flag.Duration("timeout", 10*time.Minute, "Overall timeout.")
	flag.Parse()

	org := strings.TrimSpace(*orgID)
	props := splitCSV(*propertyIDs)
	if org == "" || len(props) == 0 || strings.TrimSpace(*from) == "" {
		fmt.Fprintln(os.Stderr, "-org-id, -property-id and -from are required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	ctx = utils.SetOrgIdInContext(ctx, org)
	ctx = utils.SetWorkerIdInContext(ctx, "rebuild-daily-balance")
	ctx, cid := utils.EnsureCorrelationId(ctx)

	logger := config.GetLogger()
	settings := config.LoadEngineSettings()
	db := config.ConnectDatabaseWithRetry()
	if *migrate {
		if err := models.MigrateTable(db); err != nil {
			fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			os.Exit(1)
		}
	}

	deps := workflow.EngineDeps{DB: db, Settings: settings, Logger: logger}
	if config.RedisEnabled() && os.Getenv("REDIS_ADDRESS") != "" {
		redisCtx, cancelRedis := context.WithTimeout(ctx, 30*time.Second)
		if rdb := config.ConnectRedisWithRetry(redisCtx); rdb != nil {
			defer rdb.Close()
			deps.Cache = workflow.NewRedisCache(rdb)
			deps.Locker = workflow.NewRedisLocker(config.GetRedisLock(), settings.LockTTL, logger)
		} else {
			fmt.Fprintln(os.Stderr, "redis unavailable; distributed cache entries will expire on their own")
		}
		cancelRedis()
	}
	engine, err := workflow.NewEngine(deps)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}
	engine.Start(ctx)

	end := strings.TrimSpace(*to)
	if end == "" {
		end = engine.Today()
	}

	failed := false
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, prop := range props {
		fmt.Printf("Rebuilding daily_balances org=%s property=%s from=%s to=%s correlation_id=%s\n", org, prop, *from, end, cid)
		res, err := engine.RebuildDailyBalances(ctx, org, prop, strings.TrimSpace(*from), end)
		if err != nil {
			fmt.Fprintf(os.Stderr, "property %s: %v\n", prop, err)
			failed = true
			continue
		}
		_ = enc.Encode(res)
	}

	// Stop flushes the queued cache invalidations before exit.
	engine.Stop()
	if failed {
		os.Exit(1)
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
