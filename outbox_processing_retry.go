package main

import (
	"os"
	"strconv"
	"time"

	"github.com/hospitality/ledger_backend/workflow"
)

// processRetryPolicyFromEnv reads the projection retry limits.
// Env: OUTBOX_PROCESS_MAX_ATTEMPTS, OUTBOX_PROCESS_BASE_BACKOFF_SECONDS, OUTBOX_PROCESS_MAX_BACKOFF_SECONDS.
func processRetryPolicyFromEnv() workflow.ProcessRetryPolicy {
	cfg := workflow.DefaultProcessRetryPolicy()

	if v := os.Getenv("OUTBOX_PROCESS_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxAttempts = n
		}
	}
	if v := os.Getenv("OUTBOX_PROCESS_BASE_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BaseBackoff = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("OUTBOX_PROCESS_MAX_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxBackoff = time.Duration(n) * time.Second
		}
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	return cfg
}
