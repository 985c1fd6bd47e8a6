package config

import (
	"os"
	"strings"
	"time"
)

// DefaultTimezone is the org calendar used for "today" when LEDGER_TIMEZONE is unset.
const DefaultTimezone = "Asia/Kolkata"

// EngineSettings collects every tunable of the ledger engine. Components take the values they
// need at construction; nothing reads the environment after startup.
type EngineSettings struct {
	Timezone string

	ProjectionTimeout time.Duration
	LockTTL           time.Duration

	InvalidationInterval    time.Duration
	InvalidationBatchSize   int
	InvalidationDebounce    time.Duration
	InvalidationMaxAttempts int

	CacheRecentDays    int
	CacheTTLRecent     time.Duration
	CacheTTLHistorical time.Duration

	MaxValidationDays int

	PubSubTopic         string
	PubSubSubscription  string
	ConsumerConcurrency int

	OutboxBatchSize    int
	OutboxPollInterval time.Duration
	OutboxLockTimeout  time.Duration
	OutboxMaxAttempts  int
}

func DefaultEngineSettings() EngineSettings {
	return EngineSettings{
		Timezone:                DefaultTimezone,
		ProjectionTimeout:       500 * time.Millisecond,
		LockTTL:                 5 * time.Second,
		InvalidationInterval:    time.Second,
		InvalidationBatchSize:   50,
		InvalidationDebounce:    time.Second,
		InvalidationMaxAttempts: 5,
		CacheRecentDays:         7,
		CacheTTLRecent:          5 * time.Minute,
		CacheTTLHistorical:      24 * time.Hour,
		MaxValidationDays:       366,
		PubSubTopic:             "ledger-events",
		PubSubSubscription:      "ledger-events-projector",
		ConsumerConcurrency:     4,
		OutboxBatchSize:         50,
		OutboxPollInterval:      2 * time.Second,
		OutboxLockTimeout:       2 * time.Minute,
		OutboxMaxAttempts:       10,
	}
}

// LoadEngineSettings overlays LEDGER_* / PUBSUB_* env vars onto the defaults.
func LoadEngineSettings() EngineSettings {
	s := DefaultEngineSettings()
	if tz := strings.TrimSpace(os.Getenv("LEDGER_TIMEZONE")); tz != "" {
		if _, err := time.LoadLocation(tz); err == nil {
			s.Timezone = tz
		}
	}
	s.ProjectionTimeout = durationFromEnv("PROJECTION_TIMEOUT", s.ProjectionTimeout)
	s.LockTTL = durationFromEnv("LEDGER_LOCK_TTL", s.LockTTL)
	s.InvalidationInterval = durationFromEnv("INVALIDATION_INTERVAL", s.InvalidationInterval)
	s.InvalidationBatchSize = intFromEnv("INVALIDATION_BATCH_SIZE", s.InvalidationBatchSize)
	s.InvalidationDebounce = durationFromEnv("INVALIDATION_DEBOUNCE", s.InvalidationDebounce)
	s.InvalidationMaxAttempts = intFromEnv("INVALIDATION_MAX_ATTEMPTS", s.InvalidationMaxAttempts)
	s.CacheRecentDays = intFromEnv("CACHE_RECENT_DAYS", s.CacheRecentDays)
	s.CacheTTLRecent = durationFromEnv("CACHE_TTL_RECENT", s.CacheTTLRecent)
	s.CacheTTLHistorical = durationFromEnv("CACHE_TTL_HISTORICAL", s.CacheTTLHistorical)
	s.MaxValidationDays = intFromEnv("MAX_VALIDATION_DAYS", s.MaxValidationDays)
	if v := os.Getenv("PUBSUB_TOPIC"); v != "" {
		s.PubSubTopic = v
	}
	if v := os.Getenv("PUBSUB_SUBSCRIPTION"); v != "" {
		s.PubSubSubscription = v
	}
	s.ConsumerConcurrency = intFromEnv("CONSUMER_CONCURRENCY", s.ConsumerConcurrency)
	s.OutboxBatchSize = intFromEnv("OUTBOX_BATCH_SIZE", s.OutboxBatchSize)
	s.OutboxPollInterval = durationFromEnv("OUTBOX_POLL_INTERVAL", s.OutboxPollInterval)
	s.OutboxLockTimeout = durationFromEnv("OUTBOX_LOCK_TIMEOUT", s.OutboxLockTimeout)
	s.OutboxMaxAttempts = intFromEnv("OUTBOX_MAX_ATTEMPTS", s.OutboxMaxAttempts)
	return s
}

// Location resolves Timezone, falling back to UTC if the tz database lacks it.
func (s EngineSettings) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
