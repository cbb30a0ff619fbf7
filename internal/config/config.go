// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	BaseURL        string
	DBPath         string
	RequestTimeout time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RateLimit      float64
	RateBurst      int

	CacheCapacity int
	CacheTTL      time.Duration
	SweepInterval time.Duration

	FlushInterval    time.Duration
	QueueMaxAttempts int
	QueueRetryDelay  time.Duration

	RefreshThreshold time.Duration
	ConflictWindow   time.Duration
	BusinessOpenHour int
	BusinessClose    int

	ProbeInterval time.Duration
}

// Load reads configuration from environment variables and returns a validated
// Config. CIVICSYNC_BASE_URL is required; everything else has a default:
// CIVICSYNC_DB_PATH (civicsync.db), CIVICSYNC_REQUEST_TIMEOUT (10s),
// CIVICSYNC_MAX_ATTEMPTS (3), CIVICSYNC_RETRY_BASE_DELAY (500ms),
// CIVICSYNC_CACHE_CAPACITY (500), CIVICSYNC_CACHE_TTL (5m),
// CIVICSYNC_SWEEP_INTERVAL (1m), CIVICSYNC_FLUSH_INTERVAL (30s),
// CIVICSYNC_QUEUE_MAX_ATTEMPTS (3), CIVICSYNC_QUEUE_RETRY_DELAY (2s),
// CIVICSYNC_REFRESH_THRESHOLD (5m), CIVICSYNC_CONFLICT_WINDOW (1h),
// CIVICSYNC_BUSINESS_OPEN (9), CIVICSYNC_BUSINESS_CLOSE (17),
// CIVICSYNC_RATE_LIMIT (10), CIVICSYNC_RATE_BURST (20),
// CIVICSYNC_PROBE_INTERVAL (15s).
func Load() (*Config, error) {
	baseURL := os.Getenv("CIVICSYNC_BASE_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("CIVICSYNC_BASE_URL is required")
	}

	cfg := &Config{
		BaseURL:          baseURL,
		DBPath:           "civicsync.db",
		RequestTimeout:   10 * time.Second,
		MaxAttempts:      3,
		RetryBaseDelay:   500 * time.Millisecond,
		RateLimit:        10,
		RateBurst:        20,
		CacheCapacity:    500,
		CacheTTL:         5 * time.Minute,
		SweepInterval:    time.Minute,
		FlushInterval:    30 * time.Second,
		QueueMaxAttempts: 3,
		QueueRetryDelay:  2 * time.Second,
		RefreshThreshold: 5 * time.Minute,
		ConflictWindow:   time.Hour,
		BusinessOpenHour: 9,
		BusinessClose:    17,
		ProbeInterval:    15 * time.Second,
	}

	if v, ok := os.LookupEnv("CIVICSYNC_DB_PATH"); ok {
		cfg.DBPath = v
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"CIVICSYNC_REQUEST_TIMEOUT", &cfg.RequestTimeout},
		{"CIVICSYNC_RETRY_BASE_DELAY", &cfg.RetryBaseDelay},
		{"CIVICSYNC_CACHE_TTL", &cfg.CacheTTL},
		{"CIVICSYNC_SWEEP_INTERVAL", &cfg.SweepInterval},
		{"CIVICSYNC_FLUSH_INTERVAL", &cfg.FlushInterval},
		{"CIVICSYNC_QUEUE_RETRY_DELAY", &cfg.QueueRetryDelay},
		{"CIVICSYNC_REFRESH_THRESHOLD", &cfg.RefreshThreshold},
		{"CIVICSYNC_CONFLICT_WINDOW", &cfg.ConflictWindow},
		{"CIVICSYNC_PROBE_INTERVAL", &cfg.ProbeInterval},
	}
	for _, d := range durations {
		if v, ok := os.LookupEnv(d.env); ok {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("%s has invalid duration %q: %w", d.env, v, err)
			}
			*d.dst = parsed
		}
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"CIVICSYNC_MAX_ATTEMPTS", &cfg.MaxAttempts},
		{"CIVICSYNC_CACHE_CAPACITY", &cfg.CacheCapacity},
		{"CIVICSYNC_QUEUE_MAX_ATTEMPTS", &cfg.QueueMaxAttempts},
		{"CIVICSYNC_BUSINESS_OPEN", &cfg.BusinessOpenHour},
		{"CIVICSYNC_BUSINESS_CLOSE", &cfg.BusinessClose},
		{"CIVICSYNC_RATE_BURST", &cfg.RateBurst},
	}
	for _, i := range ints {
		if v, ok := os.LookupEnv(i.env); ok {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("%s has invalid integer %q: %w", i.env, v, err)
			}
			*i.dst = parsed
		}
	}

	if v, ok := os.LookupEnv("CIVICSYNC_RATE_LIMIT"); ok {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("CIVICSYNC_RATE_LIMIT has invalid number %q: %w", v, err)
		}
		cfg.RateLimit = parsed
	}

	if cfg.BusinessOpenHour < 0 || cfg.BusinessClose > 24 || cfg.BusinessOpenHour >= cfg.BusinessClose {
		return nil, fmt.Errorf("business hours %d-%d are not a valid window", cfg.BusinessOpenHour, cfg.BusinessClose)
	}

	return cfg, nil
}
