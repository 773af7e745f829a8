package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

type Config struct {
	// Enrollment
	EnrollmentNumber string
	AccessKey        string
	BillingPeriod    string   // default: current month, YYYYMM
	WatchPeriods     []string // default: [BillingPeriod]
	ForceRefresh     bool

	// Metering API
	MeteringBaseURL     string
	MeteringHTTPTimeout time.Duration // default: 15m

	// Sync
	ReconcileMode   string // "symmetric" or "fresh-only"
	SyncMaxAttempts int    // default: 3
	WatchInterval   time.Duration

	// Storage
	StoreBackend string // "sqlite" or "postgres"
	SQLitePath   string
	PostgresDSN  string

	// Cache
	RedisAddr string

	// Server
	Port string // default: 8080

	// Rate Limiting
	SyncRateLimitPerMinute int64

	// Logging
	LogLevel  string
	LogFormat string

	// Observability
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		EnrollmentNumber:     os.Getenv("EA_ENROLLMENT_NUMBER"),
		AccessKey:            os.Getenv("EA_ACCESS_KEY"),
		BillingPeriod:        getEnv("EA_BILLING_PERIOD", time.Now().UTC().Format("200601")),
		MeteringBaseURL:      getEnv("METERING_BASE_URL", "https://consumption.azure.com/v2/enrollments/"),
		ReconcileMode:        getEnv("RECONCILE_MODE", "symmetric"),
		StoreBackend:         getEnv("STORE_BACKEND", StoreSQLite),
		SQLitePath:           getEnv("SQLITE_PATH", "usage-sync.db"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		Port:                 getEnv("PORT", "8080"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "console"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.ForceRefresh, err = strconv.ParseBool(getEnv("EA_FORCE_REFRESH", "false")); err != nil {
		return nil, fmt.Errorf("invalid EA_FORCE_REFRESH: %w", err)
	}
	if cfg.MeteringHTTPTimeout, err = time.ParseDuration(getEnv("METERING_HTTP_TIMEOUT", "15m")); err != nil {
		return nil, fmt.Errorf("invalid METERING_HTTP_TIMEOUT: %w", err)
	}
	if cfg.WatchInterval, err = time.ParseDuration(getEnv("WATCH_INTERVAL", "1h")); err != nil {
		return nil, fmt.Errorf("invalid WATCH_INTERVAL: %w", err)
	}
	if cfg.SyncMaxAttempts, err = strconv.Atoi(getEnv("SYNC_MAX_ATTEMPTS", "3")); err != nil {
		return nil, fmt.Errorf("invalid SYNC_MAX_ATTEMPTS: %w", err)
	}
	if cfg.SyncRateLimitPerMinute, err = strconv.ParseInt(getEnv("SYNC_RATE_LIMIT_PER_MINUTE", "6"), 10, 64); err != nil {
		return nil, fmt.Errorf("invalid SYNC_RATE_LIMIT_PER_MINUTE: %w", err)
	}

	cfg.WatchPeriods = splitList(os.Getenv("EA_WATCH_PERIODS"))
	if len(cfg.WatchPeriods) == 0 {
		cfg.WatchPeriods = []string{cfg.BillingPeriod}
	}

	// Validation
	if cfg.SyncMaxAttempts < 1 {
		return nil, fmt.Errorf("SYNC_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.WatchInterval <= 0 {
		return nil, fmt.Errorf("WATCH_INTERVAL must be positive")
	}
	switch cfg.StoreBackend {
	case StoreSQLite:
	case StorePostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("POSTGRES_DSN is required when STORE_BACKEND=postgres")
		}
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	return cfg, nil
}

// RequireEnrollment checks the settings needed to talk to the metering API.
func (c *Config) RequireEnrollment() error {
	if c.EnrollmentNumber == "" {
		return fmt.Errorf("EA_ENROLLMENT_NUMBER is required")
	}
	if c.AccessKey == "" {
		return fmt.Errorf("EA_ACCESS_KEY is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
