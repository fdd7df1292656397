// Package config loads all runtime configuration from environment variables.
// No config files and no third-party config framework are used.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration for Gatekeep.
type Config struct {
	HTTP    HTTPConfig
	DB      DBConfig
	Log     LogConfig
	Billing BillingConfig
	Worker  WorkerConfig
	OTel    OTelConfig
}

// HTTPConfig holds the operational HTTP listener configuration
// (health and metrics only).
type HTTPConfig struct {
	Port int
}

// DBConfig holds database connection configuration.
type DBConfig struct {
	Driver   string // "sqlite" (default) or "postgres"
	DSN      string // required when Driver == "postgres"
	File     string // SQLite database file path (default: "gatekeep.db")
	MaxConns int    // Postgres only
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level  string
	Format string
}

// BillingConfig holds the windows the billing state classifier applies.
type BillingConfig struct {
	TrialWindow time.Duration // initial trial measured from account creation
	GracePeriod time.Duration // post-expiry window before full downgrade
}

// WorkerConfig holds background worker settings.
type WorkerConfig struct {
	Concurrency int
}

// OTelConfig holds OpenTelemetry exporter settings.
type OTelConfig struct {
	OTLPEndpoint string
}

// Load reads configuration from environment variables, applies defaults,
// and returns an error if any required field is absent.
func Load() (*Config, error) {
	cfg := &Config{}

	// HTTP
	cfg.HTTP.Port = envInt("HTTP_PORT", 8080)

	// DB
	cfg.DB.Driver = envStr("DB_DRIVER", "sqlite")
	cfg.DB.File = envStr("DB_FILE", "gatekeep.db")
	cfg.DB.DSN = os.Getenv("DB_DSN")
	if cfg.DB.Driver == "postgres" && cfg.DB.DSN == "" {
		return nil, errors.New("DB_DSN is required when DB_DRIVER=postgres")
	}
	cfg.DB.MaxConns = envInt("DB_MAX_CONNS", 25)

	// Log
	cfg.Log.Level = envStr("LOG_LEVEL", "info")
	cfg.Log.Format = envStr("LOG_FORMAT", "json")

	// Billing
	var err error
	cfg.Billing.TrialWindow, err = envDuration("BILLING_TRIAL_WINDOW", 60*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("BILLING_TRIAL_WINDOW: %w", err)
	}
	cfg.Billing.GracePeriod, err = envDuration("BILLING_GRACE_PERIOD", 14*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("BILLING_GRACE_PERIOD: %w", err)
	}

	// Worker
	cfg.Worker.Concurrency = envInt("WORKER_CONCURRENCY", 10)

	// OTel
	cfg.OTel.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", v, err)
	}
	return d, nil
}
