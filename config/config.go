// Package config loads server configuration from the environment.
//
// Values come from LEDGER_-prefixed environment variables, optionally
// seeded from a .env file in the working directory. Real environment
// variables win over .env entries.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/ulule/limiter/v3"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds application configuration.
type Config struct {
	Port            string
	Store           string
	SQLitePath      string
	PostgresURL     string
	MaxClaimAmount  decimal.Decimal
	SettlementDelay time.Duration
	SweepInterval   time.Duration
	IDSource        string
	Seed            bool
	LogLevel        slog.Level
	RateLimit       string
	CORSOrigins     []string
}

// Load reads configuration and validates it.
func Load() (*Config, error) {
	// Attempt to load .env file, ignore error if it doesn't exist
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("LEDGER")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("STORE", StoreMemory)
	v.SetDefault("SQLITE_PATH", "ledger.db")
	v.SetDefault("POSTGRES_URL", "")
	v.SetDefault("MAX_CLAIM_AMOUNT", "5000")
	v.SetDefault("SETTLEMENT_DELAY", "3s")
	v.SetDefault("SWEEP_INTERVAL", "30s")
	v.SetDefault("ID_SOURCE", "")
	v.SetDefault("SEED", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("RATE_LIMIT", "100-M")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	cfg := &Config{
		Port:        v.GetString("PORT"),
		Store:       strings.ToLower(strings.TrimSpace(v.GetString("STORE"))),
		SQLitePath:  v.GetString("SQLITE_PATH"),
		PostgresURL: v.GetString("POSTGRES_URL"),
		IDSource:    strings.TrimSpace(v.GetString("ID_SOURCE")),
		Seed:        v.GetBool("SEED"),
		RateLimit:   strings.TrimSpace(v.GetString("RATE_LIMIT")),
		CORSOrigins: splitList(v.GetString("CORS_ORIGINS")),
	}

	var err error
	if cfg.MaxClaimAmount, err = decimal.NewFromString(v.GetString("MAX_CLAIM_AMOUNT")); err != nil {
		return nil, fmt.Errorf("invalid LEDGER_MAX_CLAIM_AMOUNT: %w", err)
	}
	if cfg.SettlementDelay, err = time.ParseDuration(v.GetString("SETTLEMENT_DELAY")); err != nil {
		return nil, fmt.Errorf("invalid LEDGER_SETTLEMENT_DELAY: %w", err)
	}
	if cfg.SweepInterval, err = time.ParseDuration(v.GetString("SWEEP_INTERVAL")); err != nil {
		return nil, fmt.Errorf("invalid LEDGER_SWEEP_INTERVAL: %w", err)
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("LOG_LEVEL"))); err != nil {
		return nil, fmt.Errorf("invalid LEDGER_LOG_LEVEL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field rules. Load calls it; callers that change
// fields afterwards (flag overrides) should call it again.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.PostgresURL == "" {
			errs = append(errs, errors.New("LEDGER_POSTGRES_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q (want memory, sqlite or postgres)", c.Store))
	}
	if c.Port == "" {
		errs = append(errs, errors.New("port must not be empty"))
	}
	if !c.MaxClaimAmount.IsPositive() {
		errs = append(errs, fmt.Errorf("max claim amount must be positive, got %s", c.MaxClaimAmount))
	}
	if c.SettlementDelay < 0 {
		errs = append(errs, fmt.Errorf("settlement delay must not be negative, got %s", c.SettlementDelay))
	}
	// Zero disables the sweeper.
	if c.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("sweep interval must not be negative, got %s", c.SweepInterval))
	}
	switch c.IDSource {
	case "", "uuid":
	case "sequence":
		// The counter restarts at zero on every boot, so ids would repeat
		// against a durable store.
		if c.Store != StoreMemory {
			errs = append(errs, fmt.Errorf("id source %q is only valid for the memory store, not %s", c.IDSource, c.Store))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown id source %q", c.IDSource))
	}
	if c.RateLimit != "" {
		if _, err := limiter.NewRateFromFormatted(c.RateLimit); err != nil {
			errs = append(errs, fmt.Errorf("invalid rate limit %q: %w", c.RateLimit, err))
		}
	}

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
