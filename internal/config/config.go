package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Environment represents different deployment environments
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvProduction  Environment = "production"
)

// Config holds the configuration for the aggregation engine.
// Environment variables are automatically parsed from the CONTACTMESH_ prefix.
type Config struct {
	Environment Environment `envconfig:"ENVIRONMENT" default:"development"`

	// DBDriver selects the store backend: sqlite, postgres, or auto
	// (auto resolves to sqlite).
	DBDriver string `envconfig:"DB_DRIVER" default:"auto"`

	// SQLitePath is the database file; derived when empty.
	SQLitePath string `envconfig:"SQLITE_PATH" default:""`

	// PostgresDSN is required when DBDriver is postgres.
	PostgresDSN string `envconfig:"POSTGRES_DSN" default:""`

	// AggregationDelay is how long the scheduler waits after a contact
	// change before starting a pass, coalescing bursts of requests.
	AggregationDelay time.Duration `envconfig:"AGGREGATION_DELAY" default:"1s"`

	// SuggestionLimit caps QueryAggregationSuggestions results.
	SuggestionLimit int `envconfig:"SUGGESTION_LIMIT" default:"4"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// ResolveDefaults validates the driver selection and derives the SQLite
// path when unset.
func (c *Config) ResolveDefaults() error {
	if c.DBDriver == "" || c.DBDriver == "auto" {
		c.DBDriver = "sqlite"
	}
	switch c.DBDriver {
	case "sqlite":
		if c.SQLitePath == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("cannot derive sqlite path: %w", err)
			}
			c.SQLitePath = filepath.Join(home, ".contactmesh", "contacts.db")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("CONTACTMESH_POSTGRES_DSN is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER: %s", c.DBDriver)
	}

	if c.AggregationDelay < 0 {
		return fmt.Errorf("AGGREGATION_DELAY must not be negative")
	}
	if c.SuggestionLimit <= 0 {
		return fmt.Errorf("SUGGESTION_LIMIT must be positive")
	}
	return nil
}

// New creates a new Config by parsing environment variables.
// Example: CONTACTMESH_DB_DRIVER, CONTACTMESH_SQLITE_PATH.
func New() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("CONTACTMESH", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}

	log.Info().
		Str("db_driver", cfg.DBDriver).
		Str("environment", string(cfg.Environment)).
		Str("sqlite_path", cfg.SQLitePath).
		Str("postgres_dsn_present", func() string {
			if cfg.PostgresDSN != "" {
				return "true"
			}
			return "false"
		}()).
		Dur("aggregation_delay", cfg.AggregationDelay).
		Int("suggestion_limit", cfg.SuggestionLimit).
		Msg("Configuration loaded")

	return &cfg, nil
}

// NewForTesting creates a config specifically for testing
func NewForTesting() *Config {
	return &Config{
		Environment:      EnvTesting,
		DBDriver:         "sqlite",
		SQLitePath:       ":memory:",
		AggregationDelay: 10 * time.Millisecond,
		SuggestionLimit:  4,
		LogLevel:         "debug",
	}
}

// IsTesting returns true if the environment is set to testing
func (c *Config) IsTesting() bool {
	return c.Environment == EnvTesting
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}
