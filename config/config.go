/*
Package config loads service configuration from the environment.

PURPOSE:
  Everything tunable at deploy time lives here: listen port, database
  path, the price validation band, lock timing, cache TTLs, and the base
  URLs and tokens for the external collaborators (catalog, enrollment,
  allocation provider, license service). Parsing is one env.Parse call;
  defaults suit local development.
*/
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port         int    `env:"PORT" envDefault:"8080"`
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/subsidy.db"`

	// Price validation band around the canonical catalog price.
	PriceLowerBoundRatio float64 `env:"PRICE_VALIDATION_LOWER_BOUND_RATIO" envDefault:"0.80"`
	PriceUpperBoundRatio float64 `env:"PRICE_VALIDATION_UPPER_BOUND_RATIO" envDefault:"1.20"`

	// Content metadata cache.
	ContentMetadataCacheTTL time.Duration `env:"CONTENT_METADATA_CACHE_TTL" envDefault:"15m"`

	// Ledger lock timing.
	LedgerLockWait time.Duration `env:"LEDGER_LOCK_WAIT" envDefault:"3s"`
	LedgerLockTTL  time.Duration `env:"LEDGER_LOCK_TTL" envDefault:"30s"`

	// Bound on the fulfillment phase of one redemption.
	FulfillmentTimeout time.Duration `env:"FULFILLMENT_TIMEOUT" envDefault:"20s"`

	// External collaborators.
	CatalogBaseURL    string        `env:"CATALOG_BASE_URL" envDefault:"http://localhost:8081"`
	CatalogToken      string        `env:"CATALOG_TOKEN"`
	EnrollmentBaseURL string        `env:"ENROLLMENT_BASE_URL" envDefault:"http://localhost:8082"`
	EnrollmentToken   string        `env:"ENROLLMENT_TOKEN"`
	AllocationBaseURL string        `env:"ALLOCATION_BASE_URL" envDefault:"http://localhost:8083"`
	AllocationToken   string        `env:"ALLOCATION_TOKEN"`
	LicenseBaseURL    string        `env:"LICENSE_BASE_URL" envDefault:"http://localhost:8084"`
	LicenseToken      string        `env:"LICENSE_TOKEN"`
	HTTPClientTimeout time.Duration `env:"HTTP_CLIENT_TIMEOUT" envDefault:"15s"`

	// CORS origins for the API server.
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
}

// Load parses configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if cfg.PriceLowerBoundRatio < 0 || cfg.PriceUpperBoundRatio < cfg.PriceLowerBoundRatio {
		return nil, fmt.Errorf("invalid price validation band: [%v, %v]",
			cfg.PriceLowerBoundRatio, cfg.PriceUpperBoundRatio)
	}
	return &cfg, nil
}

// Addr returns the listen address for the API server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
