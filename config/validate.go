package config

import (
	"fmt"
	"strings"
)

// Validate checks the resolved configuration. It runs after defaults.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "postgres", "postgresql", "pg", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn must be configured")
	}
	if c.Chain.MinorDecimals > 18 {
		return fmt.Errorf("chain.minor_decimals must be at most 18")
	}
	if c.Chain.RequestsPerSecond < 0 {
		return fmt.Errorf("chain.requests_per_second must not be negative")
	}
	if c.Settlement.MinPayout < 0 {
		return fmt.Errorf("settlement.min_payout must not be negative")
	}
	if c.Deposits.MaxAmount > 0 && c.Deposits.MaxAmount < c.Deposits.MinAmount {
		return fmt.Errorf("deposits.max_amount must be at least deposits.min_amount")
	}
	for name, bps := range map[string]int64{
		"pricing.next_pages_discount_bps":    c.Pricing.NextPagesDiscountBps,
		"pricing.book_fraction_discount_bps": c.Pricing.BookFractionDiscountBps,
	} {
		if bps < 0 || bps > 10_000 {
			return fmt.Errorf("%s must be between 0 and 10000", name)
		}
	}
	if c.Pricing.BookFractionPercent > 100 {
		return fmt.Errorf("pricing.book_fraction_percent must be at most 100")
	}
	switch c.Lock.Backend {
	case LockLocal:
	case LockPostgres:
		if !c.IsPostgres() {
			return fmt.Errorf("lock.backend postgres requires a postgres database")
		}
	case LockRedis:
		if strings.TrimSpace(c.Lock.RedisAddr) == "" {
			return fmt.Errorf("lock.redis_addr must be configured for the redis backend")
		}
	default:
		return fmt.Errorf("lock.backend %q is not supported", c.Lock.Backend)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	if (c.Telemetry.Traces || c.Telemetry.Metrics) && strings.TrimSpace(c.Telemetry.Endpoint) == "" {
		return fmt.Errorf("telemetry.endpoint must be configured when exporting")
	}
	return nil
}

// IsPostgres reports whether the configured database is PostgreSQL.
func (c *Config) IsPostgres() bool {
	switch strings.ToLower(c.Database.Driver) {
	case "postgres", "postgresql", "pg":
		return true
	}
	return false
}

// HasTreasuryKey reports whether any treasury key source is configured.
func (c *Config) HasTreasuryKey() bool {
	t := c.Treasury
	return t.PrivateKey != "" || t.KeystorePath != ""
}
