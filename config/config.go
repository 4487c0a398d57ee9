// Package config loads the settlement daemon configuration from YAML or TOML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so both YAML and TOML accept strings like "30s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses the TOML string form.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration for TOML encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config captures the runtime configuration for the settlement daemon and CLI.
type Config struct {
	Service     string           `yaml:"service" toml:"service"`
	Environment string           `yaml:"environment" toml:"environment"`
	Database    DatabaseConfig   `yaml:"database" toml:"database"`
	Chain       ChainConfig      `yaml:"chain" toml:"chain"`
	Treasury    TreasuryConfig   `yaml:"treasury" toml:"treasury"`
	Settlement  SettlementConfig `yaml:"settlement" toml:"settlement"`
	Deposits    DepositsConfig   `yaml:"deposits" toml:"deposits"`
	Pricing     PricingConfig    `yaml:"pricing" toml:"pricing"`
	Admin       AdminConfig      `yaml:"admin" toml:"admin"`
	Lock        LockConfig       `yaml:"lock" toml:"lock"`
	Events      EventsConfig     `yaml:"events" toml:"events"`
	Logging     LoggingConfig    `yaml:"logging" toml:"logging"`
	Telemetry   TelemetryConfig  `yaml:"telemetry" toml:"telemetry"`
}

// Load reads configuration from path. Files ending in .toml are decoded as
// TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes, resolves secrets, applies defaults and validates data. ext
// selects the format (".toml" or anything else for YAML).
func Parse(data []byte, ext string) (*Config, error) {
	cfg := &Config{}
	switch strings.ToLower(ext) {
	case ".toml":
		meta, err := toml.NewDecoder(bytes.NewReader(data)).Decode(cfg)
		if err != nil {
			return nil, fmt.Errorf("decode toml: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown config key %q", undecoded[0].String())
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	}
	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Service == "" {
		cfg.Service = "folio-settled"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.MaxOpenConns <= 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Chain.Network == "" {
		cfg.Chain.Network = "mainnet"
	}
	if cfg.Chain.MinorDecimals <= 0 {
		cfg.Chain.MinorDecimals = 6
	}
	if cfg.Chain.RequestTimeout.Duration <= 0 {
		cfg.Chain.RequestTimeout.Duration = 10 * time.Second
	}
	if cfg.Settlement.Interval.Duration <= 0 {
		cfg.Settlement.Interval.Duration = time.Minute
	}
	if cfg.Settlement.ClaimLimit <= 0 {
		cfg.Settlement.ClaimLimit = 500
	}
	if cfg.Settlement.ReconcileLimit <= 0 {
		cfg.Settlement.ReconcileLimit = 100
	}
	if cfg.Settlement.StaleAfter.Duration <= 0 {
		cfg.Settlement.StaleAfter.Duration = 15 * time.Minute
	}
	if cfg.Settlement.ReportDir == "" {
		cfg.Settlement.ReportDir = "reports"
	}
	if cfg.Deposits.IntentTTL.Duration <= 0 {
		cfg.Deposits.IntentTTL.Duration = 30 * time.Minute
	}
	if cfg.Deposits.MinAmount <= 0 {
		cfg.Deposits.MinAmount = 1
	}
	if cfg.Deposits.SweepInterval.Duration <= 0 {
		cfg.Deposits.SweepInterval.Duration = 2 * time.Minute
	}
	if cfg.Deposits.SweepBatchSize <= 0 {
		cfg.Deposits.SweepBatchSize = 100
	}
	if cfg.Deposits.SubmittedGrace.Duration <= 0 {
		cfg.Deposits.SubmittedGrace.Duration = time.Hour
	}
	if cfg.Pricing.NextPages <= 0 {
		cfg.Pricing.NextPages = 5
	}
	if cfg.Pricing.NextPagesDiscountBps == 0 {
		cfg.Pricing.NextPagesDiscountBps = 500
	}
	if cfg.Pricing.BookFractionPercent <= 0 {
		cfg.Pricing.BookFractionPercent = 10
	}
	if cfg.Pricing.BookFractionDiscountBps == 0 {
		cfg.Pricing.BookFractionDiscountBps = 1000
	}
	if cfg.Admin.Listen == "" {
		cfg.Admin.Listen = ":7090"
	}
	if cfg.Admin.Issuer == "" {
		cfg.Admin.Issuer = "folio"
	}
	if cfg.Lock.Backend == "" {
		cfg.Lock.Backend = LockLocal
	}
	if cfg.Lock.Name == "" {
		cfg.Lock.Name = "folio-settlement-cycle"
	}
	if cfg.Lock.TTL.Duration <= 0 {
		cfg.Lock.TTL.Duration = 5 * time.Minute
	}
	if cfg.Events.Kafka.Topic == "" {
		cfg.Events.Kafka.Topic = "folio.events"
	}
	if cfg.Events.Kafka.WriteTimeout.Duration <= 0 {
		cfg.Events.Kafka.WriteTimeout.Duration = 5 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}
