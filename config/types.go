package config

// DatabaseConfig selects and tunes the ledger database.
type DatabaseConfig struct {
	Driver          string   `yaml:"driver" toml:"driver"`
	DSN             string   `yaml:"dsn" toml:"dsn"`
	DSNEnv          string   `yaml:"dsn_env" toml:"dsn_env"`
	DSNFile         string   `yaml:"dsn_file" toml:"dsn_file"`
	MaxOpenConns    int      `yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns" toml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" toml:"conn_max_lifetime"`
	AutoMigrate     bool     `yaml:"auto_migrate" toml:"auto_migrate"`
}

// ChainConfig points at the settlement chain's JSON-RPC endpoint.
type ChainConfig struct {
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	// ChainID of zero asks the node.
	ChainID           int64    `yaml:"chain_id" toml:"chain_id"`
	Network           string   `yaml:"network" toml:"network"`
	MinorDecimals     int32    `yaml:"minor_decimals" toml:"minor_decimals"`
	GasLimit          uint64   `yaml:"gas_limit" toml:"gas_limit"`
	RequestTimeout    Duration `yaml:"request_timeout" toml:"request_timeout"`
	RequestsPerSecond float64  `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int      `yaml:"burst" toml:"burst"`
}

// TreasuryConfig locates the payout signing key. Exactly one of the key
// sources is used; the keystore takes its passphrase from PassphraseEnv or an
// interactive prompt.
type TreasuryConfig struct {
	PrivateKey     string `yaml:"private_key" toml:"private_key"`
	PrivateKeyEnv  string `yaml:"private_key_env" toml:"private_key_env"`
	PrivateKeyFile string `yaml:"private_key_file" toml:"private_key_file"`
	KeystorePath   string `yaml:"keystore" toml:"keystore"`
	PassphraseEnv  string `yaml:"passphrase_env" toml:"passphrase_env"`
}

// SettlementConfig tunes the payout cycle.
type SettlementConfig struct {
	Interval       Duration `yaml:"interval" toml:"interval"`
	ClaimLimit     int      `yaml:"claim_limit" toml:"claim_limit"`
	ReconcileLimit int      `yaml:"reconcile_limit" toml:"reconcile_limit"`
	StaleAfter     Duration `yaml:"stale_after" toml:"stale_after"`
	MinPayout      int64    `yaml:"min_payout" toml:"min_payout"`
	ReportDir      string   `yaml:"report_dir" toml:"report_dir"`
}

// DepositsConfig bounds deposit intents and schedules the reconciliation sweep.
type DepositsConfig struct {
	IntentTTL      Duration `yaml:"intent_ttl" toml:"intent_ttl"`
	MinAmount      int64    `yaml:"min_amount" toml:"min_amount"`
	MaxAmount      int64    `yaml:"max_amount" toml:"max_amount"`
	SweepInterval  Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	SweepBatchSize int      `yaml:"sweep_batch_size" toml:"sweep_batch_size"`
	SubmittedGrace Duration `yaml:"submitted_grace" toml:"submitted_grace"`
}

// PricingConfig controls bundle discounts and top-up suggestions. Discounts are
// basis points.
type PricingConfig struct {
	NextPages               int   `yaml:"next_pages" toml:"next_pages"`
	NextPagesDiscountBps    int64 `yaml:"next_pages_discount_bps" toml:"next_pages_discount_bps"`
	BookFractionPercent     int   `yaml:"book_fraction_percent" toml:"book_fraction_percent"`
	BookFractionDiscountBps int64 `yaml:"book_fraction_discount_bps" toml:"book_fraction_discount_bps"`
	TopUpIncrement          int64 `yaml:"top_up_increment" toml:"top_up_increment"`
	MinTopUp                int64 `yaml:"min_top_up" toml:"min_top_up"`
}

// AdminConfig secures the operator API.
type AdminConfig struct {
	Listen        string `yaml:"listen" toml:"listen"`
	JWTSecret     string `yaml:"jwt_secret" toml:"jwt_secret"`
	JWTSecretEnv  string `yaml:"jwt_secret_env" toml:"jwt_secret_env"`
	JWTSecretFile string `yaml:"jwt_secret_file" toml:"jwt_secret_file"`
	Issuer        string `yaml:"issuer" toml:"issuer"`
	Audience      string `yaml:"audience" toml:"audience"`
}

// Lock backends.
const (
	LockLocal    = "local"
	LockPostgres = "postgres"
	LockRedis    = "redis"
)

// LockConfig selects the cluster-wide settlement cycle lock.
type LockConfig struct {
	Backend          string   `yaml:"backend" toml:"backend"`
	Name             string   `yaml:"name" toml:"name"`
	RedisAddr        string   `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword    string   `yaml:"redis_password" toml:"redis_password"`
	RedisPasswordEnv string   `yaml:"redis_password_env" toml:"redis_password_env"`
	RedisDB          int      `yaml:"redis_db" toml:"redis_db"`
	TTL              Duration `yaml:"ttl" toml:"ttl"`
}

// KafkaConfig enables event publishing when Brokers is non-empty.
type KafkaConfig struct {
	Brokers      []string `yaml:"brokers" toml:"brokers"`
	Topic        string   `yaml:"topic" toml:"topic"`
	WriteTimeout Duration `yaml:"write_timeout" toml:"write_timeout"`
}

// EventsConfig configures domain event delivery.
type EventsConfig struct {
	Kafka KafkaConfig `yaml:"kafka" toml:"kafka"`
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Headers     string  `yaml:"headers" toml:"headers"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}
