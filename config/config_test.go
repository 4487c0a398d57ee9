package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeFile(t, "settled.yaml", `
database:
  driver: sqlite
  dsn: "file:folio.db"
chain:
  endpoint: http://localhost:8545
  request_timeout: 3s
settlement:
  interval: 45s
  min_payout: 250
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chain.RequestTimeout.Duration != 3*time.Second {
		t.Fatalf("request timeout = %s", cfg.Chain.RequestTimeout)
	}
	if cfg.Settlement.Interval.Duration != 45*time.Second {
		t.Fatalf("interval = %s", cfg.Settlement.Interval)
	}
	if cfg.Settlement.MinPayout != 250 {
		t.Fatalf("min payout = %d", cfg.Settlement.MinPayout)
	}
	if cfg.Settlement.StaleAfter.Duration != 15*time.Minute {
		t.Fatalf("stale after default = %s", cfg.Settlement.StaleAfter)
	}
	if cfg.Lock.Backend != LockLocal {
		t.Fatalf("lock backend default = %q", cfg.Lock.Backend)
	}
	if cfg.Pricing.NextPages != 5 || cfg.Pricing.NextPagesDiscountBps != 500 {
		t.Fatalf("pricing defaults = %+v", cfg.Pricing)
	}
	if cfg.Service != "folio-settled" {
		t.Fatalf("service default = %q", cfg.Service)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "settled.toml", `
service = "folio-settled-eu"

[database]
driver = "postgres"
dsn = "postgres://folio@localhost/folio"

[lock]
backend = "postgres"

[deposits]
intent_ttl = "10m"
min_amount = 100
max_amount = 5000

[events.kafka]
brokers = ["kafka-1:9092", "kafka-2:9092"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service != "folio-settled-eu" {
		t.Fatalf("service = %q", cfg.Service)
	}
	if !cfg.IsPostgres() {
		t.Fatalf("expected postgres driver")
	}
	if cfg.Deposits.IntentTTL.Duration != 10*time.Minute {
		t.Fatalf("intent ttl = %s", cfg.Deposits.IntentTTL)
	}
	if len(cfg.Events.Kafka.Brokers) != 2 || cfg.Events.Kafka.Topic != "folio.events" {
		t.Fatalf("kafka = %+v", cfg.Events.Kafka)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "settled.yaml", "database:\n  dsn: x\n  bogus: 1\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown key error")
	}
	path = writeFile(t, "settled.toml", "[database]\ndsn = \"x\"\nbogus = 1\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("expected unknown toml key error, got %v", err)
	}
}

func TestSecretsResolveFromEnvAndFile(t *testing.T) {
	t.Setenv("FOLIO_TEST_DSN", "file:from-env.db")
	secretPath := writeFile(t, "jwt.secret", "  s3cret\n")
	path := writeFile(t, "settled.yaml", `
database:
  dsn_env: FOLIO_TEST_DSN
admin:
  jwt_secret_file: `+secretPath+`
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.DSN != "file:from-env.db" {
		t.Fatalf("dsn = %q", cfg.Database.DSN)
	}
	if cfg.Admin.JWTSecret != "s3cret" {
		t.Fatalf("jwt secret = %q", cfg.Admin.JWTSecret)
	}
}

func TestSecretsEmptyEnvFails(t *testing.T) {
	t.Setenv("FOLIO_TEST_EMPTY", "")
	path := writeFile(t, "settled.yaml", "database:\n  dsn_env: FOLIO_TEST_EMPTY\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected empty env error")
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"missing dsn":        "database:\n  driver: sqlite\n",
		"bad driver":         "database:\n  driver: mysql\n  dsn: x\n",
		"postgres lock":      "database:\n  dsn: x\nlock:\n  backend: postgres\n",
		"redis without addr": "database:\n  dsn: x\nlock:\n  backend: redis\n",
		"discount over 100%": "database:\n  dsn: x\npricing:\n  next_pages_discount_bps: 20000\n",
		"max below min":      "database:\n  dsn: x\ndeposits:\n  min_amount: 10\n  max_amount: 5\n",
		"telemetry endpoint": "database:\n  dsn: x\ntelemetry:\n  traces: true\n",
		"bad duration":       "database:\n  dsn: x\nsettlement:\n  interval: soon\n",
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(contents), ".yaml"); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
