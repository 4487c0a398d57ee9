// Package settled wires the settlement daemon: the payout worker, the deposit
// reconciliation sweep and the operator admin API.
package settled

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"folio/chain/evm"
	"folio/config"
	"folio/events"
	"folio/ledger/balance"
	"folio/ledger/catalog"
	"folio/ledger/deposit"
	"folio/ledger/entitlement"
	"folio/settlement"
	"folio/storage"
)

// PassphraseFunc supplies the treasury keystore passphrase on demand.
type PassphraseFunc func() (string, error)

// PassphraseProvider builds a PassphraseFunc reading the named environment
// variable first.
type PassphraseProvider func(envVar string) PassphraseFunc

// App holds the long-lived components shared by the daemon and the CLI.
type App struct {
	Config       *config.Config
	DB           *gorm.DB
	Logger       *slog.Logger
	Balances     *balance.Store
	Chain        *evm.Client
	Emitter      events.Emitter
	Lock         settlement.CycleLock
	Worker       *settlement.Worker
	Deposits     *deposit.Verifier
	Entitlements *entitlement.Engine
	Sweeper      *deposit.Reconciler

	closers []func() error
}

// OpenDatabase connects to the configured ledger database.
func OpenDatabase(ctx context.Context, cfg *config.Config) (*gorm.DB, error) {
	return storage.Open(ctx, storage.Options{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime.Duration,
		Migrate:         cfg.Database.AutoMigrate,
	})
}

// Build connects every dependency the settlement pipeline needs. The returned
// App must be closed.
func Build(ctx context.Context, cfg *config.Config, passphrase PassphraseFunc, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = app.Close()
		}
	}()

	db, err := OpenDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.DB = db
	app.closers = append(app.closers, func() error { return storage.Close(db) })
	app.Balances = balance.NewStore(db, nil)

	key, err := loadTreasuryKey(cfg.Treasury, passphrase)
	if err != nil {
		return nil, err
	}
	client, err := evm.Dial(ctx, cfg.Chain.Endpoint, key, evm.Config{
		ChainID:           cfg.Chain.ChainID,
		Units:             evm.Units{MinorDecimals: cfg.Chain.MinorDecimals},
		GasLimit:          cfg.Chain.GasLimit,
		RequestTimeout:    cfg.Chain.RequestTimeout.Duration,
		RequestsPerSecond: cfg.Chain.RequestsPerSecond,
		Burst:             cfg.Chain.Burst,
	})
	if err != nil {
		return nil, err
	}
	app.Chain = client
	app.closers = append(app.closers, client.Close)
	logger.Info("treasury loaded", slog.String("treasury", client.Treasury()), slog.String("network", cfg.Chain.Network))

	app.Emitter = events.NoopEmitter{}
	if len(cfg.Events.Kafka.Brokers) > 0 {
		emitter, err := events.NewKafkaEmitter(events.KafkaConfig{
			Brokers:      cfg.Events.Kafka.Brokers,
			Topic:        cfg.Events.Kafka.Topic,
			WriteTimeout: cfg.Events.Kafka.WriteTimeout.Duration,
		}, logger)
		if err != nil {
			return nil, err
		}
		app.Emitter = emitter
		app.closers = append(app.closers, emitter.Close)
	}

	if app.Lock, err = app.buildLock(); err != nil {
		return nil, err
	}

	app.Worker, err = settlement.NewWorker(db, client, app.Lock, settlement.WorkerConfig{
		LockName:       cfg.Lock.Name,
		ClaimLimit:     cfg.Settlement.ClaimLimit,
		ReconcileLimit: cfg.Settlement.ReconcileLimit,
		StaleAfter:     cfg.Settlement.StaleAfter.Duration,
		MinPayout:      cfg.Settlement.MinPayout,
		Network:        cfg.Chain.Network,
	}, app.Emitter, logger, nil)
	if err != nil {
		return nil, err
	}

	app.Deposits, err = deposit.NewVerifier(db, app.Balances, client, deposit.Config{
		TreasuryAddress: client.Treasury(),
		IntentTTL:       cfg.Deposits.IntentTTL.Duration,
		MinAmount:       cfg.Deposits.MinAmount,
		MaxAmount:       cfg.Deposits.MaxAmount,
	}, app.Emitter, logger, nil)
	if err != nil {
		return nil, err
	}
	app.Entitlements, err = entitlement.NewEngine(db, app.Balances, catalog.NewStore(db),
		EntitlementConfig(cfg.Pricing, client.Treasury()),
		entitlement.WithEmitter(app.Emitter),
		entitlement.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	app.Sweeper, err = deposit.NewReconciler(app.Deposits, deposit.ReconcilerConfig{
		BatchSize:      cfg.Deposits.SweepBatchSize,
		SubmittedGrace: cfg.Deposits.SubmittedGrace.Duration,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return app, nil
}

// EntitlementConfig maps the pricing section onto the engine. Readers are told
// to top up at depositAddress.
func EntitlementConfig(cfg config.PricingConfig, depositAddress string) entitlement.Config {
	return entitlement.Config{
		Pricing: entitlement.Pricing{
			NextPages:            cfg.NextPages,
			NextPagesDiscount:    cfg.NextPagesDiscountBps,
			BookFractionPercent:  cfg.BookFractionPercent,
			BookFractionDiscount: cfg.BookFractionDiscountBps,
		},
		DepositAddress: depositAddress,
		TopUpIncrement: cfg.TopUpIncrement,
		MinTopUp:       cfg.MinTopUp,
	}
}

func (a *App) buildLock() (settlement.CycleLock, error) {
	cfg := a.Config.Lock
	switch cfg.Backend {
	case config.LockPostgres:
		return settlement.NewPostgresLock(a.DB, a.Logger), nil
	case config.LockRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.closers = append(a.closers, client.Close)
		return settlement.NewRedisLock(client, cfg.TTL.Duration, a.Logger), nil
	case config.LockLocal, "":
		return settlement.NewLocalLock(), nil
	default:
		return nil, fmt.Errorf("unsupported lock backend %q", cfg.Backend)
	}
}

// Health pings the database.
func (a *App) Health(ctx context.Context) error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Status reads the settlement pipeline snapshot.
func (a *App) Status(ctx context.Context) (settlement.StatusSnapshot, error) {
	return settlement.Snapshot(ctx, a.DB)
}

// Close releases every connection in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func loadTreasuryKey(cfg config.TreasuryConfig, passphrase PassphraseFunc) (*ecdsa.PrivateKey, error) {
	if strings.TrimSpace(cfg.PrivateKey) != "" {
		return evm.ParseHexKey(cfg.PrivateKey)
	}
	if cfg.KeystorePath == "" {
		return nil, fmt.Errorf("treasury key must be configured (private_key, private_key_env, private_key_file or keystore)")
	}
	if passphrase == nil {
		return nil, fmt.Errorf("treasury keystore %s requires a passphrase source", cfg.KeystorePath)
	}
	pass, err := passphrase()
	if err != nil {
		return nil, fmt.Errorf("treasury passphrase: %w", err)
	}
	return evm.LoadKeystore(cfg.KeystorePath, pass)
}
