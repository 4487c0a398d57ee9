package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"folio/ledger/models"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Options tunes the connection pool behind the gorm handle.
type Options struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// Migrate runs models.AutoMigrate after connecting.
	Migrate bool
	// LogQueries enables gorm's statement logger; useful while debugging locks.
	LogQueries bool
}

// Open connects to the configured database and returns a gorm handle with error
// translation enabled so unique violations surface as gorm.ErrDuplicatedKey.
func Open(ctx context.Context, opts Options) (*gorm.DB, error) {
	dsn := strings.TrimSpace(opts.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("storage: dsn required")
	}
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case DriverPostgres, "postgresql", "pg":
		dialector = postgres.Open(dsn)
	case DriverSQLite, "sqlite3", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", opts.Driver)
	}
	cfg := &gorm.Config{TranslateError: true}
	if opts.LogQueries {
		cfg.Logger = logger.Default.LogMode(logger.Info)
	} else {
		cfg.Logger = logger.Default.LogMode(logger.Silent)
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", opts.Driver, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("storage: pool: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	if opts.Migrate {
		if err := models.AutoMigrate(db.WithContext(ctx)); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("storage: migrate: %w", err)
		}
	}
	return db, nil
}

// IsPostgres reports whether the handle talks to PostgreSQL. Callers use it to
// opt into SKIP LOCKED and advisory locks, which SQLite lacks.
func IsPostgres(db *gorm.DB) bool {
	if db == nil || db.Dialector == nil {
		return false
	}
	return db.Dialector.Name() == DriverPostgres
}

// Close releases the pool behind the handle.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
