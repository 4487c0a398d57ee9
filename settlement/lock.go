package settlement

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"lukechampine.com/blake3"
)

// CycleLock serialises settlement cycles across workers. TryLock never blocks:
// ok=false means another holder owns name. release must be called exactly once
// when ok is true.
type CycleLock interface {
	TryLock(ctx context.Context, name string) (release func(), ok bool, err error)
}

// LocalLock is an in-process CycleLock for single-instance deployments.
type LocalLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocalLock constructs an empty LocalLock.
func NewLocalLock() *LocalLock {
	return &LocalLock{locks: make(map[string]*sync.Mutex)}
}

// TryLock acquires name if nobody in this process holds it.
func (l *LocalLock) TryLock(_ context.Context, name string) (func(), bool, error) {
	l.mu.Lock()
	m, ok := l.locks[name]
	if !ok {
		m = &sync.Mutex{}
		l.locks[name] = m
	}
	l.mu.Unlock()
	if !m.TryLock() {
		return nil, false, nil
	}
	var once sync.Once
	return func() { once.Do(m.Unlock) }, true, nil
}

// PostgresLock is a session-scoped advisory lock. The lock lives on a dedicated
// pooled connection that is returned to the pool on release.
type PostgresLock struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewPostgresLock constructs an advisory lock over db.
func NewPostgresLock(db *gorm.DB, logger *slog.Logger) *PostgresLock {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresLock{db: db, logger: logger}
}

// AdvisoryKey maps a lock name onto the signed 64-bit advisory key space.
func AdvisoryKey(name string) int64 {
	sum := blake3.Sum256([]byte(name))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// TryLock calls pg_try_advisory_lock on a connection reserved for the holder.
func (l *PostgresLock) TryLock(ctx context.Context, name string) (func(), bool, error) {
	sqlDB, err := l.db.DB()
	if err != nil {
		return nil, false, fmt.Errorf("settlement: advisory lock: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("settlement: advisory lock conn: %w", err)
	}
	key := AdvisoryKey(name)
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, false, fmt.Errorf("settlement: advisory lock %q: %w", name, err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, false, nil
	}
	var once sync.Once
	release := func() {
		once.Do(func() { l.unlock(conn, name, key) })
	}
	return release, true, nil
}

func (l *PostgresLock) unlock(conn *sql.Conn, name string, key int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", key); err != nil {
		// Discarding the session drops its advisory locks server side.
		l.logger.Warn("advisory unlock failed", slog.String("lock", name), slog.Any("error", err))
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	}
	_ = conn.Close()
}

const redisUnlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// RedisLock is a TTL lease in Redis. Release only deletes the key while it still
// carries the holder's token.
type RedisLock struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
	unlock *redis.Script
	logger *slog.Logger
}

// NewRedisLock constructs a Redis lease lock. The ttl bounds how long a crashed
// holder blocks other workers and must exceed the longest expected cycle.
func NewRedisLock(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *RedisLock {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLock{
		client: client,
		ttl:    ttl,
		prefix: "folio:lock:",
		unlock: redis.NewScript(redisUnlockScript),
		logger: logger,
	}
}

// TryLock issues SET NX PX with a fresh token.
func (l *RedisLock) TryLock(ctx context.Context, name string) (func(), bool, error) {
	key := l.prefix + name
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("settlement: redis lock %q: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.unlock.Run(rctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				l.logger.Warn("redis unlock failed", slog.String("lock", name), slog.Any("error", err))
			}
		})
	}
	return release, true, nil
}
