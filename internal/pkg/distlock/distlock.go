// Package distlock provides the cross-process locks that keep a campaign from
// being dispatched by two workers at once.
package distlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned when releasing or extending a lock this instance no
// longer owns.
var ErrNotHeld = errors.New("lock not held")

// DistLock is the interface for distributed locking. A DistLock instance
// represents one holder; use a fresh instance per acquisition attempt.
type DistLock interface {
	// Acquire tries to acquire the lock without blocking. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}

// Extender is implemented by locks that expire and can be renewed.
type Extender interface {
	Extend(ctx context.Context, ttl time.Duration) error
}

// Factory mints locks for arbitrary keys on a fixed backend.
type Factory struct {
	redis redis.UniversalClient
	db    *sql.DB
	ttl   time.Duration
}

// NewFactory picks the best available backend. Redis is preferred; without it
// PostgreSQL advisory locks are used. With neither, New returns nil.
func NewFactory(redisClient redis.UniversalClient, db *sql.DB, ttl time.Duration) *Factory {
	if redisClient == nil && db == nil {
		return nil
	}
	return &Factory{redis: redisClient, db: db, ttl: ttl}
}

// New returns an unacquired lock for key. A nil Factory returns nil.
func (f *Factory) New(key string) DistLock {
	if f == nil {
		return nil
	}
	if f.redis != nil {
		return NewRedisLock(f.redis, key, f.ttl)
	}
	return NewPGAdvisoryLock(f.db, key)
}

// TTL is the expiry given to Redis locks.
func (f *Factory) TTL() time.Duration {
	if f == nil {
		return 0
	}
	return f.ttl
}

// KeepAlive extends l every ttl/3 until the returned stop func is called or
// ctx ends. Locks that do not expire are left alone.
func KeepAlive(ctx context.Context, l DistLock, ttl time.Duration, onLost func(error)) (stop func()) {
	ext, ok := l.(Extender)
	if !ok || ttl <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ext.Extend(ctx, ttl); err != nil && ctx.Err() == nil {
					if onLost != nil {
						onLost(err)
					}
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// PGAdvisoryLock implements DistLock with pg_try_advisory_lock. Advisory locks
// are session scoped, so the lock pins one pooled connection from Acquire to
// Release. A dropped connection releases the lock.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
	conn   *sql.Conn
}

// NewPGAdvisoryLock derives a deterministic lock ID from key.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("advisory lock conn: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return ErrNotHeld
	}
	defer func() {
		l.conn.Close()
		l.conn = nil
	}()
	var released bool
	if err := l.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID).Scan(&released); err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}
	if !released {
		return ErrNotHeld
	}
	return nil
}
