// Package lock provides best-effort advisory locks and clamped counters on top
// of a single cache backend. It is not a consensus protocol.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/example/convsim/internal/cache"
)

var ErrLockAcquisitionFailed = errors.New("lock acquisition failed")

// AcquireError is returned once every attempt to take a lock has failed.
type AcquireError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *AcquireError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("lock %s: not acquired after %d attempts: %v", e.Key, e.Attempts, e.Err)
	}
	return fmt.Sprintf("lock %s: not acquired after %d attempts", e.Key, e.Attempts)
}

func (e *AcquireError) Is(target error) bool { return target == ErrLockAcquisitionFailed }

func (e *AcquireError) Unwrap() error { return e.Err }

type Config struct {
	Attempts   int
	RetryDelay time.Duration
	TTL        time.Duration
}

func DefaultConfig() Config {
	return Config{Attempts: 10, RetryDelay: 50 * time.Millisecond, TTL: time.Second}
}

// Lease is a held lock. Only the holder that created it may release it.
type Lease struct {
	Key       string
	Holder    string
	ExpiresAt time.Time
}

type Locker struct {
	cache cache.KeyValueCache
	cfg   Config
}

func NewLocker(c cache.KeyValueCache, cfg Config) *Locker {
	def := DefaultConfig()
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	return &Locker{cache: c, cfg: cfg}
}

// Acquire polls set-if-absent on key until it wins or the attempts run out.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lease, error) {
	holder := uuid.NewString()
	attempts := 0
	var lastErr error
	op := func() error {
		attempts++
		ok, err := l.cache.SetIfAbsent(ctx, key, []byte(holder), l.cfg.TTL)
		if err != nil {
			lastErr = err
			return err
		}
		if !ok {
			return errLockHeld
		}
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(l.cfg.RetryDelay), uint64(l.cfg.Attempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			lastErr = ctxErr
		}
		return nil, &AcquireError{Key: key, Attempts: attempts, Err: lastErr}
	}
	return &Lease{Key: key, Holder: holder, ExpiresAt: time.Now().Add(l.cfg.TTL)}, nil
}

// Release deletes the lock entry if it still belongs to the lease holder. A
// lock that already expired or was taken over is left alone.
func (l *Locker) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	raw, err := l.cache.Get(ctx, lease.Key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("lock: release %s: %w", lease.Key, err)
	}
	if string(raw) != lease.Holder {
		return nil
	}
	if err := l.cache.Delete(ctx, lease.Key); err != nil {
		return fmt.Errorf("lock: release %s: %w", lease.Key, err)
	}
	return nil
}

// WithLock runs fn while holding key. The lock is released even when fn fails.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(context.Context) error) (err error) {
	lease, err := l.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		// Release on a fresh context so a cancelled caller still frees the key.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if relErr := l.Release(relCtx, lease); relErr != nil && err == nil {
			err = relErr
		}
	}()
	return fn(ctx)
}

var errLockHeld = errors.New("lock held")
