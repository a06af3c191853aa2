package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/example/convsim/internal/cache"
)

const DefaultCounterTTL = 6 * time.Hour

// Counter keeps integer counters in the cache. Every mutation runs under the
// advisory lock "lock_<key>" and never drops below zero.
type Counter struct {
	cache  cache.KeyValueCache
	locker *Locker
	ttl    time.Duration
}

func NewCounter(c cache.KeyValueCache, locker *Locker, ttl time.Duration) *Counter {
	if ttl <= 0 {
		ttl = DefaultCounterTTL
	}
	return &Counter{cache: c, locker: locker, ttl: ttl}
}

func LockKey(key string) string { return "lock_" + key }

func (c *Counter) Increment(ctx context.Context, key string, by int) (int, error) {
	return c.add(ctx, key, by)
}

// Decrement subtracts by, clamping the stored value at zero.
func (c *Counter) Decrement(ctx context.Context, key string, by int) (int, error) {
	return c.add(ctx, key, -by)
}

func (c *Counter) add(ctx context.Context, key string, delta int) (int, error) {
	var next int
	err := c.locker.WithLock(ctx, LockKey(key), func(ctx context.Context) error {
		cur, err := c.Get(ctx, key)
		if err != nil {
			return err
		}
		next = cur + delta
		if next < 0 {
			next = 0
		}
		return c.Set(ctx, key, next)
	})
	if err != nil {
		return 0, fmt.Errorf("counter %s: %w", key, err)
	}
	return next, nil
}

// Get returns the current value, 0 when the counter is unset.
func (c *Counter) Get(ctx context.Context, key string) (int, error) {
	raw, err := c.cache.Get(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("counter %s: parse %q: %w", key, raw, err)
	}
	return n, nil
}

// Set overwrites the counter without locking. Hydration uses it before any
// concurrent writer exists.
func (c *Counter) Set(ctx context.Context, key string, v int) error {
	if v < 0 {
		v = 0
	}
	return c.cache.Set(ctx, key, []byte(strconv.Itoa(v)), c.ttl)
}

func (c *Counter) Delete(ctx context.Context, key string) error {
	return c.cache.Delete(ctx, key)
}
