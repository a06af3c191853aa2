package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/convsim/internal/cache"
)

type countingCache struct {
	cache.KeyValueCache
	mu       sync.Mutex
	setNX    int
	failWith error
}

func (c *countingCache) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	c.setNX++
	fail := c.failWith
	c.mu.Unlock()
	if fail != nil {
		return false, fail
	}
	return c.KeyValueCache.SetIfAbsent(ctx, key, value, ttl)
}

func TestAcquireRetryExhaustion(t *testing.T) {
	t.Parallel()
	mem := cache.NewMemory()
	cc := &countingCache{KeyValueCache: mem}
	ctx := context.Background()
	require.NoError(t, mem.Set(ctx, "lock_busy", []byte("someone-else"), time.Minute))

	l := NewLocker(cc, Config{Attempts: 10, RetryDelay: 5 * time.Millisecond, TTL: time.Second})
	start := time.Now()
	_, err := l.Acquire(ctx, "lock_busy")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockAcquisitionFailed))
	var acqErr *AcquireError
	require.True(t, errors.As(err, &acqErr))
	assert.Equal(t, 10, acqErr.Attempts)
	assert.Equal(t, "lock_busy", acqErr.Key)
	assert.Equal(t, 10, cc.setNX)
	assert.GreaterOrEqual(t, elapsed, 9*5*time.Millisecond)
}

func TestAcquireSurfacesCacheError(t *testing.T) {
	t.Parallel()
	boom := errors.New("connection refused")
	cc := &countingCache{KeyValueCache: cache.NewMemory(), failWith: boom}
	l := NewLocker(cc, Config{Attempts: 3, RetryDelay: time.Millisecond})

	_, err := l.Acquire(context.Background(), "k")
	assert.True(t, errors.Is(err, ErrLockAcquisitionFailed))
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, 3, cc.setNX)
}

func TestReleaseOnlyByHolder(t *testing.T) {
	t.Parallel()
	mem := cache.NewMemory()
	ctx := context.Background()
	l := NewLocker(mem, DefaultConfig())

	lease, err := l.Acquire(ctx, "lock_x")
	require.NoError(t, err)

	stale := &Lease{Key: "lock_x", Holder: "not-me"}
	require.NoError(t, l.Release(ctx, stale))
	_, err = mem.Get(ctx, "lock_x")
	require.NoError(t, err, "lock must survive a release by another holder")

	require.NoError(t, l.Release(ctx, lease))
	_, err = mem.Get(ctx, "lock_x")
	assert.True(t, errors.Is(err, cache.ErrNotFound))
}

func TestWithLockReleasesOnError(t *testing.T) {
	t.Parallel()
	mem := cache.NewMemory()
	ctx := context.Background()
	l := NewLocker(mem, DefaultConfig())
	fnErr := errors.New("fn failed")

	err := l.WithLock(ctx, "lock_y", func(context.Context) error { return fnErr })
	assert.True(t, errors.Is(err, fnErr))

	_, err = mem.Get(ctx, "lock_y")
	assert.True(t, errors.Is(err, cache.ErrNotFound))
}
