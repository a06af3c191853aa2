package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

func (i memoryItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && !now.Before(i.expiresAt)
}

type MemoryOption func(*MemoryCache)

// WithClock replaces time.Now for expiry and scan budget checks.
func WithClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCache) { c.now = now }
}

func WithMemoryScanBudget(d time.Duration) MemoryOption {
	return func(c *MemoryCache) { c.scanBudget = d }
}

// MemoryCache keeps entries in process. Expired entries are dropped lazily.
type MemoryCache struct {
	mu         sync.Mutex
	items      map[string]memoryItem
	now        func() time.Time
	scanBudget time.Duration
}

func NewMemory(opts ...MemoryOption) *MemoryCache {
	c := &MemoryCache{
		items:      make(map[string]memoryItem, 256),
		now:        time.Now,
		scanBudget: DefaultScanBudget,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	if it.expired(c.now()) {
		delete(c.items, key)
		return nil, ErrNotFound
	}
	return cloneBytes(it.value), nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = c.item(value, ttl)
	return nil
}

func (c *MemoryCache) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok && !it.expired(c.now()) {
		return false, nil
	}
	c.items[key] = c.item(value, ttl)
	return true, nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

func (c *MemoryCache) ScanPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := c.now()
	budget := c.scanBudget
	if budget <= 0 {
		budget = DefaultScanBudget
	}
	keys := make([]string, 0, len(c.items))
	for k := range c.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		now := c.now()
		if now.Sub(start) > budget {
			return out, ErrScanIncomplete
		}
		it := c.items[k]
		if it.expired(now) {
			delete(c.items, k)
			continue
		}
		out = append(out, Entry{Key: k, Value: cloneBytes(it.value)})
	}
	return out, nil
}

func (c *MemoryCache) Close() error { return nil }

func (c *MemoryCache) item(value []byte, ttl time.Duration) memoryItem {
	it := memoryItem{value: cloneBytes(value)}
	if ttl > 0 {
		it.expiresAt = c.now().Add(ttl)
	}
	return it
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
