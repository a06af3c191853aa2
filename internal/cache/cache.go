// Package cache is the TTL key/value substrate for cached entities, counters,
// advisory locks and the slot queue.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultScanBudget bounds a ScanPrefix call.
const DefaultScanBudget = time.Second

var (
	ErrNotFound = errors.New("cache: key not found")
	// ErrScanIncomplete is returned with a partial result when a prefix scan
	// ran out of its time budget.
	ErrScanIncomplete = errors.New("cache: scan incomplete")
)

type Entry struct {
	Key   string
	Value []byte
}

// KeyValueCache is implemented by every backend. A zero ttl means no expiry.
type KeyValueCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetIfAbsent stores value only when key is missing or expired and reports
	// whether it did.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	ScanPrefix(ctx context.Context, prefix string) ([]Entry, error)
	Close() error
}

func GetJSON(ctx context.Context, c KeyValueCache, key string, out any) error {
	raw, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return nil
}

func SetJSON(ctx context.Context, c KeyValueCache, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	return c.Set(ctx, key, raw, ttl)
}

// ScanJSON decodes every entry under prefix as T. Entries that fail to
// decode are skipped. A partial scan still returns ErrScanIncomplete.
func ScanJSON[T any](ctx context.Context, c KeyValueCache, prefix string) ([]T, error) {
	entries, scanErr := c.ScanPrefix(ctx, prefix)
	if scanErr != nil && !errors.Is(scanErr, ErrScanIncomplete) {
		return nil, scanErr
	}
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		var v T
		if err := json.Unmarshal(e.Value, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, scanErr
}
