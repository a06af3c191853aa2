package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type NATSConfig struct {
	URL        string
	Bucket     string
	MaxTTL     time.Duration
	ScanBudget time.Duration
}

// NATSCache stores entries in a JetStream key/value bucket. The bucket TTL is
// only an upper bound, so each value carries its own expiry.
type NATSCache struct {
	nc         *nats.Conn
	ownsConn   bool
	kv         jetstream.KeyValue
	scanBudget time.Duration
}

type natsEnvelope struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func (e natsEnvelope) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// DialNATS connects to cfg.URL and opens the bucket.
func DialNATS(ctx context.Context, cfg NATSConfig) (*NATSCache, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("cache: connect nats %s: %w", cfg.URL, err)
	}
	c, err := NewNATS(ctx, nc, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	c.ownsConn = true
	return c, nil
}

func NewNATS(ctx context.Context, nc *nats.Conn, cfg NATSConfig) (*NATSCache, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = "convsim"
	}
	if cfg.ScanBudget <= 0 {
		cfg.ScanBudget = DefaultScanBudget
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("cache: create jetstream context: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "convsim cache",
		TTL:         cfg.MaxTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: create/update kv bucket: %w", err)
	}
	return &NATSCache{nc: nc, kv: kv, scanBudget: cfg.ScanBudget}, nil
}

// natsKey maps cache keys onto the KV key alphabet. Colons are not allowed.
func natsKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}

func (c *NATSCache) Get(ctx context.Context, key string) ([]byte, error) {
	env, _, err := c.load(ctx, natsKey(key))
	if err != nil {
		return nil, err
	}
	return env.Value, nil
}

func (c *NATSCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	raw, err := encodeEnvelope(value, ttl)
	if err != nil {
		return err
	}
	if _, err := c.kv.Put(ctx, natsKey(key), raw); err != nil {
		return fmt.Errorf("cache: put %s: %w", key, err)
	}
	return nil
}

func (c *NATSCache) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	k := natsKey(key)
	raw, err := encodeEnvelope(value, ttl)
	if err != nil {
		return false, err
	}
	_, err = c.kv.Create(ctx, k, raw)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return false, fmt.Errorf("cache: create %s: %w", key, err)
	}
	// The key exists but may hold an expired envelope. Take it over with a
	// revision-checked update so a concurrent writer wins cleanly.
	entry, err := c.kv.Get(ctx, k)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			if _, err := c.kv.Create(ctx, k, raw); err == nil {
				return true, nil
			}
			return false, nil
		}
		return false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	var env natsEnvelope
	if err := json.Unmarshal(entry.Value(), &env); err == nil && !env.expired(time.Now()) {
		return false, nil
	}
	if _, err := c.kv.Update(ctx, k, raw, entry.Revision()); err != nil {
		return false, nil
	}
	return true, nil
}

func (c *NATSCache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, natsKey(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("cache: delete %s: %w", key, err)
	}
	return nil
}

func (c *NATSCache) ScanPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	deadline := time.Now().Add(c.scanBudget)
	scanCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	lister, err := c.kv.ListKeys(scanCtx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache: list keys: %w", err)
	}
	defer func() { _ = lister.Stop() }()

	p := natsKey(prefix)
	out := make([]Entry, 0, 64)
	for k := range lister.Keys() {
		if time.Now().After(deadline) {
			return out, ErrScanIncomplete
		}
		if !strings.HasPrefix(k, p) {
			continue
		}
		env, _, err := c.load(scanCtx, k)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if scanCtx.Err() != nil {
				return out, ErrScanIncomplete
			}
			return out, err
		}
		out = append(out, Entry{Key: prefix + strings.TrimPrefix(k, p), Value: env.Value})
	}
	if scanCtx.Err() != nil && ctx.Err() == nil {
		return out, ErrScanIncomplete
	}
	return out, nil
}

func (c *NATSCache) Close() error {
	if c.ownsConn {
		c.nc.Close()
	}
	return nil
}

func (c *NATSCache) load(ctx context.Context, k string) (natsEnvelope, uint64, error) {
	entry, err := c.kv.Get(ctx, k)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return natsEnvelope{}, 0, ErrNotFound
		}
		return natsEnvelope{}, 0, fmt.Errorf("cache: get %s: %w", k, err)
	}
	var env natsEnvelope
	if err := json.Unmarshal(entry.Value(), &env); err != nil {
		return natsEnvelope{}, 0, fmt.Errorf("cache: decode %s: %w", k, err)
	}
	if env.expired(time.Now()) {
		return natsEnvelope{}, 0, ErrNotFound
	}
	return env, entry.Revision(), nil
}

func encodeEnvelope(value []byte, ttl time.Duration) ([]byte, error) {
	env := natsEnvelope{Value: value}
	if ttl > 0 {
		env.ExpiresAt = time.Now().Add(ttl)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("cache: encode envelope: %w", err)
	}
	return raw, nil
}
