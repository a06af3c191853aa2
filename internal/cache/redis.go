package cache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	KeyPrefix  string
	Timeout    time.Duration
	ScanBudget time.Duration
	ScanCount  int
}

// RedisCache speaks RESP directly and opens one connection per operation.
type RedisCache struct {
	cfg RedisConfig
}

func NewRedis(cfg RedisConfig) *RedisCache {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.ScanBudget <= 0 {
		cfg.ScanBudget = DefaultScanBudget
	}
	if cfg.ScanCount <= 0 {
		cfg.ScanCount = 200
	}
	return &RedisCache{cfg: cfg}
}

func (c *RedisCache) key(k string) string { return c.cfg.KeyPrefix + k }

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := c.do(ctx, "GET", c.key(key))
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, ErrNotFound
	}
	s, ok := resp.(string)
	if !ok {
		return nil, errors.New("cache: unexpected redis GET response")
	}
	return []byte(s), nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := c.do(ctx, setArgs(c.key(key), value, ttl, false)...)
	return err
}

func (c *RedisCache) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	resp, err := c.do(ctx, setArgs(c.key(key), value, ttl, true)...)
	if err != nil {
		return false, err
	}
	// SET NX replies nil when the key already exists.
	return resp != nil, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	_, err := c.do(ctx, "DEL", c.key(key))
	return err
}

func (c *RedisCache) ScanPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	deadline := time.Now().Add(c.cfg.ScanBudget)
	ctx, cancel := context.WithDeadline(ctx, deadline.Add(c.cfg.Timeout))
	defer cancel()

	conn, rw, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(deadline.Add(c.cfg.Timeout))

	pattern := escapeGlob(c.key(prefix)) + "*"
	out := make([]Entry, 0, 64)
	cursor := "0"
	for {
		if time.Now().After(deadline) {
			return out, ErrScanIncomplete
		}
		if err := writeRESP(rw, "SCAN", cursor, "MATCH", pattern, "COUNT", strconv.Itoa(c.cfg.ScanCount)); err != nil {
			return out, err
		}
		resp, err := readRESP(rw)
		if err != nil {
			return out, err
		}
		next, keys, err := scanReply(resp)
		if err != nil {
			return out, err
		}
		if len(keys) > 0 {
			if err := writeRESP(rw, append([]string{"MGET"}, keys...)...); err != nil {
				return out, err
			}
			resp, err := readRESP(rw)
			if err != nil {
				return out, err
			}
			values, ok := resp.([]any)
			if !ok || len(values) != len(keys) {
				return out, errors.New("cache: unexpected redis MGET response")
			}
			for i, v := range values {
				s, ok := v.(string)
				if !ok {
					// expired between SCAN and MGET
					continue
				}
				out = append(out, Entry{Key: strings.TrimPrefix(keys[i], c.cfg.KeyPrefix), Value: []byte(s)})
			}
		}
		if next == "0" {
			return out, nil
		}
		cursor = next
	}
}

func (c *RedisCache) Close() error { return nil }

// Ping checks connectivity and credentials.
func (c *RedisCache) Ping(ctx context.Context) error {
	_, err := c.do(ctx, "PING")
	return err
}

func (c *RedisCache) do(ctx context.Context, parts ...string) (any, error) {
	conn, rw, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	} else {
		_ = conn.SetDeadline(time.Now().Add(c.cfg.Timeout))
	}
	if err := writeRESP(rw, parts...); err != nil {
		return nil, err
	}
	return readRESP(rw)
}

func (c *RedisCache) connect(ctx context.Context) (net.Conn, *bufio.ReadWriter, error) {
	dialer := net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("cache: dial redis %s: %w", c.cfg.Addr, err)
	}
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	if c.cfg.Password != "" {
		if err := writeRESP(rw, "AUTH", c.cfg.Password); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		if _, err := readRESP(rw); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
	}
	if c.cfg.DB > 0 {
		if err := writeRESP(rw, "SELECT", strconv.Itoa(c.cfg.DB)); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		if _, err := readRESP(rw); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
	}
	return conn, rw, nil
}

func setArgs(key string, value []byte, ttl time.Duration, nx bool) []string {
	args := []string{"SET", key, string(value)}
	if ttl > 0 {
		ms := ttl.Milliseconds()
		if ms <= 0 {
			ms = 1
		}
		args = append(args, "PX", strconv.FormatInt(ms, 10))
	}
	if nx {
		args = append(args, "NX")
	}
	return args
}

func scanReply(resp any) (string, []string, error) {
	arr, ok := resp.([]any)
	if !ok || len(arr) != 2 {
		return "", nil, errors.New("cache: unexpected redis SCAN response")
	}
	cursor, ok := arr[0].(string)
	if !ok {
		return "", nil, errors.New("cache: unexpected redis SCAN cursor")
	}
	keys, err := toStringArray(arr[1])
	if err != nil {
		return "", nil, err
	}
	return cursor, keys, nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func writeRESP(rw *bufio.ReadWriter, parts ...string) error {
	if _, err := fmt.Fprintf(rw, "*%d\r\n", len(parts)); err != nil {
		return err
	}
	for _, p := range parts {
		if _, err := fmt.Fprintf(rw, "$%d\r\n%s\r\n", len(p), p); err != nil {
			return err
		}
	}
	return rw.Flush()
}

// readRESP returns nil for null replies, string for simple/bulk/integer
// replies and []any for arrays.
func readRESP(rw *bufio.ReadWriter) (any, error) {
	prefix, err := rw.ReadByte()
	if err != nil {
		return nil, err
	}
	line, err := rw.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")

	switch prefix {
	case '+', ':':
		return line, nil
	case '-':
		return nil, fmt.Errorf("redis error: %s", line)
	case '$':
		n, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return nil, nil
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(rw, buf); err != nil {
			return nil, err
		}
		return string(buf[:n]), nil
	case '*':
		n, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return nil, nil
		}
		arr := make([]any, 0, n)
		for i := 0; i < n; i++ {
			v, err := readRESP(rw)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("unsupported redis response prefix %q", prefix)
	}
}

func toStringArray(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, errors.New("unexpected redis array response type")
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		s, _ := item.(string)
		out = append(out, s)
	}
	return out, nil
}
