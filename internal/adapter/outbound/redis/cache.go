// Package redis implements outbound.Cache on Redis, the shared backend for
// multi-instance deployments (sessions, chunk windows, rotation lease).
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Sentinel-Gate/scriptgate/internal/port/outbound"
)

// incrScript increments a counter and sets its expiry only on creation,
// so repeated increments never extend the original window.
var incrScript = goredis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 and tonumber(ARGV[1]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Namespace is prepended to every key, e.g. "scriptgate:".
	Namespace string
}

// Cache implements outbound.Cache with a go-redis client.
type Cache struct {
	client    *goredis.Client
	namespace string
}

// New connects to Redis and verifies the connection with a PING.
func New(ctx context.Context, cfg Config) (*Cache, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	return NewWithClient(client, cfg.Namespace), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, namespace string) *Cache {
	return &Cache{client: client, namespace: namespace}
}

func (c *Cache) key(k string) string {
	return c.namespace + k
}

// Get returns the value under key.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, outbound.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return val, nil
}

// Set stores value under key.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// SetNX stores value only if key is absent.
func (c *Cache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Incr increments the counter under key.
func (c *Cache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrScript.Run(ctx, c.client, []string{c.key(key)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	return n, nil
}

// Delete removes keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	if err := c.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Keys scans for keys with the given prefix. SCAN is used instead of KEYS
// so large keyspaces do not block the server.
func (c *Cache) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, escapeGlob(c.key(prefix))+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), c.namespace))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return keys, nil
}

// Ping checks connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the client.
func (c *Cache) Close() error {
	return c.client.Close()
}

// escapeGlob escapes Redis MATCH metacharacters.
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

var _ outbound.Cache = (*Cache)(nil)
