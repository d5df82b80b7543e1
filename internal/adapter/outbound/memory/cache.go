// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sentinel-Gate/scriptgate/internal/port/outbound"
)

// Default cleanup interval for expired cache entries.
const DefaultCleanupInterval = 1 * time.Minute

type cacheEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e *cacheEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryCache implements outbound.Cache with an in-memory map.
// Thread-safe for concurrent access. Single-process only: leases and
// counters are not shared between instances.
// Background cleanup goroutine removes expired entries periodically.
type MemoryCache struct {
	entries         map[string]*cacheEntry
	mu              sync.RWMutex
	stopChan        chan struct{}
	wg              sync.WaitGroup
	cleanupInterval time.Duration
	once            sync.Once // Prevent double-close panic on Stop()
	now             func() time.Time
}

// CacheOption configures a MemoryCache.
type CacheOption func(*MemoryCache)

// WithCleanupInterval sets how often expired entries are purged.
func WithCleanupInterval(d time.Duration) CacheOption {
	return func(c *MemoryCache) {
		c.cleanupInterval = d
	}
}

// WithCacheClock overrides the time source (tests).
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *MemoryCache) {
		c.now = now
	}
}

// NewCache creates a new in-memory cache.
func NewCache(opts ...CacheOption) *MemoryCache {
	c := &MemoryCache{
		entries:         make(map[string]*cacheEntry),
		stopChan:        make(chan struct{}),
		cleanupInterval: DefaultCleanupInterval,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartCleanup starts the background cleanup goroutine.
// Call Stop() to stop it gracefully.
func (c *MemoryCache) StartCleanup(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopChan:
				return
			case <-ticker.C:
				c.cleanup()
			}
		}
	}()
}

func (c *MemoryCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	cleaned := 0
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			cleaned++
		}
	}

	if cleaned > 0 {
		slog.Debug("cleaned expired cache entries", "count", cleaned)
	}
}

// Stop stops the background cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (c *MemoryCache) Stop() {
	c.once.Do(func() {
		close(c.stopChan)
	})
	c.wg.Wait()
}

func (c *MemoryCache) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}

// Get returns a copy of the value stored under key.
// Expired entries are reported as misses and left for cleanup.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || e.expired(c.now()) {
		return nil, outbound.ErrCacheMiss
	}
	return cloneBytes(e.value), nil
}

// Set stores a copy of value under key.
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &cacheEntry{value: cloneBytes(value), expiresAt: c.expiry(ttl)}
	return nil
}

// SetNX stores value only if key is absent or expired.
func (c *MemoryCache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && !e.expired(c.now()) {
		return false, nil
	}
	c.entries[key] = &cacheEntry{value: cloneBytes(value), expiresAt: c.expiry(ttl)}
	return true, nil
}

// Incr increments the decimal counter under key.
func (c *MemoryCache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.expired(c.now()) {
		c.entries[key] = &cacheEntry{value: []byte("1"), expiresAt: c.expiry(ttl)}
		return 1, nil
	}

	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, err
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

// Delete removes keys.
func (c *MemoryCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		delete(c.entries, key)
	}
	return nil
}

// Keys returns live keys with the given prefix.
func (c *MemoryCache) Keys(ctx context.Context, prefix string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	var keys []string
	for key, e := range c.entries {
		if strings.HasPrefix(key, prefix) && !e.expired(now) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Ping always succeeds.
func (c *MemoryCache) Ping(ctx context.Context) error {
	return nil
}

// Close stops the cleanup goroutine.
func (c *MemoryCache) Close() error {
	c.Stop()
	return nil
}

// Size returns the number of stored entries, including expired ones
// not yet cleaned up. Useful for testing cleanup behavior.
func (c *MemoryCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Compile-time interface verification.
var _ outbound.Cache = (*MemoryCache)(nil)
