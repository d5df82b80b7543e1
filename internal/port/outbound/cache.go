// Package outbound defines the outbound port interfaces for shared state:
// the TTL cache used for sessions, chunk windows and leases, and the
// versioned secret backend.
package outbound

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned when a key does not exist or has expired.
var ErrCacheMiss = errors.New("cache miss")

// Cache is a shared key/value store with per-entry expiry.
// Implementations: Redis (multi-instance), Badger (embedded), in-memory (dev/test).
//
// A ttl of zero means the entry never expires.
type Cache interface {
	// Get returns the value stored under key.
	// Returns ErrCacheMiss if the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value only if key is absent. Returns true if the value was stored.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Incr atomically increments the integer counter under key and returns
	// the new value. The ttl is applied only when the counter is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Delete removes the given keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// Keys returns every live key starting with prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
