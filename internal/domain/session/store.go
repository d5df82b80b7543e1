// Package session holds the per-session ephemeral AES keys. Each issued
// token gets a fresh random key stored in the shared cache under a hash of
// the token, with the token's lifetime as TTL.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/Sentinel-Gate/scriptgate/internal/port/outbound"
)

const (
	// KeySize is the ephemeral key length (AES-256).
	KeySize = 32

	keyPrefix = "ephemeral:"

	// deriveContext separates session cache keys from any other blake3 use.
	deriveContext = "scriptgate 2026-01-01 ephemeral session cache key"
)

// ErrSessionNotFound is returned when no live entry exists for a token.
var ErrSessionNotFound = errors.New("session not found")

var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Entry is the cached session record.
type Entry struct {
	UserID    int64     `cbor:"uid"`
	Key       []byte    `cbor:"key"`
	ExpiresAt time.Time `cbor:"expires_at"`
}

// Store keeps ephemeral keys in an outbound.Cache.
type Store struct {
	cache   outbound.Cache
	hashKey []byte
	now     func() time.Time
	rand    io.Reader
}

// Option configures a Store.
type Option func(*Store)

// WithHashKey keys the token hash with a 32-byte secret.
func WithHashKey(key []byte) Option {
	return func(s *Store) {
		s.hashKey = key
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a Store.
func NewStore(cache outbound.Cache, opts ...Option) (*Store, error) {
	s := &Store{
		cache: cache,
		now:   time.Now,
		rand:  rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hashKey != nil && len(s.hashKey) != 32 {
		return nil, fmt.Errorf("session hash key must be 32 bytes, got %d", len(s.hashKey))
	}
	return s, nil
}

// KeyFor returns the cache key for token. Raw tokens are never used as keys.
func (s *Store) KeyFor(token string) string {
	var h *blake3.Hasher
	if s.hashKey != nil {
		// Length was validated in NewStore.
		h, _ = blake3.NewKeyed(s.hashKey)
	} else {
		h = blake3.NewDeriveKey(deriveContext)
	}
	_, _ = h.WriteString(token)
	return keyPrefix + hex.EncodeToString(h.Sum(nil))
}

// Create generates a random key for token and stores it for ttl.
func (s *Store) Create(ctx context.Context, token string, userID int64, ttl time.Duration) (*Entry, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(s.rand, key); err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	entry := &Entry{
		UserID:    userID,
		Key:       key,
		ExpiresAt: s.now().Add(ttl).UTC(),
	}
	data, err := encMode.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	if err := s.cache.Set(ctx, s.KeyFor(token), data, ttl); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	return entry, nil
}

// Lookup returns the entry for token, or ErrSessionNotFound when it is
// missing or past its expiry.
func (s *Store) Lookup(ctx context.Context, token string) (*Entry, error) {
	data, err := s.cache.Get(ctx, s.KeyFor(token))
	if errors.Is(err, outbound.ErrCacheMiss) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}

	var entry Entry
	if err := cbor.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	// Double-check expiration (the cache might not enforce it precisely)
	if !s.now().Before(entry.ExpiresAt) {
		return nil, ErrSessionNotFound
	}
	if len(entry.Key) != KeySize {
		return nil, fmt.Errorf("decode session: key is %d bytes", len(entry.Key))
	}
	return &entry, nil
}

// Delete removes the entry for token.
func (s *Store) Delete(ctx context.Context, token string) error {
	return s.cache.Delete(ctx, s.KeyFor(token))
}
