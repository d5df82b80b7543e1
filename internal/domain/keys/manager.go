// Package keys manages the versioned RSA signing keys. Every rotation writes
// a new pair under its own id and then moves the active pointer to it; old
// pairs are retained so earlier signatures stay verifiable.
package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Sentinel-Gate/scriptgate/internal/port/outbound"
)

const (
	// ActiveKeyPath is the secret holding the active pointer {key_id}.
	ActiveKeyPath = "active_rsa_key"
	// KeyPathPrefix is the directory holding one secret per key pair.
	KeyPathPrefix = "rsa_keys/"
	// DefaultBits is the RSA modulus size.
	DefaultBits = 2048
)

var (
	// ErrKeyNotFound is returned when the active pointer or a referenced
	// pair does not exist.
	ErrKeyNotFound = errors.New("key not found")
	// ErrSecretStore wraps failures of the secret backend.
	ErrSecretStore = errors.New("secret store error")
)

var tracer = otel.Tracer("github.com/Sentinel-Gate/scriptgate/internal/domain/keys")

// KeyPair is one stored RSA key pair.
type KeyPair struct {
	ID         string
	PrivateKey *rsa.PrivateKey
	PrivatePEM []byte
	PublicPEM  []byte
	CreatedAt  time.Time
}

// PublicKey is the public half of a stored pair.
type PublicKey struct {
	ID        string
	Key       *rsa.PublicKey
	PEM       []byte
	CreatedAt time.Time
}

// Manager generates, rotates and resolves key pairs in a SecretStore.
type Manager struct {
	store  outbound.SecretStore
	logger *slog.Logger
	bits   int
	now    func() time.Time
	rand   io.Reader

	mu        sync.Mutex
	lastNanos int64
	pairs     map[string]*KeyPair

	rotations atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithBits sets the RSA modulus size.
func WithBits(bits int) Option {
	return func(m *Manager) {
		if bits > 0 {
			m.bits = bits
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager on top of store.
func NewManager(store outbound.SecretStore, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		logger: logger,
		bits:   DefaultBits,
		now:    time.Now,
		rand:   rand.Reader,
		pairs:  make(map[string]*KeyPair),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GenerateKeyPair returns a fresh PKCS#8 private key and SubjectPublicKeyInfo
// public key, both PEM encoded.
func (m *Manager) GenerateKeyPair() (privatePEM, publicPEM []byte, err error) {
	priv, err := rsa.GenerateKey(m.rand, m.bits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate rsa key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal public key: %w", err)
	}
	privatePEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	publicPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privatePEM, publicPEM, nil
}

// nextID returns "<19-digit unix nanos>-<8 hex>". Nanos never repeat within
// a Manager, so ids sort in creation order.
func (m *Manager) nextID() (string, error) {
	var salt [4]byte
	if _, err := io.ReadFull(m.rand, salt[:]); err != nil {
		return "", fmt.Errorf("key id salt: %w", err)
	}

	m.mu.Lock()
	n := m.now().UnixNano()
	if n <= m.lastNanos {
		n = m.lastNanos + 1
	}
	m.lastNanos = n
	m.mu.Unlock()

	return fmt.Sprintf("%019d-%s", n, hex.EncodeToString(salt[:])), nil
}

// RotateKeys generates a new pair, stores it and makes it active.
// A failure between the two writes leaves an orphaned pair that is never
// selected.
func (m *Manager) RotateKeys(ctx context.Context) (string, error) {
	ctx, span := tracer.Start(ctx, "keys.rotate")
	defer span.End()

	privPEM, pubPEM, err := m.GenerateKeyPair()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	id, err := m.nextID()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.String("key_id", id))

	createdAt := m.now().UTC()
	pair := map[string]string{
		"private_key": base64.StdEncoding.EncodeToString(privPEM),
		"public_key":  base64.StdEncoding.EncodeToString(pubPEM),
		"created_at":  createdAt.Format(time.RFC3339Nano),
	}
	if err := m.store.Put(ctx, KeyPathPrefix+id, pair); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("%w: write key pair %s: %w", ErrSecretStore, id, err)
	}
	if err := m.store.Put(ctx, ActiveKeyPath, map[string]string{"key_id": id}); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("%w: update active key pointer: %w", ErrSecretStore, err)
	}

	m.rotations.Add(1)
	m.logger.Info("rsa key rotated", "key_id", id)
	return id, nil
}

// ActiveKeyID reads the active pointer.
func (m *Manager) ActiveKeyID(ctx context.Context) (string, error) {
	data, err := m.store.Get(ctx, ActiveKeyPath)
	if errors.Is(err, outbound.ErrSecretNotFound) {
		return "", fmt.Errorf("%w: no active key pointer", ErrKeyNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("%w: read active key pointer: %w", ErrSecretStore, err)
	}
	id := data["key_id"]
	if id == "" {
		return "", fmt.Errorf("%w: active key pointer is empty", ErrKeyNotFound)
	}
	return id, nil
}

// ActiveKey resolves the active pointer and returns its pair.
func (m *Manager) ActiveKey(ctx context.Context) (*KeyPair, error) {
	id, err := m.ActiveKeyID(ctx)
	if err != nil {
		return nil, err
	}
	return m.pair(ctx, id)
}

// InitializeIfNeeded creates the first pair when no active pointer exists.
// A pointer to a missing pair is repaired the same way.
func (m *Manager) InitializeIfNeeded(ctx context.Context) error {
	_, err := m.ActiveKey(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return err
	}
	m.logger.Info("no usable active rsa key, generating one", "reason", err.Error())
	_, err = m.RotateKeys(ctx)
	return err
}

// PublicKey returns the public half of pair id, active or not.
func (m *Manager) PublicKey(ctx context.Context, id string) (*PublicKey, error) {
	m.mu.Lock()
	cached, ok := m.pairs[id]
	m.mu.Unlock()
	if ok {
		return &PublicKey{ID: id, Key: &cached.PrivateKey.PublicKey, PEM: cached.PublicPEM, CreatedAt: cached.CreatedAt}, nil
	}

	data, err := m.read(ctx, id)
	if err != nil {
		return nil, err
	}
	pubPEM, err := base64.StdEncoding.DecodeString(data["public_key"])
	if err != nil {
		return nil, fmt.Errorf("decode public key %s: %w", id, err)
	}
	pub, err := ParsePublicKeyPEM(pubPEM)
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", id, err)
	}
	return &PublicKey{ID: id, Key: pub, PEM: pubPEM, CreatedAt: m.createdAt(id, data)}, nil
}

// ListKeys returns every retained public key ordered by id (oldest first).
func (m *Manager) ListKeys(ctx context.Context) ([]*PublicKey, error) {
	names, err := m.store.List(ctx, KeyPathPrefix)
	if err != nil {
		return nil, fmt.Errorf("%w: list keys: %w", ErrSecretStore, err)
	}
	sort.Strings(names)

	out := make([]*PublicKey, 0, len(names))
	for _, name := range names {
		if strings.HasSuffix(name, "/") {
			continue
		}
		pk, err := m.PublicKey(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, nil
}

// Rotations reports how many rotations this Manager performed.
func (m *Manager) Rotations() int64 {
	return m.rotations.Load()
}

func (m *Manager) read(ctx context.Context, id string) (map[string]string, error) {
	data, err := m.store.Get(ctx, KeyPathPrefix+id)
	if errors.Is(err, outbound.ErrSecretNotFound) {
		return nil, fmt.Errorf("%w: key pair %s", ErrKeyNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read key pair %s: %w", ErrSecretStore, id, err)
	}
	return data, nil
}

// pair loads and parses pair id. Pairs are immutable, so parsed pairs are
// cached for the life of the Manager.
func (m *Manager) pair(ctx context.Context, id string) (*KeyPair, error) {
	m.mu.Lock()
	cached, ok := m.pairs[id]
	m.mu.Unlock()
	if ok {
		return cached, nil
	}

	data, err := m.read(ctx, id)
	if err != nil {
		return nil, err
	}
	privPEM, err := base64.StdEncoding.DecodeString(data["private_key"])
	if err != nil {
		return nil, fmt.Errorf("decode private key %s: %w", id, err)
	}
	pubPEM, err := base64.StdEncoding.DecodeString(data["public_key"])
	if err != nil {
		return nil, fmt.Errorf("decode public key %s: %w", id, err)
	}
	priv, err := ParsePrivateKeyPEM(privPEM)
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", id, err)
	}
	kp := &KeyPair{ID: id, PrivateKey: priv, PrivatePEM: privPEM, PublicPEM: pubPEM, CreatedAt: m.createdAt(id, data)}
	m.mu.Lock()
	m.pairs[id] = kp
	m.mu.Unlock()
	return kp, nil
}

// createdAt parses the stored creation time. A corrupt value yields the zero
// time; the key itself stays usable.
func (m *Manager) createdAt(id string, data map[string]string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		m.logger.Warn("key pair has invalid created_at",
			"key_id", id,
			"value", data["created_at"],
			"error", err,
		)
		return time.Time{}
	}
	return t
}
