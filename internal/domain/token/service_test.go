package token

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Sentinel-Gate/scriptgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/session"
	"github.com/Sentinel-Gate/scriptgate/internal/port/outbound"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc      *Service
	secrets  *memory.MemorySecretStore
	sessions *session.Store
	clock    *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	secrets := memory.NewSecretStore()
	sessions, err := session.NewStore(memory.NewCache(), session.WithClock(clk.Now))
	if err != nil {
		t.Fatal(err)
	}
	svc := NewService(secrets, sessions, 10*time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)), WithClock(clk.Now))
	if err := svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	return &fixture{svc: svc, secrets: secrets, sessions: sessions, clock: clk}
}

func TestInitialize_Idempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if err := f.svc.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize() error: %v", err)
	}
	if n := f.secrets.Versions(SecretPath); n != 1 {
		t.Errorf("secret versions = %d, want 1", n)
	}
}

func TestCreateVerify_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	issued, err := f.svc.CreateToken(ctx, 42, "alice")
	if err != nil {
		t.Fatalf("CreateToken() error: %v", err)
	}
	if len(issued.EphemeralKey) != session.KeySize {
		t.Errorf("ephemeral key = %d bytes, want %d", len(issued.EphemeralKey), session.KeySize)
	}
	if want := f.clock.Now().Add(10 * time.Minute); !issued.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", issued.ExpiresAt, want)
	}

	claims, err := f.svc.VerifyToken(ctx, issued.Token)
	if err != nil {
		t.Fatalf("VerifyToken() error: %v", err)
	}
	if claims.UserID != 42 || claims.Username != "alice" {
		t.Errorf("claims = {%d %q}, want {42 alice}", claims.UserID, claims.Username)
	}
	if claims.ID == "" {
		t.Error("token has no jti")
	}

	entry, err := f.sessions.Lookup(ctx, issued.Token)
	if err != nil {
		t.Fatalf("session Lookup() error: %v", err)
	}
	if !bytes.Equal(entry.Key, issued.EphemeralKey) {
		t.Error("stored ephemeral key differs from issued key")
	}
}

func TestCreateToken_SameSecondTokensDiffer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	a, _ := f.svc.CreateToken(ctx, 1, "u")
	b, _ := f.svc.CreateToken(ctx, 1, "u")
	if a.Token == b.Token {
		t.Error("tokens issued in the same second are identical")
	}
	if bytes.Equal(a.EphemeralKey, b.EphemeralKey) {
		t.Error("tokens share an ephemeral key")
	}
}

func TestVerifyToken_Expired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	issued, err := f.svc.CreateToken(ctx, 1, "u")
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(10 * time.Minute)

	_, err = f.svc.VerifyToken(ctx, issued.Token)
	if !errors.Is(err, ErrTokenExpired) {
		t.Errorf("VerifyToken() error = %v, want ErrTokenExpired", err)
	}
	if _, err := f.sessions.Lookup(ctx, issued.Token); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("session still live after expiry: %v", err)
	}
}

func TestVerifyToken_Invalid(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	issued, err := f.svc.CreateToken(ctx, 1, "u")
	if err != nil {
		t.Fatal(err)
	}

	parts := strings.Split(issued.Token, ".")
	tampered := parts[0] + "." + parts[1] + ".AAAA" + parts[2][4:]

	noneToken, _ := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: 1}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	otherKey, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID:           1,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(f.clock.Now().Add(time.Minute))},
	}).SignedString([]byte("not-the-secret"))

	stored, _ := f.secrets.Get(ctx, SecretPath)
	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{UserID: 1}).SignedString([]byte(stored[SecretField]))

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"tampered signature", tampered},
		{"alg none", noneToken},
		{"wrong secret", otherKey},
		{"missing exp", noExp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.VerifyToken(ctx, tt.token)
			if !errors.Is(err, ErrTokenInvalid) {
				t.Errorf("VerifyToken() error = %v, want ErrTokenInvalid", err)
			}
		})
	}
}

func TestVerifyToken_SecretFetchedFresh(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	issued, err := f.svc.CreateToken(ctx, 1, "u")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.RotateSecret(ctx); err != nil {
		t.Fatalf("RotateSecret() error: %v", err)
	}

	if _, err := f.svc.VerifyToken(ctx, issued.Token); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("old token after secret rotation error = %v, want ErrTokenInvalid", err)
	}
	fresh, err := f.svc.CreateToken(ctx, 1, "u")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.VerifyToken(ctx, fresh.Token); err != nil {
		t.Errorf("new token error: %v", err)
	}
}

func TestCreateToken_NoSecret(t *testing.T) {
	t.Parallel()

	sessions, _ := session.NewStore(memory.NewCache())
	svc := NewService(memory.NewSecretStore(), sessions, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if svc.Expiration() != DefaultExpiration {
		t.Errorf("Expiration() = %v, want %v", svc.Expiration(), DefaultExpiration)
	}
	if _, err := svc.CreateToken(context.Background(), 1, "u"); !errors.Is(err, ErrSecretMissing) {
		t.Errorf("CreateToken() error = %v, want ErrSecretMissing", err)
	}
}

type brokenSecrets struct{ outbound.SecretStore }

func (brokenSecrets) Get(context.Context, string) (map[string]string, error) {
	return nil, errors.New("connection refused")
}

func TestVerifyToken_SecretStoreDown(t *testing.T) {
	t.Parallel()

	sessions, _ := session.NewStore(memory.NewCache())
	svc := NewService(brokenSecrets{memory.NewSecretStore()}, sessions, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := svc.VerifyToken(context.Background(), "a.b.c")
	if err == nil || errors.Is(err, ErrTokenInvalid) {
		t.Errorf("VerifyToken() error = %v, want a backend error", err)
	}
}
