package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sentinel-Gate/scriptgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/session"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/token"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/user"
)

type fakeUserStore struct {
	users map[int64]string
	err   error
}

func (f *fakeUserStore) GetUser(ctx context.Context, id int64) (*user.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	name, ok := f.users[id]
	if !ok {
		return nil, user.ErrUserNotFound
	}
	return &user.User{ID: id, Username: name}, nil
}

func (f *fakeUserStore) UpsertUser(ctx context.Context, u *user.User) error { return nil }
func (f *fakeUserStore) ListUsers(ctx context.Context) ([]user.User, error) { return nil, nil }

type authFixture struct {
	svc    *AuthService
	cache  *memory.MemoryCache
	tokens *token.Service
	issued atomic.Int64
	failed atomic.Int64
}

func newAuthFixture(t *testing.T, cfg AuthConfig) *authFixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cache := memory.NewCache()
	t.Cleanup(cache.Stop)
	sessions, err := session.NewStore(cache)
	if err != nil {
		t.Fatalf("session.NewStore() error: %v", err)
	}
	tokens := token.NewService(memory.NewSecretStore(), sessions, time.Minute, logger)
	if err := tokens.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}

	f := &authFixture{cache: cache, tokens: tokens}
	users := &fakeUserStore{users: map[int64]string{42: "alice"}}
	f.svc = NewAuthService(users, tokens, cache, cfg, logger,
		WithIssuedHook(func() { f.issued.Add(1) }),
		WithFailedHook(func() { f.failed.Add(1) }),
	)
	return f
}

func TestAuthService_Success(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newAuthFixture(t, AuthConfig{})

	issued, err := f.svc.Authenticate(ctx, "10.0.0.1", 42, "alice")
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if len(issued.EphemeralKey) != session.KeySize {
		t.Errorf("ephemeral key length = %d", len(issued.EphemeralKey))
	}
	claims, err := f.tokens.VerifyToken(ctx, issued.Token)
	if err != nil {
		t.Fatalf("VerifyToken() error: %v", err)
	}
	if claims.UserID != 42 {
		t.Errorf("uid = %d, want 42", claims.UserID)
	}
	if f.issued.Load() != 1 || f.failed.Load() != 0 {
		t.Errorf("hooks issued=%d failed=%d", f.issued.Load(), f.failed.Load())
	}
}

func TestAuthService_Mismatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		userID   int64
		username string
	}{
		{"unknown user", 7, "alice"},
		{"wrong username", 42, "bob"},
		{"case differs", 42, "Alice"},
		{"prefix", 42, "ali"},
		{"empty", 42, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newAuthFixture(t, AuthConfig{})

			_, err := f.svc.Authenticate(context.Background(), "10.0.0.2", tt.userID, tt.username)
			if !errors.Is(err, user.ErrAuthFailed) {
				t.Errorf("expected ErrAuthFailed, got %v", err)
			}
			n, err := f.svc.FailedAttempts(context.Background(), "10.0.0.2")
			if err != nil || n != 1 {
				t.Errorf("FailedAttempts() = %d, %v", n, err)
			}
		})
	}
}

func TestAuthService_StoreErrorNotAuthFailed(t *testing.T) {
	t.Parallel()

	f := newAuthFixture(t, AuthConfig{})
	boom := errors.New("db down")
	f.svc.users = &fakeUserStore{err: boom}

	_, err := f.svc.Authenticate(context.Background(), "10.0.0.3", 42, "alice")
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped store error, got %v", err)
	}
	if errors.Is(err, user.ErrAuthFailed) {
		t.Error("store outage reported as bad credentials")
	}
}

func TestAuthService_FlagsSuspiciousAtThreshold(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newAuthFixture(t, AuthConfig{FailedThreshold: 3})

	for i := 0; i < 2; i++ {
		_, _ = f.svc.Authenticate(ctx, "10.9.9.9", 42, "mallory")
	}
	if f.svc.IsSuspicious(ctx, "10.9.9.9") {
		t.Fatal("flagged below threshold")
	}

	_, _ = f.svc.Authenticate(ctx, "10.9.9.9", 42, "mallory")
	if !f.svc.IsSuspicious(ctx, "10.9.9.9") {
		t.Fatal("not flagged at threshold")
	}
	if f.svc.IsSuspicious(ctx, "10.0.0.1") {
		t.Error("unrelated ip flagged")
	}
	if f.failed.Load() != 3 {
		t.Errorf("failed hook = %d, want 3", f.failed.Load())
	}
}

func TestAuthService_BlockSuspicious(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	allow := newAuthFixture(t, AuthConfig{FailedThreshold: 1})
	_, _ = allow.svc.Authenticate(ctx, "10.1.1.1", 42, "x")
	if _, err := allow.svc.Authenticate(ctx, "10.1.1.1", 42, "alice"); err != nil {
		t.Errorf("flagged ip refused without block_suspicious: %v", err)
	}

	block := newAuthFixture(t, AuthConfig{FailedThreshold: 1, BlockSuspicious: true})
	_, _ = block.svc.Authenticate(ctx, "10.1.1.1", 42, "x")
	if _, err := block.svc.Authenticate(ctx, "10.1.1.1", 42, "alice"); !errors.Is(err, user.ErrAuthFailed) {
		t.Errorf("expected ErrAuthFailed for blocked ip, got %v", err)
	}
	if _, err := block.svc.Authenticate(ctx, "10.2.2.2", 42, "alice"); err != nil {
		t.Errorf("clean ip refused: %v", err)
	}
}
