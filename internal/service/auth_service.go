// Package service contains application services that coordinate domain
// components with stores.
package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Sentinel-Gate/scriptgate/internal/domain/token"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/user"
	"github.com/Sentinel-Gate/scriptgate/internal/port/outbound"
)

// Cache key prefixes for failed-auth tracking.
const (
	failedAuthPrefix   = "failed_auth:"
	suspiciousIPPrefix = "suspicious_ip:"
)

// Defaults for AuthConfig.
const (
	DefaultFailedThreshold = 5
	DefaultFailedWindow    = time.Hour
	DefaultSuspiciousTTL   = 24 * time.Hour
)

// TokenIssuer issues a session token and its ephemeral key.
type TokenIssuer interface {
	CreateToken(ctx context.Context, userID int64, username string) (*token.Issued, error)
}

// AuthConfig controls failed-auth tracking.
type AuthConfig struct {
	FailedThreshold int
	FailedWindow    time.Duration
	SuspiciousTTL   time.Duration
	BlockSuspicious bool
}

// AuthService authenticates callers against the authorized-user store and
// issues session tokens. Failed attempts are counted per client IP in the
// shared cache; an IP reaching the threshold is flagged as suspicious.
type AuthService struct {
	users  user.Store
	tokens TokenIssuer
	cache  outbound.Cache
	cfg    AuthConfig
	logger *slog.Logger

	onIssued func()
	onFailed func()
}

// AuthOption configures AuthService.
type AuthOption func(*AuthService)

// WithIssuedHook is called once per issued token.
func WithIssuedHook(fn func()) AuthOption {
	return func(s *AuthService) {
		s.onIssued = fn
	}
}

// WithFailedHook is called once per failed attempt.
func WithFailedHook(fn func()) AuthOption {
	return func(s *AuthService) {
		s.onFailed = fn
	}
}

// NewAuthService creates an AuthService. Zero config values take defaults.
func NewAuthService(users user.Store, tokens TokenIssuer, cache outbound.Cache, cfg AuthConfig, logger *slog.Logger, opts ...AuthOption) *AuthService {
	if cfg.FailedThreshold <= 0 {
		cfg.FailedThreshold = DefaultFailedThreshold
	}
	if cfg.FailedWindow <= 0 {
		cfg.FailedWindow = DefaultFailedWindow
	}
	if cfg.SuspiciousTTL <= 0 {
		cfg.SuspiciousTTL = DefaultSuspiciousTTL
	}
	s := &AuthService{
		users:    users,
		tokens:   tokens,
		cache:    cache,
		cfg:      cfg,
		logger:   logger,
		onIssued: func() {},
		onFailed: func() {},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Authenticate checks that userID exists with exactly username and issues a
// token. Every credential mismatch returns user.ErrAuthFailed; store and
// token failures are returned wrapped.
func (s *AuthService) Authenticate(ctx context.Context, ip string, userID int64, username string) (*token.Issued, error) {
	if s.cfg.BlockSuspicious && s.IsSuspicious(ctx, ip) {
		s.logger.Warn("auth rejected for suspicious ip", "ip", ip)
		s.onFailed()
		return nil, user.ErrAuthFailed
	}

	u, err := s.users.GetUser(ctx, userID)
	switch {
	case errors.Is(err, user.ErrUserNotFound):
		s.recordFailure(ctx, ip)
		return nil, user.ErrAuthFailed
	case err != nil:
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(u.Username), []byte(username)) != 1 {
		s.recordFailure(ctx, ip)
		return nil, user.ErrAuthFailed
	}

	issued, err := s.tokens.CreateToken(ctx, u.ID, u.Username)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	s.onIssued()
	s.logger.Info("token issued", "user_id", u.ID)
	return issued, nil
}

// IsSuspicious reports whether ip is currently flagged. Cache errors count
// as not flagged.
func (s *AuthService) IsSuspicious(ctx context.Context, ip string) bool {
	_, err := s.cache.Get(ctx, suspiciousIPPrefix+ip)
	if err != nil && !errors.Is(err, outbound.ErrCacheMiss) {
		s.logger.Warn("suspicious ip lookup failed", "ip", ip, "error", err)
	}
	return err == nil
}

// FailedAttempts returns the failures counted for ip in the current window.
func (s *AuthService) FailedAttempts(ctx context.Context, ip string) (int64, error) {
	raw, err := s.cache.Get(ctx, failedAuthPrefix+ip)
	if errors.Is(err, outbound.ErrCacheMiss) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(raw), 10, 64)
}

func (s *AuthService) recordFailure(ctx context.Context, ip string) {
	s.onFailed()

	n, err := s.cache.Incr(ctx, failedAuthPrefix+ip, s.cfg.FailedWindow)
	if err != nil {
		s.logger.Warn("failed to count failed auth", "ip", ip, "error", err)
		return
	}
	s.logger.Info("failed auth", "ip", ip, "count", n)

	if n != int64(s.cfg.FailedThreshold) {
		return
	}
	if err := s.cache.Set(ctx, suspiciousIPPrefix+ip, []byte(strconv.FormatInt(n, 10)), s.cfg.SuspiciousTTL); err != nil {
		s.logger.Warn("failed to flag suspicious ip", "ip", ip, "error", err)
		return
	}
	s.logger.Warn("suspicious ip flagged", "ip", ip, "failed_attempts", n, "ttl", s.cfg.SuspiciousTTL)
}
