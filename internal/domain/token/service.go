// Package token issues and verifies HS256 session tokens. The signing secret
// is read from the secret store on every call so a rotated secret takes
// effect without a restart. Issuing a token also creates the session's
// ephemeral key.
package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Sentinel-Gate/scriptgate/internal/domain/session"
	"github.com/Sentinel-Gate/scriptgate/internal/port/outbound"
)

const (
	// SecretPath is where the JWT signing secret lives.
	SecretPath = "jwt_secret"
	// SecretField is the field holding the secret value.
	SecretField = "value"

	// DefaultExpiration is the token lifetime.
	DefaultExpiration = 10 * time.Minute

	secretBytes = 32
)

var (
	// ErrTokenExpired is returned for a well-formed token past its exp.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid is returned for a bad signature or malformed token.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrSecretMissing is returned when no signing secret is stored.
	ErrSecretMissing = errors.New("jwt secret not initialized")
)

// Claims is the token payload.
type Claims struct {
	UserID   int64  `json:"uid"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Issued is the result of a successful CreateToken.
type Issued struct {
	Token        string
	EphemeralKey []byte
	ExpiresAt    time.Time
	Claims       *Claims
}

// Service creates and verifies tokens.
type Service struct {
	secrets    outbound.SecretStore
	sessions   *session.Store
	expiration time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source for issuing and validation.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a Service. A zero expiration uses DefaultExpiration.
func NewService(secrets outbound.SecretStore, sessions *session.Store, expiration time.Duration, logger *slog.Logger, opts ...Option) *Service {
	if expiration <= 0 {
		expiration = DefaultExpiration
	}
	s := &Service{
		secrets:    secrets,
		sessions:   sessions,
		expiration: expiration,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Expiration returns the token lifetime.
func (s *Service) Expiration() time.Duration {
	return s.expiration
}

// Initialize stores a random signing secret if none exists.
func (s *Service) Initialize(ctx context.Context) error {
	_, err := s.secret(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrSecretMissing) {
		return err
	}
	return s.RotateSecret(ctx)
}

// RotateSecret writes a new random signing secret. Tokens signed with the
// previous secret stop verifying.
func (s *Service) RotateSecret(ctx context.Context) error {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("generate jwt secret: %w", err)
	}
	value := base64.StdEncoding.EncodeToString(buf)
	if err := s.secrets.Put(ctx, SecretPath, map[string]string{SecretField: value}); err != nil {
		return fmt.Errorf("store jwt secret: %w", err)
	}
	s.logger.Info("jwt secret written", "path", SecretPath)
	return nil
}

func (s *Service) secret(ctx context.Context) ([]byte, error) {
	data, err := s.secrets.Get(ctx, SecretPath)
	if errors.Is(err, outbound.ErrSecretNotFound) {
		return nil, ErrSecretMissing
	}
	if err != nil {
		return nil, fmt.Errorf("read jwt secret: %w", err)
	}
	value := data[SecretField]
	if value == "" {
		return nil, ErrSecretMissing
	}
	return []byte(value), nil
}

// CreateToken signs a token for the user and creates its ephemeral key with
// the same lifetime.
func (s *Service) CreateToken(ctx context.Context, userID int64, username string) (*Issued, error) {
	secret, err := s.secret(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	expiresAt := now.Add(s.expiration)
	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	entry, err := s.sessions.Create(ctx, signed, userID, s.expiration)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("session token issued", "user_id", userID, "jti", claims.ID)
	return &Issued{
		Token:        signed,
		EphemeralKey: entry.Key,
		ExpiresAt:    claims.ExpiresAt.Time,
		Claims:       claims,
	}, nil
}

// VerifyToken checks the signature and expiry. It does not look at the
// session store.
func (s *Service) VerifyToken(ctx context.Context, tokenString string) (*Claims, error) {
	secret, err := s.secret(ctx)
	if err != nil {
		return nil, err
	}

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (interface{}, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, fmt.Errorf("%w: %w", ErrTokenExpired, err)
	default:
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
}
