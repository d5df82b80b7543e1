package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Sentinel-Gate/scriptgate/internal/adapter/outbound/badger"
	"github.com/Sentinel-Gate/scriptgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/scriptgate/internal/adapter/outbound/redis"
	"github.com/Sentinel-Gate/scriptgate/internal/adapter/outbound/secretfile"
	"github.com/Sentinel-Gate/scriptgate/internal/adapter/outbound/sqlstore"
	"github.com/Sentinel-Gate/scriptgate/internal/adapter/outbound/vault"
	"github.com/Sentinel-Gate/scriptgate/internal/config"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/scriptgate/internal/port/outbound"
)

const (
	redisNamespace   = "scriptgate:"
	badgerGCInterval = 5 * time.Minute
)

// backends holds the stores every command shares.
type backends struct {
	cache   outbound.Cache
	secrets outbound.SecretStore
	db      *sqlstore.Store
}

// openBackends opens the cache, secret store and database selected in cfg.
// On failure anything already opened is closed.
func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{}

	cache, err := openCache(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	b.cache = cache

	secrets, err := openSecrets(cfg, logger)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	b.secrets = secrets

	db, err := sqlstore.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	b.db = db

	logger.Debug("backends opened",
		"cache", cfg.Cache.Backend,
		"secrets", cfg.Secrets.Backend,
		"database", cfg.Database.Driver,
	)
	return b, nil
}

// Close closes the database and the cache.
func (b *backends) Close() error {
	var errs []error
	if b.db != nil {
		errs = append(errs, b.db.Close())
	}
	if b.cache != nil {
		errs = append(errs, b.cache.Close())
	}
	return errors.Join(errs...)
}

func openCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) (outbound.Cache, error) {
	switch cfg.Cache.Backend {
	case "redis":
		c, err := redis.New(ctx, redis.Config{
			Addr:      cfg.Cache.Redis.Addr,
			Password:  cfg.Cache.Redis.Password,
			DB:        cfg.Cache.Redis.DB,
			Namespace: redisNamespace,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis cache: %w", err)
		}
		return c, nil
	case "badger":
		c, err := badger.Open(badger.Config{
			Path:       cfg.Cache.Badger.Dir,
			InMemory:   cfg.Cache.Badger.Dir == "",
			GCInterval: badgerGCInterval,
		}, logger)
		if err != nil {
			return nil, err
		}
		c.StartGC(ctx, badgerGCInterval)
		return c, nil
	case "memory", "":
		c := memory.NewCache()
		c.StartCleanup(ctx)
		return c, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

func openSecrets(cfg *config.Config, logger *slog.Logger) (outbound.SecretStore, error) {
	switch cfg.Secrets.Backend {
	case "vault":
		s, err := vault.New(vault.Config{
			Addr:      cfg.Secrets.Vault.Addr,
			Token:     cfg.Secrets.Vault.Token,
			Mount:     cfg.Secrets.Vault.Mount,
			Namespace: cfg.Secrets.Vault.Namespace,
			Timeout:   config.Duration(cfg.Secrets.Vault.Timeout),
		})
		if err != nil {
			return nil, fmt.Errorf("open vault secrets: %w", err)
		}
		return s, nil
	case "file":
		var opts []secretfile.Option
		if cfg.Secrets.File.Passphrase != "" {
			opts = append(opts, secretfile.WithPassphrase(cfg.Secrets.File.Passphrase))
		}
		return secretfile.New(cfg.Secrets.File.Path, logger, opts...), nil
	case "memory", "":
		logger.Warn("using in-memory secrets; keys and the JWT secret are lost on restart")
		return memory.NewSecretStore(), nil
	default:
		return nil, fmt.Errorf("unknown secrets backend %q", cfg.Secrets.Backend)
	}
}

// newRateLimiter returns the limiter selected by rate_limit.backend and a
// stop function for its background work.
func newRateLimiter(ctx context.Context, cfg *config.Config, cache outbound.Cache, logger *slog.Logger) (ratelimit.RateLimiter, func()) {
	if cfg.RateLimit.Backend == "cache" {
		return ratelimit.NewFixedWindowLimiter(cache), func() {}
	}
	limiter := memory.NewRateLimiter(memory.WithLimiterLogger(logger))
	limiter.StartCleanup(ctx)
	return limiter, limiter.Stop
}

// rateLimitConfig converts the rate_limit section.
func rateLimitConfig(cfg *config.Config) ratelimit.RateLimitConfig {
	return ratelimit.RateLimitConfig{
		Rate:   cfg.RateLimit.Requests,
		Burst:  cfg.RateLimit.Requests,
		Period: config.Duration(cfg.RateLimit.Period),
	}
}
