package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/Sentinel-Gate/scriptgate/internal/port/outbound"
)

// FixedWindowLimiter counts requests per key in aligned windows of
// config.Period using the cache's atomic counter, so every instance sharing
// the cache shares the budget.
type FixedWindowLimiter struct {
	cache outbound.Cache
	now   func() time.Time
}

// FixedWindowOption configures a FixedWindowLimiter.
type FixedWindowOption func(*FixedWindowLimiter)

// WithFixedWindowClock overrides the time source.
func WithFixedWindowClock(now func() time.Time) FixedWindowOption {
	return func(l *FixedWindowLimiter) {
		l.now = now
	}
}

// NewFixedWindowLimiter creates a limiter over cache.
func NewFixedWindowLimiter(cache outbound.Cache, opts ...FixedWindowOption) *FixedWindowLimiter {
	l := &FixedWindowLimiter{cache: cache, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow increments the counter "<key>:<window>" and compares it to Rate.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string, config RateLimitConfig) (RateLimitResult, error) {
	if config.Rate <= 0 {
		config.Rate = 1
	}
	if config.Period <= 0 {
		config.Period = time.Minute
	}

	now := l.now()
	start := now.Truncate(config.Period)
	resetAfter := start.Add(config.Period).Sub(now)
	windowKey := fmt.Sprintf("%s:%d", key, start.Unix())

	n, err := l.cache.Incr(ctx, windowKey, config.Period)
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("rate limit counter: %w", err)
	}

	if n > int64(config.Rate) {
		return RateLimitResult{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: resetAfter,
			ResetAfter: resetAfter,
		}, nil
	}
	return RateLimitResult{
		Allowed:    true,
		Remaining:  config.Rate - int(n),
		ResetAfter: resetAfter,
	}, nil
}

// Compile-time interface verification.
var _ RateLimiter = (*FixedWindowLimiter)(nil)
