package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Sentinel-Gate/scriptgate/internal/domain/ratelimit"
)

// MemoryRateLimiter implements ratelimit.RateLimiter using GCRA in memory.
// Budgets are per process; use the cache-backed limiter to share them.
type MemoryRateLimiter struct {
	cells           map[string]time.Time // theoretical arrival time per key
	mu              sync.Mutex
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	maxTTL          time.Duration
	now             func() time.Time
	logger          *slog.Logger
}

// RateLimiterOption configures a MemoryRateLimiter.
type RateLimiterOption func(*MemoryRateLimiter)

// WithLimiterCleanup sets how often idle keys are swept and how long a key
// may stay idle.
func WithLimiterCleanup(interval, maxTTL time.Duration) RateLimiterOption {
	return func(r *MemoryRateLimiter) {
		r.cleanupInterval = interval
		r.maxTTL = maxTTL
	}
}

// WithLimiterClock overrides the time source.
func WithLimiterClock(now func() time.Time) RateLimiterOption {
	return func(r *MemoryRateLimiter) {
		r.now = now
	}
}

// WithLimiterLogger sets the logger used by the sweeper.
func WithLimiterLogger(logger *slog.Logger) RateLimiterOption {
	return func(r *MemoryRateLimiter) {
		r.logger = logger
	}
}

// NewRateLimiter creates a limiter sweeping every 5 minutes and dropping keys
// idle for an hour unless overridden.
func NewRateLimiter(opts ...RateLimiterOption) *MemoryRateLimiter {
	r := &MemoryRateLimiter{
		cells:           make(map[string]time.Time),
		stopChan:        make(chan struct{}),
		cleanupInterval: 5 * time.Minute,
		maxTTL:          time.Hour,
		now:             time.Now,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Allow applies GCRA: each request advances the key's theoretical arrival
// time by Period/Rate and is refused while that time is more than Burst
// emissions ahead of now.
func (r *MemoryRateLimiter) Allow(ctx context.Context, key string, config ratelimit.RateLimitConfig) (ratelimit.RateLimitResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	if config.Rate <= 0 {
		config.Rate = 1
	}
	if config.Period <= 0 {
		config.Period = time.Minute
	}
	emission := config.Period / time.Duration(config.Rate)

	if config.Burst <= 0 {
		config.Burst = config.Rate
	}
	burstOffset := time.Duration(config.Burst) * emission

	tat, exists := r.cells[key]
	if !exists || tat.Before(now) {
		tat = now
	}

	allowAt := tat.Add(emission - burstOffset)
	if now.Before(allowAt) {
		return ratelimit.RateLimitResult{
			Allowed:    false,
			RetryAfter: allowAt.Sub(now),
			ResetAfter: tat.Sub(now),
		}, nil
	}

	newTAT := tat.Add(emission)
	r.cells[key] = newTAT

	remaining := int((burstOffset - newTAT.Sub(now)) / emission)
	remaining = max(0, min(remaining, config.Burst))

	return ratelimit.RateLimitResult{
		Allowed:    true,
		Remaining:  remaining,
		ResetAfter: newTAT.Sub(now),
	}, nil
}

// StartCleanup starts the background sweeper. It stops when ctx is cancelled
// or Stop is called.
func (r *MemoryRateLimiter) StartCleanup(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.cleanup()
			}
		}
	}()
}

func (r *MemoryRateLimiter) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.maxTTL)
	cleaned := 0
	for key, tat := range r.cells {
		if tat.Before(cutoff) {
			delete(r.cells, key)
			cleaned++
		}
	}

	if cleaned > 0 {
		r.logger.Debug("rate limiter cleanup completed",
			"cleaned_keys", cleaned,
			"remaining_keys", len(r.cells))
	}
}

// Stop stops the sweeper and waits for it. Safe to call multiple times.
func (r *MemoryRateLimiter) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

// Size returns the number of tracked keys.
func (r *MemoryRateLimiter) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cells)
}

var _ ratelimit.RateLimiter = (*MemoryRateLimiter)(nil)
