package ratelimit

import "context"

// RateLimiter decides whether a request identified by key fits the budget
// described by config.
//
// Two implementations exist: a GCRA limiter held in process memory and a
// fixed-window counter over the shared cache. The cache-backed one is used
// when several instances must share the budget of one client.
type RateLimiter interface {
	// Allow records one request for key and reports whether it is allowed.
	// When it is not, RetryAfter says when the next request will be.
	Allow(ctx context.Context, key string, config RateLimitConfig) (RateLimitResult, error)
}
