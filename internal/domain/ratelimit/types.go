// Package ratelimit provides rate limiting domain types and a fixed-window
// limiter on top of the shared cache.
package ratelimit

import (
	"fmt"
	"time"
)

// RateLimitConfig defines the rate limiting parameters.
type RateLimitConfig struct {
	// Rate is the number of allowed events in the period.
	Rate int

	// Burst is the maximum number of events that can occur at once.
	// Only the GCRA limiter uses it; zero means Rate.
	Burst int

	// Period is the time window for the rate limit.
	Period time.Duration
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	// Allowed indicates whether the request is allowed.
	Allowed bool

	// Remaining is the number of remaining requests in the current window.
	Remaining int

	// RetryAfter is the duration until the next request will be allowed.
	// Only meaningful when Allowed is false.
	RetryAfter time.Duration

	// ResetAfter is the duration until the rate limit resets.
	ResetAfter time.Duration
}

// keyPrefix is the base prefix for all rate limit keys.
const keyPrefix = "rate_limit"

// FormatKey returns the key for one client address on one route.
// Format: "rate_limit:{ip}:{route}"
// Example: FormatKey("10.0.0.1", "/auth/auth") -> "rate_limit:10.0.0.1:/auth/auth"
func FormatKey(ip, route string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, ip, route)
}
