// Package http is the inbound HTTP adapter.
//
// # Endpoints
//
//	POST {prefix}/auth/auth                          - {user_id, username} -> {session_token, ephemeral_key, expires_at}
//	GET  {prefix}/script/script_chunk/{i}?token=...  - sealed, signed chunk i of the current window
//	POST {prefix}/telemetry?token=...                - {event, details} -> {status: "logged"}
//	GET  {prefix}/keys                               - JWKS of retained signing keys plus active_key_id
//	GET  /health                                     - per-dependency status and latency
//	GET  /metrics                                    - Prometheus metrics
//
// # Errors
//
// Every error is {"error": "<reason>"} with a stable reason; see the Reason
// constants. Internal error text is logged, never returned.
//
// # Middleware Chain
//
//  1. MetricsMiddleware - duration and count per route
//  2. RequestIDMiddleware - X-Request-ID and request logger
//  3. RealIPMiddleware - client address from proxy headers
//  4. CORSMiddleware - configured origins only
//  5. RateLimitMiddleware - per IP and route, skips /health and /metrics
//  6. BodyLimitMiddleware - 413 over max bytes, 400 over max JSON depth
package http
