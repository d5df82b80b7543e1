package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/Sentinel-Gate/scriptgate/internal/ctxkey"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/ratelimit"
)

// requestIDContextKey is the type for the request ID context key.
type requestIDContextKey struct{}

// RequestIDKey is the context key for the request ID.
var RequestIDKey = requestIDContextKey{}

type clientIPContextKey struct{}

// ClientIPKey is the context key for the client address set by RealIPMiddleware.
var ClientIPKey = clientIPContextKey{}

// LoggerKey is the context key for the enriched logger.
// Uses shared key type from ctxkey package to allow cross-package access without import cycles.
var LoggerKey = ctxkey.LoggerKey{}

// RequestIDMiddleware extracts or generates a request ID and enriches the logger.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" || len(requestID) > 128 {
				requestID = uuid.New().String()
			}

			enrichedLogger := logger.With("request_id", requestID)

			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			ctx = context.WithValue(ctx, LoggerKey, enrichedLogger)

			w.Header().Set("X-Request-ID", requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched logger from context.
// Returns slog.Default() if no logger is in context.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// ClientIPFromContext returns the address stored by RealIPMiddleware.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(ClientIPKey).(string)
	return ip
}

// RealIPMiddleware stores the client address in the context and adds it to
// the request logger.
func RealIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := extractRealIP(r)
		ctx := context.WithValue(r.Context(), ClientIPKey, ip)
		ctx = context.WithValue(ctx, LoggerKey, LoggerFromContext(ctx).With("client_ip", ip))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractRealIP takes the first X-Forwarded-For entry, then X-Real-IP, then
// the host part of RemoteAddr.
func extractRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// CORSMiddleware allows the configured origins. An empty list adds no CORS
// headers, so browsers fall back to same-origin.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		// cors treats an empty list as "*".
		return func(next http.Handler) http.Handler { return next }
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		MaxAge:         600,
	})
	return c.Handler
}

// RateLimitMiddleware applies limiter per client IP and route. /health and
// /metrics are exempt. Limiter failures let the request through.
func RateLimitMiddleware(limiter ratelimit.RateLimiter, config ratelimit.RateLimitConfig, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isOperationalPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			route := routeLabel(r.URL.Path)
			key := ratelimit.FormatKey(ClientIPFromContext(r.Context()), r.URL.Path)
			result, err := limiter.Allow(r.Context(), key, config)
			if err != nil {
				LoggerFromContext(r.Context()).Warn("rate limiter unavailable", "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.Itoa(ceilSeconds(result.ResetAfter.Seconds())))

			if !result.Allowed {
				retry := max(1, ceilSeconds(result.RetryAfter.Seconds()))
				if metrics != nil {
					metrics.RateLimited.WithLabelValues(route).Inc()
				}
				LoggerFromContext(r.Context()).Info("rate limited", "route", route, "retry_after", retry)
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: ReasonRateLimited, RetryAfter: retry})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ceilSeconds(s float64) int {
	return int(math.Ceil(s))
}

// BodyLimitMiddleware rejects bodies over maxBytes with 413 and JSON bodies
// nested deeper than maxDepth with 400. The body is buffered and handed on.
func BodyLimitMiddleware(maxBytes int64, maxDepth int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Body == http.NoBody || r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			if r.ContentLength > maxBytes {
				writeReason(w, http.StatusRequestEntityTooLarge, ReasonPayloadTooLarge)
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					writeReason(w, http.StatusRequestEntityTooLarge, ReasonPayloadTooLarge)
					return
				}
				writeReason(w, http.StatusBadRequest, ReasonInvalidRequest)
				return
			}

			if len(bytes.TrimSpace(body)) > 0 {
				depth, err := jsonDepth(body)
				if err != nil {
					writeReason(w, http.StatusBadRequest, ReasonInvalidRequest)
					return
				}
				if depth > maxDepth {
					writeReason(w, http.StatusBadRequest, ReasonJSONTooDeep)
					return
				}
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
			next.ServeHTTP(w, r)
		})
	}
}

// jsonDepth returns the maximum nesting of objects and arrays in data.
// A scalar document has depth 0.
func jsonDepth(data []byte) (int, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth, deepest := 0, 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
				deepest = max(deepest, depth)
			case '}', ']':
				depth--
			}
		}
	}
	if depth != 0 {
		return 0, io.ErrUnexpectedEOF
	}
	return deepest, nil
}

func isOperationalPath(path string) bool {
	return path == "/health" || path == "/metrics"
}
