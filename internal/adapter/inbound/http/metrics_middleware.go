package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MetricsMiddleware records request duration and count by method and route.
// /metrics and /health are not recorded.
func MetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isOperationalPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			route := routeLabel(r.URL.Path)
			metrics.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			metrics.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).Inc()
		})
	}
}

// statusRecorder wraps http.ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// routeLabel collapses a request path to its route so that chunk indexes and
// unknown paths do not blow up label cardinality. Any api prefix is ignored.
func routeLabel(path string) string {
	switch {
	case strings.Contains(path, "/script/script_chunk/"):
		return "/script/script_chunk/{chunk_index}"
	case strings.HasSuffix(path, "/auth/auth"):
		return "/auth/auth"
	case strings.HasSuffix(path, "/telemetry"):
		return "/telemetry"
	case strings.HasSuffix(path, "/keys"):
		return "/keys"
	case path == "/health", path == "/metrics":
		return path
	default:
		return "other"
	}
}
