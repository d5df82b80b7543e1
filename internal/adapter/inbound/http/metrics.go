package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "scriptgate"

// Metrics holds all Prometheus metrics for scriptgate.
// Pass to components that need to record metrics.
type Metrics struct {
	RequestsTotal         *prometheus.CounterVec
	RequestDuration       *prometheus.HistogramVec
	TokensIssued          prometheus.Counter
	FailedAuth            prometheus.Counter
	ChunksServed          *prometheus.CounterVec
	KeyRotations          *prometheus.CounterVec
	ChunkWindowsPublished prometheus.Counter
	TelemetryDrops        prometheus.Counter
	RateLimited           *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		TokensIssued: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "tokens_issued_total",
				Help:      "Session tokens issued",
			},
		),
		FailedAuth: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "failed_auth_total",
				Help:      "Rejected authentication attempts",
			},
		),
		ChunksServed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "chunks_served_total",
				Help:      "Chunk requests by result",
			},
			[]string{"result"}, // ok, unauthorized, not_found, error
		),
		KeyRotations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "key_rotations_total",
				Help:      "Rotation checks by outcome",
			},
			[]string{"status"}, // rotated, not_due, busy, failed
		),
		ChunkWindowsPublished: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "chunk_windows_published_total",
				Help:      "Chunk windows written to the cache",
			},
		),
		TelemetryDrops: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "telemetry_drops_total",
				Help:      "Telemetry events dropped due to backpressure",
			},
		),
		RateLimited: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"route"},
		),
	}
}
