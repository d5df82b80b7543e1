package http

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Pinger is any dependency that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ServiceHealth is the result for one dependency.
type ServiceHealth struct {
	Status    string  `json:"status"` // "healthy" or "unhealthy"
	LatencyMS float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status    string                   `json:"status"` // "healthy" or "degraded"
	Timestamp time.Time                `json:"timestamp"`
	Version   string                   `json:"version,omitempty"`
	Services  map[string]ServiceHealth `json:"services"`
}

// HealthChecker pings named dependencies.
type HealthChecker struct {
	deps    map[string]Pinger
	timeout time.Duration
	version string
	now     func() time.Time
}

// HealthOption configures HealthChecker.
type HealthOption func(*HealthChecker)

// WithDependency adds a dependency under name. Nil pingers are ignored.
func WithDependency(name string, p Pinger) HealthOption {
	return func(h *HealthChecker) {
		if p != nil {
			h.deps[name] = p
		}
	}
}

// WithHealthTimeout bounds each ping.
func WithHealthTimeout(d time.Duration) HealthOption {
	return func(h *HealthChecker) {
		h.timeout = d
	}
}

// WithHealthClock overrides the time source for timestamps and latency.
func WithHealthClock(now func() time.Time) HealthOption {
	return func(h *HealthChecker) {
		h.now = now
	}
}

// NewHealthChecker creates a HealthChecker reporting version.
func NewHealthChecker(version string, opts ...HealthOption) *HealthChecker {
	h := &HealthChecker{
		deps:    make(map[string]Pinger),
		timeout: 2 * time.Second,
		version: version,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Check pings every dependency concurrently. The overall status is healthy
// only when all of them are.
func (h *HealthChecker) Check(ctx context.Context) HealthResponse {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: h.now().UTC(),
		Version:   h.version,
		Services:  make(map[string]ServiceHealth, len(h.deps)),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, dep := range h.deps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := h.ping(ctx, dep)
			mu.Lock()
			resp.Services[name] = result
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, s := range resp.Services {
		if s.Status != "healthy" {
			resp.Status = "degraded"
			break
		}
	}
	return resp
}

func (h *HealthChecker) ping(ctx context.Context, dep Pinger) ServiceHealth {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := h.now()
	err := dep.Ping(ctx)
	latency := float64(h.now().Sub(start).Microseconds()) / 1000

	if err != nil {
		return ServiceHealth{Status: "unhealthy", LatencyMS: latency, Error: err.Error()}
	}
	return ServiceHealth{Status: "healthy", LatencyMS: latency}
}

// Handler returns an HTTP handler for the health endpoint: 200 when healthy,
// 503 when degraded.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r.Context())

		status := http.StatusOK
		if health.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, health)
	})
}
