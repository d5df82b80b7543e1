package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthChecker_AllHealthy(t *testing.T) {
	t.Parallel()

	ok := pingFunc(func(context.Context) error { return nil })
	hc := NewHealthChecker("v1",
		WithDependency("database", ok),
		WithDependency("cache", ok),
		WithDependency("secrets", ok),
		WithDependency("ignored", nil),
	)

	health := hc.Check(context.Background())
	if health.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", health.Status)
	}
	if len(health.Services) != 3 {
		t.Errorf("services = %v", health.Services)
	}
	if health.Version != "v1" {
		t.Errorf("Version = %q", health.Version)
	}
}

func TestHealthChecker_DegradedHandler(t *testing.T) {
	t.Parallel()

	hc := NewHealthChecker("",
		WithDependency("database", pingFunc(func(context.Context) error { return nil })),
		WithDependency("cache", pingFunc(func(context.Context) error { return errors.New("connection refused") })),
	)

	rec := httptest.NewRecorder()
	hc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	var body HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "degraded" {
		t.Errorf("Status = %q, want degraded", body.Status)
	}
	if body.Services["cache"].Status != "unhealthy" || body.Services["cache"].Error == "" {
		t.Errorf("cache = %+v", body.Services["cache"])
	}
	if body.Services["database"].Status != "healthy" {
		t.Errorf("database = %+v", body.Services["database"])
	}
}

func TestHealthChecker_TimeoutAndLatency(t *testing.T) {
	t.Parallel()

	slow := pingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	hc := NewHealthChecker("", WithDependency("secrets", slow), WithHealthTimeout(20*time.Millisecond))

	health := hc.Check(context.Background())
	s := health.Services["secrets"]
	if s.Status != "unhealthy" {
		t.Errorf("status = %q", s.Status)
	}
	if s.LatencyMS < 20 {
		t.Errorf("latency_ms = %v, want >= 20", s.LatencyMS)
	}
}
