package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			return m
		}
	}
	return nil
}

func TestMetricsMiddleware_RouteAndStatus(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	h := MetricsMiddleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.WriteHeader(http.StatusOK) // ignored by net/http, must not change the label
	}))

	for _, i := range []string{"0", "1", "2"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/script/script_chunk/"+i, nil))
	}

	m := findMetric(t, reg, "scriptgate_requests_total", map[string]string{
		"method": "GET", "route": "/script/script_chunk/{chunk_index}", "status": "404",
	})
	if m == nil {
		t.Fatal("requests_total sample not found")
	}
	if m.GetCounter().GetValue() != 3 {
		t.Errorf("requests_total = %v, want 3", m.GetCounter().GetValue())
	}

	d := findMetric(t, reg, "scriptgate_request_duration_seconds", map[string]string{"route": "/script/script_chunk/{chunk_index}"})
	if d == nil || d.GetHistogram().GetSampleCount() != 3 {
		t.Errorf("duration histogram = %v", d)
	}
}

func TestMetricsMiddleware_SkipsOperationalPaths(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	h := MetricsMiddleware(metrics)(okHandler())

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if m := findMetric(t, reg, "scriptgate_requests_total", nil); m != nil {
		t.Errorf("operational paths recorded: %v", m)
	}
}

func TestRouteLabel(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"/auth/auth":              "/auth/auth",
		"/api/auth/auth":          "/auth/auth",
		"/script/script_chunk/17": "/script/script_chunk/{chunk_index}",
		"/api/telemetry":          "/telemetry",
		"/keys":                   "/keys",
		"/health":                 "/health",
		"/admin":                  "other",
	}
	for path, want := range tests {
		if got := routeLabel(path); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}
