package http

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Sentinel-Gate/scriptgate/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/scriptgate/internal/port/inbound"
)

// Defaults for HTTPTransport.
const (
	DefaultAddr            = "127.0.0.1:8080"
	DefaultMaxBodyBytes    = 1 << 20
	DefaultMaxJSONDepth    = 5
	DefaultShutdownTimeout = 10 * time.Second
)

// HTTPTransport serves the API, /health and /metrics.
type HTTPTransport struct {
	handler         *Handler
	server          *http.Server
	addr            string
	apiPrefix       string
	allowedOrigins  []string
	certFile        string
	keyFile         string
	logger          *slog.Logger
	registry        *prometheus.Registry
	metrics         *Metrics
	healthChecker   *HealthChecker
	limiter         ratelimit.RateLimiter
	limitConfig     ratelimit.RateLimitConfig
	maxBodyBytes    int64
	maxJSONDepth    int
	shutdownTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
}

// Option is a functional option for configuring HTTPTransport.
type Option func(*HTTPTransport)

// WithAddr sets the listen address. Default is "127.0.0.1:8080".
func WithAddr(addr string) Option {
	return func(t *HTTPTransport) {
		t.addr = addr
	}
}

// WithTLS enables TLS with the provided certificate and key files.
func WithTLS(certFile, keyFile string) Option {
	return func(t *HTTPTransport) {
		t.certFile = certFile
		t.keyFile = keyFile
	}
}

// WithAPIPrefix mounts the API routes under prefix, e.g. "/api".
func WithAPIPrefix(prefix string) Option {
	return func(t *HTTPTransport) {
		t.apiPrefix = prefix
	}
}

// WithAllowedOrigins sets the CORS allowlist.
func WithAllowedOrigins(origins []string) Option {
	return func(t *HTTPTransport) {
		t.allowedOrigins = origins
	}
}

// WithLogger sets the logger for the HTTP transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *HTTPTransport) {
		t.logger = logger
	}
}

// WithMetrics serves reg at /metrics and records request metrics in m.
func WithMetrics(reg *prometheus.Registry, m *Metrics) Option {
	return func(t *HTTPTransport) {
		t.registry = reg
		t.metrics = m
	}
}

// WithHealthChecker sets the health checker for the /health endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(t *HTTPTransport) {
		t.healthChecker = hc
	}
}

// WithRateLimiter enables per-IP, per-route rate limiting.
func WithRateLimiter(limiter ratelimit.RateLimiter, config ratelimit.RateLimitConfig) Option {
	return func(t *HTTPTransport) {
		t.limiter = limiter
		t.limitConfig = config
	}
}

// WithBodyLimits sets the maximum body size and JSON nesting depth.
func WithBodyLimits(maxBytes int64, maxDepth int) Option {
	return func(t *HTTPTransport) {
		if maxBytes > 0 {
			t.maxBodyBytes = maxBytes
		}
		if maxDepth > 0 {
			t.maxJSONDepth = maxDepth
		}
	}
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(t *HTTPTransport) {
		if d > 0 {
			t.shutdownTimeout = d
		}
	}
}

// NewRegistry returns a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewHTTPTransport creates the transport around handler.
func NewHTTPTransport(handler *Handler, opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		handler:         handler,
		addr:            DefaultAddr,
		logger:          slog.Default(),
		maxBodyBytes:    DefaultMaxBodyBytes,
		maxJSONDepth:    DefaultMaxJSONDepth,
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.registry == nil {
		t.registry = NewRegistry()
		t.metrics = NewMetrics(t.registry)
	}
	return t
}

// Handler builds the full middleware chain. Order, outermost first:
// metrics, request id, real IP, CORS, rate limit, body limits, mux.
func (t *HTTPTransport) Handler() http.Handler {
	mux := http.NewServeMux()
	t.handler.Register(mux, t.apiPrefix)

	hc := t.healthChecker
	if hc == nil {
		hc = NewHealthChecker("")
	}
	mux.Handle("GET /health", hc.Handler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{
		Registry: t.registry,
	}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeReason(w, http.StatusNotFound, ReasonNotFound)
	})

	var h http.Handler = mux
	h = BodyLimitMiddleware(t.maxBodyBytes, t.maxJSONDepth)(h)
	if t.limiter != nil {
		h = RateLimitMiddleware(t.limiter, t.limitConfig, t.metrics)(h)
	}
	h = CORSMiddleware(t.allowedOrigins)(h)
	h = RealIPMiddleware(h)
	h = RequestIDMiddleware(t.logger)(h)
	h = MetricsMiddleware(t.metrics)(h)
	return h
}

// Addr returns the bound address once Start is listening, else the
// configured one.
func (t *HTTPTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.addr
}

// Start serves until ctx is cancelled or the server fails.
func (t *HTTPTransport) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           t.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(t.logger.Handler(), slog.LevelWarn),
	}
	if t.certFile != "" && t.keyFile != "" {
		server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	t.mu.Lock()
	t.server = server
	t.listener = ln
	t.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if t.certFile != "" && t.keyFile != "" {
			t.logger.Info("starting HTTPS server", "addr", ln.Addr().String())
			err = server.ServeTLS(ln, t.certFile, t.keyFile)
		} else {
			t.logger.Info("starting HTTP server", "addr", ln.Addr().String())
			err = server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

func (t *HTTPTransport) shutdown() error {
	t.mu.Lock()
	server := t.server
	t.mu.Unlock()
	if server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}
	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *HTTPTransport) Close() error {
	return t.shutdown()
}

var _ inbound.Server = (*HTTPTransport)(nil)
