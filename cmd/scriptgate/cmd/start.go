package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/scriptgate/internal/adapter/inbound/http"
	"github.com/Sentinel-Gate/scriptgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/scriptgate/internal/adapter/outbound/tracing"
	"github.com/Sentinel-Gate/scriptgate/internal/config"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/chunk"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/delivery"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/encoding"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/keys"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/rotation"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/session"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/telemetry"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/token"
	"github.com/Sentinel-Gate/scriptgate/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the scriptgate server",
	Long: `Start the scriptgate HTTP server.

On boot the server creates the JWT secret and the first RSA key pair if the
secret store has none, publishes the first chunk window, and starts the
refresh loop, the key rotation scheduler and the telemetry writer.

Examples:
  # Production config from ./scriptgate.yaml
  scriptgate start

  # In-memory cache and secrets, debug logging
  scriptgate start --dev`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (in-memory backends, debug logging)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load without validation so --dev can apply first.
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// stop() restores default signal handling so a second Ctrl+C is a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := newLogger(os.Stderr, cfg)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	pidPath := cfg.Server.PIDFile
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("scriptgate stopped")
	return nil
}

// run wires every component and serves until ctx is cancelled. Deferred
// stops run in reverse order, so the telemetry writer flushes before the
// database closes.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTracing, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "scriptgate",
		Version:     Version,
		Writer:      os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("closing backends", "error", err)
		}
	}()

	// Secrets: session hash key, JWT secret and the first key pair.
	hashKey, err := session.LoadOrCreateHashKey(ctx, b.secrets)
	if err != nil {
		return fmt.Errorf("initialize session hash key: %w", err)
	}
	sessions, err := session.NewStore(b.cache, session.WithHashKey(hashKey))
	if err != nil {
		return err
	}
	tokens := token.NewService(b.secrets, sessions, config.Duration(cfg.Token.Expiration), logger)
	if err := tokens.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize token secret: %w", err)
	}
	km := keys.NewManager(b.secrets, logger, keys.WithBits(cfg.Rotation.KeyBits))
	if err := km.InitializeIfNeeded(ctx); err != nil {
		return fmt.Errorf("initialize signing keys: %w", err)
	}

	reg := http.NewRegistry()
	metrics := http.NewMetrics(reg)

	enc, err := encoding.New(cfg.Chunks.Encoding)
	if err != nil {
		return err
	}
	window := config.Duration(cfg.Chunks.Window)

	// Chunk refresh loop.
	publisher := chunk.NewPublisher(b.cache, config.Duration(cfg.Chunks.TTL), logger)
	rotator := chunk.NewRotator(chunk.FileSource{Path: cfg.Chunks.ScriptPath}, publisher, chunk.RotatorConfig{
		LinesPerChunk:   cfg.Chunks.LinesPerChunk,
		RefreshInterval: config.Duration(cfg.Chunks.RefreshInterval),
		Window:          window,
	}, logger, chunk.WithPublishObserver(func(_ *chunk.Record, err error) {
		if err == nil {
			metrics.ChunkWindowsPublished.Inc()
		}
	}))
	rotator.Run(ctx)
	defer rotator.Stop()

	// Key rotation scheduler.
	scheduler := rotation.NewScheduler(b.cache, km, rotation.Config{
		Interval:      config.Duration(cfg.Rotation.Interval),
		LockTTL:       config.Duration(cfg.Rotation.LockTTL),
		CheckInterval: config.Duration(cfg.Rotation.CheckInterval),
	}, logger, rotation.WithObserver(func(o rotation.Outcome, err error) {
		status := o.String()
		if err != nil {
			status = "failed"
		}
		metrics.KeyRotations.WithLabelValues(status).Inc()
	}))
	if km.Rotations() > 0 {
		if err := scheduler.MarkRotated(ctx, time.Now()); err != nil {
			logger.Warn("failed to record initial key creation", "error", err)
		}
	}
	scheduler.Run(ctx)
	defer scheduler.Stop()

	// Telemetry writer. Dev mode echoes events to stderr instead of the database.
	var events telemetry.Store = b.db
	if cfg.DevMode {
		events = memory.NewTelemetryStore(os.Stderr, 0)
	}
	telemetrySvc := service.NewTelemetryService(events, logger,
		service.WithTelemetryChannelSize(cfg.Telemetry.ChannelSize),
		service.WithTelemetryBatchSize(cfg.Telemetry.BatchSize),
		service.WithTelemetryFlushInterval(config.Duration(cfg.Telemetry.FlushInterval)),
		service.WithTelemetrySendTimeout(config.Duration(cfg.Telemetry.SendTimeout)),
		service.WithDropHook(metrics.TelemetryDrops.Inc),
	)
	telemetrySvc.Start(ctx)
	defer telemetrySvc.Stop()

	auth := service.NewAuthService(b.db, tokens, b.cache, service.AuthConfig{
		FailedThreshold: cfg.Auth.FailedThreshold,
		FailedWindow:    config.Duration(cfg.Auth.FailedWindow),
		SuspiciousTTL:   config.Duration(cfg.Auth.SuspiciousTTL),
		BlockSuspicious: cfg.Auth.BlockSuspicious,
	}, logger,
		service.WithIssuedHook(metrics.TokensIssued.Inc),
		service.WithFailedHook(metrics.FailedAuth.Inc),
	)

	pipeline := delivery.NewPipeline(tokens, sessions, chunk.NewReader(b.cache, window), enc, km, logger)
	handler := http.NewHandler(auth, pipeline, tokens, telemetrySvc, km, metrics)

	healthChecker := http.NewHealthChecker(Version,
		http.WithDependency("database", b.db),
		http.WithDependency("cache", b.cache),
		http.WithDependency("secrets", b.secrets),
	)

	opts := []http.Option{
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithAPIPrefix(cfg.Server.APIPrefix),
		http.WithAllowedOrigins(cfg.Server.CORSAllowedOrigins),
		http.WithLogger(logger),
		http.WithMetrics(reg, metrics),
		http.WithHealthChecker(healthChecker),
		http.WithBodyLimits(cfg.Server.MaxBodyBytes, cfg.Server.MaxJSONDepth),
		http.WithShutdownTimeout(config.Duration(cfg.Server.ShutdownTimeout)),
	}
	if cfg.RateLimit.Enabled {
		limiter, stopLimiter := newRateLimiter(ctx, cfg, b.cache, logger)
		defer stopLimiter()
		opts = append(opts, http.WithRateLimiter(limiter, rateLimitConfig(cfg)))
	}
	transport := http.NewHTTPTransport(handler, opts...)

	activeKey, _ := km.ActiveKeyID(ctx)
	printBanner(Version, cfg.Server.HTTPAddr, cfg.Server.APIPrefix, cfg.DevMode, activeKey, cfg.Chunks.Encoding)

	return transport.Start(ctx)
}

// printBanner prints a startup banner to stderr.
func printBanner(version, httpAddr, prefix string, devMode bool, activeKey, enc string) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		dim    = "\033[2m"
	)

	base := "http://" + httpAddr
	if strings.HasPrefix(httpAddr, ":") {
		base = "http://localhost" + httpAddr
	}

	modeStr := green + "production" + reset
	if devMode {
		modeStr = yellow + "development" + reset + dim + " (in-memory backends)" + reset
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%s scriptgate %s%s\n", bold, cyan, version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "API:", base+prefix)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Keys:", base+prefix+"/keys")
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Health:", base+"/health")
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Mode:", modeStr)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Active key:", activeKey)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Encoding:", enc)
	fmt.Fprintf(os.Stderr, "\n")
}
