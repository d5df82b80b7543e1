package cmd

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	"github.com/Sentinel-Gate/scriptgate/internal/config"
)

// newLogger builds the process logger from server.log_format and
// server.log_level. DevMode always forces debug.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	switch cfg.Server.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case "pretty":
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	default:
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
