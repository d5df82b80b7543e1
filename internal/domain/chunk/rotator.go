package chunk

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Source supplies the payload. It is re-read on every refresh.
type Source interface {
	Load(ctx context.Context) (string, error)
}

// FileSource reads the payload from a file.
type FileSource struct {
	Path string
}

// Load reads the file.
func (f FileSource) Load(ctx context.Context) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("read payload: %w", err)
	}
	return string(data), nil
}

// StaticSource is a fixed payload.
type StaticSource string

// Load returns the payload.
func (s StaticSource) Load(ctx context.Context) (string, error) {
	return string(s), nil
}

// RotatorConfig holds refresh settings.
type RotatorConfig struct {
	LinesPerChunk   int
	RefreshInterval time.Duration
	Window          time.Duration
}

// Rotator republishes the payload every refresh interval.
type Rotator struct {
	source    Source
	publisher *Publisher
	cfg       RotatorConfig
	logger    *slog.Logger
	now       func() time.Time
	observer  func(*Record, error)

	mu         sync.Mutex
	lastDigest uint64

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// RotatorOption configures a Rotator.
type RotatorOption func(*Rotator)

// WithRotatorClock overrides the time source used for window ids.
func WithRotatorClock(now func() time.Time) RotatorOption {
	return func(r *Rotator) {
		r.now = now
	}
}

// WithPublishObserver registers a callback invoked after every refresh.
func WithPublishObserver(fn func(*Record, error)) RotatorOption {
	return func(r *Rotator) {
		r.observer = fn
	}
}

// NewRotator creates a Rotator. Zero config values take defaults.
func NewRotator(source Source, publisher *Publisher, cfg RotatorConfig, logger *slog.Logger, opts ...RotatorOption) *Rotator {
	if cfg.LinesPerChunk <= 0 {
		cfg.LinesPerChunk = DefaultLinesPerChunk
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	r := &Rotator{
		source:    source,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Refresh loads, splits and publishes the payload for the current window.
// The publish ignores ctx cancellation so a window is never left half-written.
func (r *Rotator) Refresh(ctx context.Context) (*Record, error) {
	payload, err := r.source.Load(ctx)
	if err != nil {
		return nil, err
	}
	chunks := Split(payload, r.cfg.LinesPerChunk)
	window := WindowID(r.now(), r.cfg.Window)

	rec, err := r.publisher.Publish(context.WithoutCancel(ctx), chunks, window)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	changed := rec.Digest != r.lastDigest
	r.lastDigest = rec.Digest
	r.mu.Unlock()

	if changed {
		r.logger.Info("chunk set changed", "window", window, "total", rec.Total, "digest", fmt.Sprintf("%016x", rec.Digest))
	} else {
		r.logger.Debug("chunks published", "window", window, "total", rec.Total)
	}
	return rec, nil
}

// Run refreshes immediately and then on every tick until ctx is cancelled
// or Stop is called. Cancellation is checked between refreshes only.
func (r *Rotator) Run(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		for {
			rec, err := r.Refresh(ctx)
			if err != nil {
				r.logger.Error("chunk refresh failed", "error", err)
			}
			if r.observer != nil {
				r.observer(rec, err)
			}

			timer := time.NewTimer(r.nextDelay())
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-r.stopChan:
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()
}

// nextDelay returns the refresh interval, aligned to the next window
// boundary when the interval equals the window length.
func (r *Rotator) nextDelay() time.Duration {
	if r.cfg.RefreshInterval != r.cfg.Window {
		return r.cfg.RefreshInterval
	}
	now := r.now()
	next := now.Truncate(r.cfg.Window).Add(r.cfg.Window)
	return next.Sub(now)
}

// Stop ends Run and waits for an in-flight refresh. Safe to call multiple times.
func (r *Rotator) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}
