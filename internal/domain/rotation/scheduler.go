// Package rotation decides when the signing key is rotated. A leased lock in
// the shared cache keeps checks exclusive across instances and a
// last-rotation timestamp spaces rotations at least one interval apart.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Sentinel-Gate/scriptgate/internal/port/outbound"
)

const (
	// LockKey is the cache key of the rotation lease.
	LockKey = "key_rotation_lock"
	// LastRotationKey holds the RFC 3339 time of the last successful rotation.
	LastRotationKey = "last_key_rotation"

	DefaultInterval      = 24 * time.Hour
	DefaultLockTTL       = 300 * time.Second
	DefaultCheckInterval = time.Hour
)

// ErrRotationFailed wraps any failure inside a rotation check.
var ErrRotationFailed = errors.New("key rotation failed")

var tracer = otel.Tracer("github.com/Sentinel-Gate/scriptgate/internal/domain/rotation")

// Outcome is the result of one check.
type Outcome int

const (
	// Busy means another holder owns the lease.
	Busy Outcome = iota
	// NotDue means the interval has not elapsed since the last rotation.
	NotDue
	// Rotated means a new key pair is active.
	Rotated
)

func (o Outcome) String() string {
	switch o {
	case Busy:
		return "busy"
	case NotDue:
		return "not_due"
	case Rotated:
		return "rotated"
	default:
		return "unknown"
	}
}

// KeyRotator performs the actual rotation (keys.Manager).
type KeyRotator interface {
	RotateKeys(ctx context.Context) (string, error)
}

// Config holds scheduler timing.
type Config struct {
	Interval      time.Duration
	LockTTL       time.Duration
	CheckInterval time.Duration
}

// Scheduler runs rotation checks.
type Scheduler struct {
	cache    outbound.Cache
	rotator  KeyRotator
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	observer func(Outcome, error)

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithObserver registers a callback invoked after every check.
func WithObserver(fn func(Outcome, error)) Option {
	return func(s *Scheduler) {
		s.observer = fn
	}
}

// NewScheduler creates a Scheduler. Zero config values take defaults.
func NewScheduler(cache outbound.Cache, rotator KeyRotator, cfg Config, logger *slog.Logger, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	s := &Scheduler{
		cache:    cache,
		rotator:  rotator,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Check rotates the key if the lease is free and the interval has elapsed.
func (s *Scheduler) Check(ctx context.Context) (Outcome, error) {
	return s.check(ctx, false)
}

// Force rotates regardless of the last-rotation time. The lease is still
// honored.
func (s *Scheduler) Force(ctx context.Context) (Outcome, error) {
	return s.check(ctx, true)
}

func (s *Scheduler) check(ctx context.Context, force bool) (outcome Outcome, err error) {
	ctx, span := tracer.Start(ctx, "rotation.check")
	defer func() {
		span.SetAttributes(attribute.String("outcome", outcome.String()))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if s.observer != nil {
			s.observer(outcome, err)
		}
	}()

	owner := uuid.NewString()
	acquired, err := s.cache.SetNX(ctx, LockKey, []byte(owner), s.cfg.LockTTL)
	if err != nil {
		return Busy, fmt.Errorf("%w: acquire lock: %w", ErrRotationFailed, err)
	}
	if !acquired {
		s.logger.Debug("key rotation check skipped, lock held elsewhere")
		return Busy, nil
	}
	defer s.release(ctx, owner)

	now := s.now()
	if !force {
		due, err := s.due(ctx, now)
		if err != nil {
			return NotDue, fmt.Errorf("%w: %w", ErrRotationFailed, err)
		}
		if !due {
			return NotDue, nil
		}
	}

	keyID, err := s.rotator.RotateKeys(ctx)
	if err != nil {
		s.logger.Error("key rotation failed", "error", err)
		return NotDue, fmt.Errorf("%w: %w", ErrRotationFailed, err)
	}

	if err := s.MarkRotated(ctx, now); err != nil {
		// The next check will rotate again; that is the only consequence.
		s.logger.Error("failed to record rotation time", "key_id", keyID, "error", err)
	}
	s.logger.Info("key rotation completed", "key_id", keyID, "forced", force)
	return Rotated, nil
}

// MarkRotated records at as the last rotation time. Startup calls it after
// creating the first key pair so the first scheduled check is not due.
func (s *Scheduler) MarkRotated(ctx context.Context, at time.Time) error {
	stamp := []byte(at.UTC().Format(time.RFC3339Nano))
	return s.cache.Set(ctx, LastRotationKey, stamp, 0)
}

func (s *Scheduler) due(ctx context.Context, now time.Time) (bool, error) {
	raw, err := s.cache.Get(ctx, LastRotationKey)
	if errors.Is(err, outbound.ErrCacheMiss) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read last rotation: %w", err)
	}
	last, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		s.logger.Warn("unparseable last rotation time, rotating", "value", string(raw))
		return true, nil
	}
	return now.Sub(last) >= s.cfg.Interval, nil
}

// release deletes the lease if this check still owns it. It runs even when
// ctx is cancelled.
func (s *Scheduler) release(ctx context.Context, owner string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	current, err := s.cache.Get(ctx, LockKey)
	if errors.Is(err, outbound.ErrCacheMiss) {
		return
	}
	if err != nil {
		s.logger.Warn("failed to read rotation lock", "error", err)
		return
	}
	if string(current) != owner {
		s.logger.Warn("rotation lock expired and was taken over before release")
		return
	}
	if err := s.cache.Delete(ctx, LockKey); err != nil {
		s.logger.Warn("failed to release rotation lock", "error", err)
	}
}

// Run checks once immediately and then every CheckInterval until ctx is
// cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.runCheck(ctx)

		ticker := time.NewTicker(s.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.runCheck(ctx)
			}
		}
	}()
}

func (s *Scheduler) runCheck(ctx context.Context) {
	outcome, err := s.Check(ctx)
	if err != nil {
		s.logger.Error("scheduled key rotation check failed", "error", err)
		return
	}
	s.logger.Debug("scheduled key rotation check", "outcome", outcome.String())
}

// Stop ends Run and waits for an in-flight check. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}
