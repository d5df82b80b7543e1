package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sentinel-Gate/scriptgate/internal/domain/telemetry"
)

// ErrTelemetryStopped is returned by Record after Stop.
var ErrTelemetryStopped = errors.New("telemetry service stopped")

// TelemetryService persists client telemetry asynchronously: Record hands the
// event to a buffered channel and a background worker writes batches, so a
// slow database never holds up the request that reported the event.
type TelemetryService struct {
	store         telemetry.Store
	events        chan telemetry.Event
	wg            sync.WaitGroup
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration
	sendTimeout   time.Duration // 0 = drop immediately, >0 = block up to this duration
	now           func() time.Time
	onDrop        func()

	mu      sync.RWMutex
	stopped bool
	once    sync.Once

	dropCount atomic.Int64
}

// TelemetryOption configures TelemetryService.
type TelemetryOption func(*TelemetryService)

// WithTelemetryBatchSize sets the number of events written per batch.
func WithTelemetryBatchSize(size int) TelemetryOption {
	return func(s *TelemetryService) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithTelemetryFlushInterval sets how often a partial batch is written.
func WithTelemetryFlushInterval(interval time.Duration) TelemetryOption {
	return func(s *TelemetryService) {
		if interval > 0 {
			s.flushInterval = interval
		}
	}
}

// WithTelemetryChannelSize sets the buffer size.
func WithTelemetryChannelSize(size int) TelemetryOption {
	return func(s *TelemetryService) {
		if size > 0 {
			s.events = make(chan telemetry.Event, size)
		}
	}
}

// WithTelemetrySendTimeout sets how long Record may block on a full buffer.
func WithTelemetrySendTimeout(timeout time.Duration) TelemetryOption {
	return func(s *TelemetryService) {
		s.sendTimeout = timeout
	}
}

// WithTelemetryClock overrides the time source used for CreatedAt.
func WithTelemetryClock(now func() time.Time) TelemetryOption {
	return func(s *TelemetryService) {
		s.now = now
	}
}

// WithDropHook is called once per dropped event.
func WithDropHook(fn func()) TelemetryOption {
	return func(s *TelemetryService) {
		s.onDrop = fn
	}
}

// NewTelemetryService creates a TelemetryService. Call Start before Record.
func NewTelemetryService(store telemetry.Store, logger *slog.Logger, opts ...TelemetryOption) *TelemetryService {
	s := &TelemetryService{
		store:         store,
		events:        make(chan telemetry.Event, 1000),
		logger:        logger,
		batchSize:     100,
		flushInterval: time.Second,
		sendTimeout:   100 * time.Millisecond,
		now:           time.Now,
		onDrop:        func() {},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the background worker.
func (s *TelemetryService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// Record validates the event, stamps it and enqueues it. Validation errors
// are returned; a full buffer drops the event after sendTimeout and counts
// it without failing the caller.
func (s *TelemetryService) Record(userID int64, event telemetry.Event) error {
	event.UserID = userID
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now().UTC()
	}
	if err := event.Validate(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrTelemetryStopped
	}

	select {
	case s.events <- event:
		return nil
	default:
	}

	if s.sendTimeout <= 0 {
		s.recordDrop(event)
		return nil
	}

	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()
	select {
	case s.events <- event:
	case <-timer.C:
		s.recordDrop(event)
	}
	return nil
}

func (s *TelemetryService) recordDrop(event telemetry.Event) {
	drops := s.dropCount.Add(1)
	s.onDrop()
	s.logger.Warn("telemetry event dropped",
		"event", event.Name,
		"user_id", event.UserID,
		"total_drops", drops,
	)
}

// DroppedEvents returns the number of events dropped so far.
func (s *TelemetryService) DroppedEvents() int64 {
	return s.dropCount.Load()
}

// QueueDepth returns the number of buffered events.
func (s *TelemetryService) QueueDepth() int {
	return len(s.events)
}

// Stop closes the buffer, waits for the worker to write what is pending
// and returns. Safe to call multiple times.
func (s *TelemetryService) Stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		close(s.events)
		s.mu.Unlock()
	})
	s.wg.Wait()
}

func (s *TelemetryService) worker(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]telemetry.Event, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-s.events:
			if !ok {
				s.finalFlush(batch)
				return
			}
			batch = append(batch, event)
			if len(batch) >= s.batchSize {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			// Keep consuming until Stop closes the channel: in-flight
			// requests may still Record during graceful shutdown.
			for event := range s.events {
				batch = append(batch, event)
				if len(batch) >= s.batchSize {
					s.finalFlush(batch)
					batch = batch[:0]
				}
			}
			s.finalFlush(batch)
			return
		}
	}
}

func (s *TelemetryService) finalFlush(batch []telemetry.Event) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.flush(ctx, batch)
}

// flush writes a batch. Errors are logged and the batch is discarded.
func (s *TelemetryService) flush(ctx context.Context, batch []telemetry.Event) {
	if err := s.store.Insert(ctx, batch...); err != nil {
		s.logger.Error("failed to write telemetry batch",
			"error", err,
			"count", len(batch),
		)
	}
}
