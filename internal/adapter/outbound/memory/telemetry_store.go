package memory

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/Sentinel-Gate/scriptgate/internal/domain/telemetry"
)

const defaultRecentCap = 1000

// TelemetryStore implements telemetry.Store by optionally writing events as
// JSON lines and keeping a bounded ring buffer of recent events.
type TelemetryStore struct {
	encoder *json.Encoder
	mu      sync.Mutex
	nextID  int64
	// recent is a bounded ring buffer of the most recent events.
	recent []telemetry.Event
	cap    int
}

// NewTelemetryStore creates a store. w may be nil; capacity <= 0 uses 1000.
func NewTelemetryStore(w io.Writer, capacity int) *TelemetryStore {
	if capacity <= 0 {
		capacity = defaultRecentCap
	}
	s := &TelemetryStore{
		recent: make([]telemetry.Event, 0, capacity),
		cap:    capacity,
	}
	if w != nil {
		s.encoder = json.NewEncoder(w)
	}
	return s
}

type telemetryLine struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Event     string          `json:"event"`
	Details   json.RawMessage `json:"details"`
	CreatedAt string          `json:"created_at"`
}

// Insert assigns ids and stores the events.
func (s *TelemetryStore) Insert(ctx context.Context, events ...telemetry.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		s.nextID++
		e.ID = s.nextID
		if s.encoder != nil {
			line := telemetryLine{
				ID:        e.ID,
				UserID:    e.UserID,
				Event:     e.Name,
				Details:   e.Details,
				CreatedAt: e.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			}
			if err := s.encoder.Encode(line); err != nil {
				return err
			}
		}
		if len(s.recent) >= s.cap {
			// Shift left, drop oldest.
			copy(s.recent, s.recent[1:])
			s.recent[len(s.recent)-1] = e
		} else {
			s.recent = append(s.recent, e)
		}
	}
	return nil
}

// Recent returns up to limit most recent events, newest first.
func (s *TelemetryStore) Recent(limit int) []telemetry.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.recent) {
		limit = len(s.recent)
	}
	out := make([]telemetry.Event, 0, limit)
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.recent[i])
	}
	return out
}

// Compile-time interface verification.
var _ telemetry.Store = (*TelemetryStore)(nil)
