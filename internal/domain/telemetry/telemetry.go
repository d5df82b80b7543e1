// Package telemetry defines client telemetry events and their store.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// MaxEventLength bounds Event.Name.
const MaxEventLength = 128

// Validation errors.
var (
	ErrEventRequired  = errors.New("event is required")
	ErrEventTooLong   = errors.New("event exceeds 128 characters")
	ErrDetailsNotJSON = errors.New("details must be a JSON object")
)

// Event is one telemetry row.
type Event struct {
	ID        int64
	UserID    int64
	Name      string
	Details   json.RawMessage
	CreatedAt time.Time
}

// Validate checks the name and that Details is a JSON object. Empty Details
// becomes "{}".
func (e *Event) Validate() error {
	if e.Name == "" {
		return ErrEventRequired
	}
	if len([]rune(e.Name)) > MaxEventLength {
		return ErrEventTooLong
	}
	if len(e.Details) == 0 {
		e.Details = json.RawMessage("{}")
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(e.Details, &obj); err != nil || obj == nil {
		return ErrDetailsNotJSON
	}
	return nil
}

// Store persists events.
// Interface owned by domain per hexagonal architecture.
type Store interface {
	// Insert stores events in one batch.
	Insert(ctx context.Context, events ...Event) error
}
