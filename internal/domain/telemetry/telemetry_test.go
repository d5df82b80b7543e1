package telemetry

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestEventValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		event   Event
		wantErr error
	}{
		{"valid", Event{Name: "launch", Details: json.RawMessage(`{"fps":60}`)}, nil},
		{"empty details", Event{Name: "launch"}, nil},
		{"max length", Event{Name: strings.Repeat("e", MaxEventLength)}, nil},
		{"missing name", Event{Details: json.RawMessage(`{}`)}, ErrEventRequired},
		{"too long", Event{Name: strings.Repeat("e", MaxEventLength+1)}, ErrEventTooLong},
		{"array details", Event{Name: "x", Details: json.RawMessage(`[1,2]`)}, ErrDetailsNotJSON},
		{"null details", Event{Name: "x", Details: json.RawMessage(`null`)}, ErrDetailsNotJSON},
		{"string details", Event{Name: "x", Details: json.RawMessage(`"hi"`)}, ErrDetailsNotJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := tt.event
			err := e.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEventValidate_DefaultsDetails(t *testing.T) {
	t.Parallel()

	e := Event{Name: "x"}
	if err := e.Validate(); err != nil {
		t.Fatal(err)
	}
	if string(e.Details) != "{}" {
		t.Errorf("Details = %s, want {}", e.Details)
	}
}
