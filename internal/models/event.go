package models

import (
	"encoding/json"
	"strings"
	"time"
)

// EventType categorizes events in the system.
type EventType string

const (
	// Session events
	EventTypeSessionStarted  EventType = "session.started"
	EventTypeSessionFinished EventType = "session.finished"

	// Schedule events
	EventTypeWriteScheduled EventType = "write.scheduled"
	EventTypeWriteFailed    EventType = "write.failed"
	EventTypeStepCompleted  EventType = "step.completed"
	EventTypeCycleClamped   EventType = "cycle.clamped"

	// System events
	EventTypeError   EventType = "error"
	EventTypeWarning EventType = "warning"
)

// EntityType identifies the type of entity an event relates to.
type EntityType string

const (
	EntityTypeSession     EntityType = "session"
	EntityTypeComposition EntityType = "composition"
	EntityTypeSystem      EntityType = "system"
)

// Event represents an append-only log entry.
type Event struct {
	// ID is the unique identifier for the event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type categorizes the event.
	Type EventType `json:"type"`

	// EntityType identifies what kind of entity this event relates to.
	EntityType EntityType `json:"entity_type"`

	// EntityID is the ID of the related entity.
	EntityID string `json:"entity_id"`

	// Payload contains event-specific data.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Metadata contains additional context.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate checks if the event is valid.
func (e *Event) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(string(e.Type)) == "" {
		validation.AddMessage("type", "event type is required")
	}
	if strings.TrimSpace(string(e.EntityType)) == "" {
		validation.AddMessage("entity_type", "entity_type is required")
	}
	if strings.TrimSpace(e.EntityID) == "" {
		validation.AddMessage("entity_id", "entity_id is required")
	}
	return validation.Err()
}

// SessionStartedPayload is the payload for session.started events.
type SessionStartedPayload struct {
	Composition   string `json:"composition"`
	Steps         int    `json:"steps"`
	RunDuration   int64  `json:"run_duration"`
	MaxRuns       int    `json:"max_runs"`
	StartCycle    int64  `json:"start_cycle"`
	ForesightRuns int    `json:"foresight_runs"`
	DryRun        bool   `json:"dry_run,omitempty"`
}

// WriteScheduledPayload is the payload for write.scheduled events.
type WriteScheduledPayload struct {
	ParID string `json:"par_id"`
	Value any    `json:"value"`
	Cycle int64  `json:"cycle"`
}

// WriteFailedPayload is the payload for write.failed events.
type WriteFailedPayload struct {
	ParID string `json:"par_id"`
	Cycle int64  `json:"cycle"`
	Error string `json:"error"`
}

// StepCompletedPayload is the payload for step.completed events.
type StepCompletedPayload struct {
	Run   int64 `json:"run"`
	Step  int64 `json:"step"`
	Cycle int64 `json:"cycle"`
}

// CycleClampedPayload is the payload for cycle.clamped events.
type CycleClampedPayload struct {
	Reported int64 `json:"reported"`
	Last     int64 `json:"last"`
}

// SessionFinishedPayload is the payload for session.finished events.
type SessionFinishedPayload struct {
	Status     SessionStatus `json:"status"`
	Dispatched int64         `json:"dispatched"`
	LastCycle  int64         `json:"last_cycle"`
	Error      string        `json:"error,omitempty"`
}

// ErrorPayload is the payload for error events.
type ErrorPayload struct {
	Error   string `json:"error"`
	Context string `json:"context,omitempty"`
}
