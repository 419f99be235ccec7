package models

import (
	"encoding/json"
	"strings"
	"time"
)

// SessionStatus is the lifecycle state of a scheduling session.
type SessionStatus string

const (
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusFinished  SessionStatus = "finished"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// IsTerminal reports whether the session can no longer change.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusFinished || s == SessionStatusFailed || s == SessionStatusCancelled
}

// SessionOptions records the composition options a session ran with.
type SessionOptions struct {
	MaxRuns            int   `json:"max_runs"`
	StartCycle         int64 `json:"start_cycle"`
	StartAction        *int  `json:"start_action,omitempty"`
	GenerateAutomation bool  `json:"generate_automation"`
	ForesightRuns      int   `json:"foresight_runs"`
}

// Session is one execution of a composition against a cycle clock.
type Session struct {
	// ID is the unique identifier for the session.
	ID string `json:"id"`

	// Composition is the name of the composition (file or builtin).
	Composition string `json:"composition"`

	// Steps is the composition's step list as JSON.
	Steps json.RawMessage `json:"steps"`

	// Options are the effective composition options.
	Options SessionOptions `json:"options"`

	// Status is the lifecycle state.
	Status SessionStatus `json:"status"`

	// DryRun is set when writes were only logged.
	DryRun bool `json:"dry_run"`

	// Dispatched is the number of writes the sink accepted.
	Dispatched int64 `json:"dispatched"`

	// LastCycle is the last instrument cycle observed.
	LastCycle int64 `json:"last_cycle"`

	// Error holds why a session failed or was cancelled.
	Error string `json:"error,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Validate checks if the session is valid.
func (s *Session) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(s.Composition) == "" {
		validation.AddMessage("composition", "composition name is required")
	}
	if len(s.Steps) == 0 {
		validation.AddMessage("steps", "steps are required")
	}
	if s.Options.MaxRuns == 0 {
		validation.AddMessage("options.max_runs", "max_runs must not be 0")
	}
	switch s.Status {
	case SessionStatusRunning, SessionStatusFinished, SessionStatusFailed, SessionStatusCancelled:
	default:
		validation.AddMessage("status", "unknown status "+string(s.Status))
	}
	return validation.Err()
}

// ScheduledWrite is one parameter write handed to the instrument.
type ScheduledWrite struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	ParID        string    `json:"par_id"`
	Value        any       `json:"value"`
	Cycle        int64     `json:"cycle"`
	DispatchedAt time.Time `json:"dispatched_at"`
}
