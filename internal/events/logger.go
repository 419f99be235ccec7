// Package events provides helper functions for recording session events.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pytrms/componist/internal/models"
)

// Repository is the minimal interface needed to write events.
type Repository interface {
	Create(ctx context.Context, event *models.Event) error
}

// LogSessionStarted records the start of a scheduling session.
func LogSessionStarted(ctx context.Context, repo Repository, sessionID string, payload models.SessionStartedPayload) error {
	return logSessionEvent(ctx, repo, sessionID, models.EventTypeSessionStarted, payload)
}

// LogWriteScheduled records one parameter write handed to the instrument.
func LogWriteScheduled(ctx context.Context, repo Repository, sessionID, parID string, value any, cycle int64) error {
	if parID == "" {
		return fmt.Errorf("parameter id is required")
	}
	return logSessionEvent(ctx, repo, sessionID, models.EventTypeWriteScheduled, models.WriteScheduledPayload{
		ParID: parID,
		Value: value,
		Cycle: cycle,
	})
}

// LogWriteFailed records a write the sink rejected.
func LogWriteFailed(ctx context.Context, repo Repository, sessionID, parID string, cycle int64, cause error) error {
	payload := models.WriteFailedPayload{ParID: parID, Cycle: cycle}
	if cause != nil {
		payload.Error = cause.Error()
	}
	return logSessionEvent(ctx, repo, sessionID, models.EventTypeWriteFailed, payload)
}

// LogStepCompleted records that the instrument moved past a step, so its
// data window can be averaged.
func LogStepCompleted(ctx context.Context, repo Repository, sessionID string, run, step, cycle int64) error {
	return logSessionEvent(ctx, repo, sessionID, models.EventTypeStepCompleted, models.StepCompletedPayload{
		Run:   run,
		Step:  step,
		Cycle: cycle,
	})
}

// LogCycleClamped records a cycle report that went backwards.
func LogCycleClamped(ctx context.Context, repo Repository, sessionID string, reported, last int64) error {
	return logSessionEvent(ctx, repo, sessionID, models.EventTypeCycleClamped, models.CycleClampedPayload{
		Reported: reported,
		Last:     last,
	})
}

// LogError records a session-level failure that did not stop the session.
func LogError(ctx context.Context, repo Repository, sessionID, during string, cause error) error {
	if cause == nil {
		return fmt.Errorf("error is required")
	}
	return logSessionEvent(ctx, repo, sessionID, models.EventTypeError, models.ErrorPayload{
		Error:   cause.Error(),
		Context: during,
	})
}

// LogSessionFinished records the terminal status of a session.
func LogSessionFinished(ctx context.Context, repo Repository, sessionID string, payload models.SessionFinishedPayload) error {
	if !payload.Status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", payload.Status)
	}
	return logSessionEvent(ctx, repo, sessionID, models.EventTypeSessionFinished, payload)
}

func logSessionEvent(ctx context.Context, repo Repository, sessionID string, eventType models.EventType, payload any) error {
	if repo == nil {
		return fmt.Errorf("event repository is required")
	}
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	return repo.Create(ctx, &models.Event{
		Type:       eventType,
		EntityType: models.EntityTypeSession,
		EntityID:   sessionID,
		Payload:    data,
	})
}
