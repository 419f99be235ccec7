package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pytrms/componist/internal/compose"
	"github.com/pytrms/componist/internal/conductor"
	"github.com/pytrms/componist/internal/db"
	"github.com/pytrms/componist/internal/dispatch"
	"github.com/pytrms/componist/internal/events"
	"github.com/pytrms/componist/internal/models"
	"github.com/pytrms/componist/internal/presets"
	"github.com/pytrms/componist/internal/scheduler"
)

// sessionSetup is the sink and conductor wiring for one scheduling session.
type sessionSetup struct {
	ID      string
	Sink    scheduler.Sink
	Options conductor.Options
}

// prepareSession records a new session in database and wraps instrument so
// every write is archived. A nil database yields a dry run: writes go to
// instrument only.
func prepareSession(ctx context.Context, database *db.DB, name string, comp *compose.Composition, instrument scheduler.Sink) (sessionSetup, error) {
	if database == nil {
		return sessionSetup{Sink: instrument}, nil
	}

	steps, err := json.Marshal(comp)
	if err != nil {
		return sessionSetup{}, fmt.Errorf("failed to encode composition: %w", err)
	}
	opts := comp.Options()
	session := &models.Session{
		Composition: name,
		Steps:       steps,
		Options: models.SessionOptions{
			MaxRuns:            opts.MaxRuns,
			StartCycle:         opts.StartCycle,
			StartAction:        opts.StartAction,
			GenerateAutomation: opts.GenerateAutomation,
			ForesightRuns:      opts.ForesightRuns,
		},
	}

	sessions := db.NewSessionRepository(database)
	eventRepo := db.NewEventRepository(database)
	if err := sessions.Create(ctx, session); err != nil {
		return sessionSetup{}, fmt.Errorf("failed to create session: %w", err)
	}
	if err := events.LogSessionStarted(ctx, eventRepo, session.ID, models.SessionStartedPayload{
		Composition:   name,
		Steps:         comp.Len(),
		RunDuration:   comp.RunDuration(),
		MaxRuns:       opts.MaxRuns,
		StartCycle:    opts.StartCycle,
		ForesightRuns: opts.ForesightRuns,
	}); err != nil {
		return sessionSetup{}, fmt.Errorf("failed to record session start: %w", err)
	}

	return sessionSetup{
		ID:   session.ID,
		Sink: dispatch.NewRecordingSink(instrument, session.ID, db.NewScheduleRepository(database), eventRepo),
		Options: conductor.Options{
			SessionID: session.ID,
			Sessions:  sessions,
			Events:    eventRepo,
		},
	}, nil
}

// instrumentSink puts a preset translation in front of sink when a presets
// table is loaded.
func instrumentSink(sink scheduler.Sink, table *presets.Table) scheduler.Sink {
	if table == nil {
		return sink
	}
	return &dispatch.PresetSink{Table: table, Next: sink}
}

// loadPresets reads the presets file given by flag, falling back to the
// configured one. No file means no translation.
func loadPresets(flagPath string) (*presets.Table, error) {
	path := strings.TrimSpace(flagPath)
	if path == "" {
		path = strings.TrimSpace(GetConfig().Scheduler.PresetsFile)
	}
	if path == "" {
		return nil, nil
	}
	table, err := presets.LoadFile(path)
	if err != nil {
		return nil, &PreflightError{
			Message:  err.Error(),
			Hint:     "Check the presets file or drop --presets",
			NextStep: "componist run <composition> --presets <file>",
		}
	}
	return table, nil
}

// RunSummary is the outcome of a scheduling session.
type RunSummary struct {
	SessionID      string               `json:"session_id,omitempty"`
	Composition    string               `json:"composition"`
	Status         models.SessionStatus `json:"status"`
	DryRun         bool                 `json:"dry_run"`
	Dispatched     int64                `json:"dispatched"`
	LastCycle      int64                `json:"last_cycle"`
	StepsCompleted int64                `json:"steps_completed"`
	Clamped        int64                `json:"clamped,omitempty"`
	Error          string               `json:"error,omitempty"`
}

func newRunSummary(setup sessionSetup, name string, routine *scheduler.Routine, cond *conductor.Conductor, runErr error) RunSummary {
	stats := routine.Stats()
	summary := RunSummary{
		SessionID:      setup.ID,
		Composition:    name,
		Status:         conductor.StatusOf(runErr),
		DryRun:         setup.ID == "",
		Dispatched:     stats.Dispatched,
		LastCycle:      stats.LastCycle,
		StepsCompleted: cond.StepsCompleted(),
		Clamped:        stats.Clamped,
	}
	if runErr != nil {
		summary.Error = runErr.Error()
	}
	return summary
}

func printRunSummary(summary RunSummary) {
	fmt.Println()
	if summary.SessionID != "" {
		fmt.Printf("Session:    %s\n", summary.SessionID)
	} else {
		fmt.Println(styleMuted("Dry run: nothing recorded"))
	}
	fmt.Printf("Status:     %s\n", formatSessionStatus(summary.Status))
	fmt.Printf("Dispatched: %d writes\n", summary.Dispatched)
	fmt.Printf("Last cycle: %d\n", summary.LastCycle)
	fmt.Printf("Steps done: %d\n", summary.StepsCompleted)
	if summary.Clamped > 0 {
		fmt.Printf("Clamped:    %d\n", summary.Clamped)
	}
	if summary.Error != "" {
		fmt.Printf("Error:      %s\n", summary.Error)
	}
}
