// Package conductor drives a scheduling routine from the instrument's
// stream of cycle reports and keeps the session record current.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pytrms/componist/internal/compose"
	"github.com/pytrms/componist/internal/events"
	"github.com/pytrms/componist/internal/logging"
	"github.com/pytrms/componist/internal/models"
	"github.com/pytrms/componist/internal/scheduler"
	"github.com/rs/zerolog"
)

// ErrSourceClosed is returned by Run when the cycle source goes away before
// the composition finished or the measurement stopped.
var ErrSourceClosed = errors.New("cycle source closed")

// CycleEvent is one report from the instrument clock. Run, Step and Action
// carry the automation numbers the instrument applied to that cycle.
type CycleEvent struct {
	Cycle  int64
	Run    int64
	Step   int64
	Action int64

	// Stopped signals that the measurement ended. Instruments repeat their
	// last state on connect, so a stop before the first cycle is ignored.
	Stopped bool
}

// Result describes what one observed cycle caused.
type Result struct {
	WakeHint   int64
	Dispatched int64
	Completed  *StepRef
	Finished   bool
}

// StepRef identifies a step within a run.
type StepRef struct {
	Run  int64
	Step int64
}

// SessionStore keeps the session row in sync with the routine.
type SessionStore interface {
	UpdateProgress(ctx context.Context, id string, dispatched, lastCycle int64) error
	Finish(ctx context.Context, id string, status models.SessionStatus, reason string) error
}

// Options configures a Conductor. All fields are optional.
type Options struct {
	SessionID string
	Sessions  SessionStore
	Events    events.Repository
	Logger    *zerolog.Logger
}

// Conductor feeds cycle reports to a Routine.
type Conductor struct {
	comp    *compose.Composition
	routine *scheduler.Routine
	opts    Options
	logger  zerolog.Logger

	finishOnce sync.Once

	mu        sync.Mutex
	started   bool
	observed  bool
	finished  bool
	lastRun   int64
	lastStep  int64
	haveStep  bool
	clamped   int64
	completed int64
}

// New creates a Conductor for a routine built from comp.
func New(comp *compose.Composition, routine *scheduler.Routine, opts Options) *Conductor {
	logger := logging.Component("conductor")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.SessionID != "" {
		logger = logger.With().Str("session_id", opts.SessionID).Logger()
	}
	return &Conductor{
		comp:    comp,
		routine: routine,
		opts:    opts,
		logger:  logger,
	}
}

// Start primes the schedule at the composition's start cycle. Observe and
// Run call it when needed.
func (c *Conductor) Start(ctx context.Context) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start(ctx)
}

func (c *Conductor) start(ctx context.Context) (Result, error) {
	if c.started {
		return Result{}, nil
	}
	c.started = true
	c.logger.Info().
		Int64("start_cycle", c.comp.StartCycle()).
		Int64("foresight_cycles", c.routine.ForesightCycles()).
		Msg("initializing schedule")
	return c.resume(ctx, c.comp.StartCycle())
}

// Observe handles one cycle report.
func (c *Conductor) Observe(ctx context.Context, event CycleEvent) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finished {
		return Result{Finished: true}, nil
	}
	if _, err := c.start(ctx); err != nil {
		return Result{}, err
	}

	result, err := c.resume(ctx, event.Cycle)
	if err != nil {
		return result, err
	}
	c.observed = true

	if ref := c.trackStep(ctx, event); ref != nil {
		result.Completed = ref
	}

	if c.opts.Sessions != nil && c.opts.SessionID != "" {
		stats := c.routine.Stats()
		if err := c.opts.Sessions.UpdateProgress(ctx, c.opts.SessionID, stats.Dispatched, stats.LastCycle); err != nil {
			c.logger.Warn().Err(err).Msg("failed to update session progress")
		}
	}

	if end, finite := c.comp.EndCycle(); finite && c.routine.Exhausted() && event.Cycle >= end {
		c.logger.Info().Int64("cycle", event.Cycle).Msg("composition finished")
		c.finished = true
		result.Finished = true
	}
	return result, nil
}

// resume forwards a cycle to the routine. Exhaustion is not an error here:
// the conductor keeps following the clock until the last step has run.
func (c *Conductor) resume(ctx context.Context, cycle int64) (Result, error) {
	wasExhausted := c.routine.Exhausted()
	before := c.routine.Stats()
	hint, err := c.routine.Resume(ctx, cycle)
	after := c.routine.Stats()

	result := Result{
		WakeHint:   hint,
		Dispatched: after.Dispatched - before.Dispatched,
	}
	if after.Clamped > c.clamped {
		c.clamped = after.Clamped
		c.recordEvent(ctx, func(ctx context.Context) error {
			return events.LogCycleClamped(ctx, c.opts.Events, c.opts.SessionID, cycle, after.LastCycle)
		})
	}

	if errors.Is(err, scheduler.ErrScheduleExhausted) {
		if wasExhausted {
			return result, nil
		}
		end, _ := c.comp.EndCycle()
		c.logger.Info().
			Int64("cycle", cycle).
			Int64("end_cycle", end).
			Msg("all writes scheduled, following clock until the last step ends")
		return result, nil
	}
	return result, err
}

// trackStep reports the previous step as completed when the automation step
// number changes.
func (c *Conductor) trackStep(ctx context.Context, event CycleEvent) *StepRef {
	prevRun, prevStep, had := c.lastRun, c.lastStep, c.haveStep
	c.lastRun, c.lastStep, c.haveStep = event.Run, event.Step, true

	if !had || event.Step == prevStep || prevStep <= 0 || prevRun <= 0 {
		return nil
	}

	c.completed++
	c.logger.Info().
		Int64("run", prevRun).
		Int64("step", prevStep).
		Int64("cycle", event.Cycle).
		Msg("step completed")
	c.recordEvent(ctx, func(ctx context.Context) error {
		return events.LogStepCompleted(ctx, c.opts.Events, c.opts.SessionID, prevRun, prevStep, event.Cycle)
	})
	return &StepRef{Run: prevRun, Step: prevStep}
}

func (c *Conductor) recordEvent(ctx context.Context, log func(context.Context) error) {
	if c.opts.Events == nil || c.opts.SessionID == "" {
		return
	}
	if err := log(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("failed to record event")
	}
}

// Run observes events until the composition finishes, the measurement
// stops, the channel closes (ErrSourceClosed) or ctx is cancelled. The session, if any, is
// moved to its terminal status before Run returns.
func (c *Conductor) Run(ctx context.Context, clock <-chan CycleEvent) (err error) {
	defer func() {
		c.Finish(ctx, err)
	}()

	if _, err := c.Start(ctx); err != nil {
		return fmt.Errorf("initialize schedule: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-clock:
			if !ok {
				c.logger.Warn().Msg("cycle source closed")
				return ErrSourceClosed
			}
			if event.Stopped {
				if !c.Observed() {
					c.logger.Debug().Int64("cycle", event.Cycle).Msg("ignoring stop before first cycle")
					continue
				}
				c.logger.Info().Int64("cycle", event.Cycle).Msg("measurement stopped")
				return nil
			}
			result, err := c.Observe(ctx, event)
			if err != nil {
				return err
			}
			if result.Finished {
				return nil
			}
		}
	}
}

// StepsCompleted returns how many step completions were observed.
func (c *Conductor) StepsCompleted() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

// Observed reports whether at least one cycle report has been handled.
func (c *Conductor) Observed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.observed
}

// Finished reports whether the composition ran to its end.
func (c *Conductor) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

// Finish moves the session to the terminal status implied by runErr: nil
// is finished, a context error or a closed source cancelled, anything else
// failed. Only the
// first call has an effect.
func (c *Conductor) Finish(ctx context.Context, runErr error) {
	c.finishOnce.Do(func() {
		c.finish(ctx, runErr)
	})
}

// StatusOf maps the error a session ended with to its terminal status.
func StatusOf(runErr error) models.SessionStatus {
	switch {
	case runErr == nil:
		return models.SessionStatusFinished
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded),
		errors.Is(runErr, ErrSourceClosed):
		return models.SessionStatusCancelled
	default:
		return models.SessionStatusFailed
	}
}

func (c *Conductor) finish(ctx context.Context, runErr error) {
	status := StatusOf(runErr)
	reason := ""
	if runErr != nil {
		reason = runErr.Error()
	}

	stats := c.routine.Stats()
	c.logger.Info().
		Str("status", string(status)).
		Int64("dispatched", stats.Dispatched).
		Int64("last_cycle", stats.LastCycle).
		Msg("session finished")

	if c.opts.SessionID == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if c.opts.Sessions != nil {
		if err := c.opts.Sessions.UpdateProgress(ctx, c.opts.SessionID, stats.Dispatched, stats.LastCycle); err != nil {
			c.logger.Warn().Err(err).Msg("failed to update session progress")
		}
		if err := c.opts.Sessions.Finish(ctx, c.opts.SessionID, status, reason); err != nil {
			c.logger.Warn().Err(err).Msg("failed to finish session")
		}
	}
	c.recordEvent(ctx, func(ctx context.Context) error {
		return events.LogSessionFinished(ctx, c.opts.Events, c.opts.SessionID, models.SessionFinishedPayload{
			Status:     status,
			Dispatched: stats.Dispatched,
			LastCycle:  stats.LastCycle,
			Error:      reason,
		})
	})
}
