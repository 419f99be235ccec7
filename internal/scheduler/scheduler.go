// Package scheduler keeps a composition's parameter writes dispatched a
// fixed number of runs ahead of the instrument's live cycle counter.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pytrms/componist/internal/compose"
	"github.com/pytrms/componist/internal/logging"
	"github.com/rs/zerolog"
)

// Scheduler errors.
var (
	ErrScheduleExhausted = errors.New("schedule exhausted")
	ErrNilComposition    = errors.New("composition is required")
	ErrNilSink           = errors.New("schedule sink is required")
)

// Sink applies a parameter value at a target cycle.
type Sink interface {
	Schedule(ctx context.Context, parID string, value any, cycle int64) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, parID string, value any, cycle int64) error

// Schedule calls f.
func (f SinkFunc) Schedule(ctx context.Context, parID string, value any, cycle int64) error {
	return f(ctx, parID, value, cycle)
}

// Stats contains routine statistics.
type Stats struct {
	// Resumes is the number of Resume calls that did work.
	Resumes int64

	// Dispatched is the number of writes the sink accepted.
	Dispatched int64

	// Failures is the number of writes the sink rejected.
	Failures int64

	// Clamped counts resumes whose cycle was lower than one seen before.
	Clamped int64

	// LastCycle is the highest current cycle seen.
	LastCycle int64

	// NextCycle is the target cycle of the next undispatched event.
	NextCycle int64

	// WakeHint is the hint returned by the last successful resume.
	WakeHint int64

	// Exhausted is set once a finite composition has no events left.
	Exhausted bool

	// LastDispatchAt is when the sink last accepted a write.
	LastDispatchAt *time.Time
}

// Option configures a Routine.
type Option func(*Routine)

// WithLogger overrides the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Routine) {
		r.logger = logger
	}
}

// Routine is the suspended state of a scheduling session. Each Resume does
// the catch-up work for one observed cycle and suspends again.
type Routine struct {
	comp   *compose.Composition
	sink   Sink
	seq    *compose.Sequence
	logger zerolog.Logger

	runDuration     int64
	foresightRuns   int
	foresightCycles int64

	mu        sync.Mutex
	next      compose.Event
	keys      []string
	keyIndex  int
	seen      bool
	exhausted bool
	stats     Stats
}

// New primes a routine: it fixes the foresight window and pulls the first
// event from a fresh sequence.
func New(comp *compose.Composition, sink Sink, opts ...Option) (*Routine, error) {
	if comp == nil {
		return nil, ErrNilComposition
	}
	if sink == nil {
		return nil, ErrNilSink
	}

	r := &Routine{
		comp:          comp,
		sink:          sink,
		seq:           comp.Sequence(),
		logger:        logging.Component("scheduler"),
		runDuration:   comp.RunDuration(),
		foresightRuns: comp.ForesightRuns(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.foresightCycles = int64(r.foresightRuns) * r.runDuration

	if !r.advance() {
		return nil, fmt.Errorf("%w: composition yields no events", ErrScheduleExhausted)
	}

	r.logger.Debug().
		Int64("run_duration", r.runDuration).
		Int64("foresight_cycles", r.foresightCycles).
		Int64("first_cycle", r.next.Cycle).
		Msg("routine primed")

	return r, nil
}

// ForesightCycles returns the look-ahead window in cycles.
func (r *Routine) ForesightCycles() int64 { return r.foresightCycles }

// RunDuration returns the length of one run in cycles.
func (r *Routine) RunDuration() int64 { return r.runDuration }

// Resume dispatches every pending event whose target cycle is below
// currentCycle + ForesightCycles and returns the cycle at which the caller
// should resume again.
//
// A sink error is returned wrapped; the routine stays on the failed
// parameter so the next Resume continues there. Once a finite composition
// runs dry, Resume returns ErrScheduleExhausted, now and on every later call,
// while still tracking the reported cycle.
func (r *Routine) Resume(ctx context.Context, currentCycle int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.seen && currentCycle < r.stats.LastCycle {
		r.logger.Warn().
			Int64("cycle", currentCycle).
			Int64("last_cycle", r.stats.LastCycle).
			Msg("cycle went backwards, clamping")
		r.stats.Clamped++
		currentCycle = r.stats.LastCycle
	}
	r.seen = true
	r.stats.LastCycle = currentCycle

	if r.exhausted {
		return 0, ErrScheduleExhausted
	}
	r.stats.Resumes++

	horizon := currentCycle + r.foresightCycles
	dispatched := 0
	for r.next.Cycle < horizon {
		for r.keyIndex < len(r.keys) {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			parID := r.keys[r.keyIndex]
			value := r.next.SetValues[parID]
			if err := r.sink.Schedule(ctx, parID, value, r.next.Cycle); err != nil {
				r.stats.Failures++
				r.logger.Error().
					Err(err).
					Str("par_id", parID).
					Int64("cycle", r.next.Cycle).
					Msg("schedule write failed")
				return 0, fmt.Errorf("schedule %s at cycle %d: %w", parID, r.next.Cycle, err)
			}
			r.keyIndex++
			dispatched++
			now := time.Now().UTC()
			r.stats.Dispatched++
			r.stats.LastDispatchAt = &now
		}

		if !r.advance() {
			r.exhausted = true
			r.stats.Exhausted = true
			r.logger.Info().
				Int64("cycle", currentCycle).
				Int("dispatched", dispatched).
				Msg("schedule exhausted")
			return 0, ErrScheduleExhausted
		}
	}

	hint := r.next.Cycle - r.runDuration*int64(max(r.foresightRuns-2, 1))
	r.stats.WakeHint = hint

	if dispatched > 0 {
		r.logger.Debug().
			Int64("cycle", currentCycle).
			Int("dispatched", dispatched).
			Int64("next_cycle", r.next.Cycle).
			Int64("wake_hint", hint).
			Msg("routine resumed")
	}

	return hint, nil
}

// Stats returns a snapshot of the routine statistics.
func (r *Routine) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := r.stats
	if stats.LastDispatchAt != nil {
		t := *stats.LastDispatchAt
		stats.LastDispatchAt = &t
	}
	return stats
}

// Exhausted reports whether the composition has no events left.
func (r *Routine) Exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exhausted
}

func (r *Routine) advance() bool {
	event, ok := r.seq.Next()
	if !ok {
		return false
	}
	r.next = event
	r.keys = event.Keys()
	r.keyIndex = 0
	r.stats.NextCycle = event.Cycle
	return true
}
