package compose

import (
	"fmt"
)

// DefaultForesightRuns is the default number of whole runs planned ahead.
const DefaultForesightRuns = 5

// Options configures how a Composition maps onto absolute cycles.
type Options struct {
	// MaxRuns is the repeat count. Negative means unbounded; 0 is invalid.
	MaxRuns int

	// StartCycle is the absolute cycle of the first step.
	StartCycle int64

	// StartAction, when set, is written as the action number one cycle
	// after StartCycle.
	StartAction *int

	// GenerateAutomation synthesizes run/step/use-mean markers.
	GenerateAutomation bool

	// ForesightRuns is the minimum number of whole runs to plan ahead.
	// Raised to MaxRuns for finite compositions.
	ForesightRuns int
}

// DefaultOptions returns unbounded runs starting at cycle 0 without
// automation markers.
func DefaultOptions() Options {
	return Options{
		MaxRuns:       -1,
		ForesightRuns: DefaultForesightRuns,
	}
}

// Composition is an ordered, possibly repeating plan of Steps.
// It is read-only after construction and safe to share.
type Composition struct {
	steps []*Step
	opts  Options
}

func compositionError(field, format string, args ...any) error {
	return &ValidationError{Kind: ErrInvalidComposition, Field: field, Message: fmt.Sprintf(format, args...)}
}

// New validates steps and options and builds a Composition.
func New(steps []*Step, opts Options) (*Composition, error) {
	if len(steps) == 0 {
		return nil, compositionError("steps", "empty step list")
	}
	if opts.MaxRuns == 0 {
		return nil, compositionError("max_runs", "must not be 0 (use a negative value for unbounded)")
	}
	if opts.ForesightRuns <= 0 {
		return nil, compositionError("foresight_runs", "must be positive, got %d", opts.ForesightRuns)
	}
	if opts.StartCycle < 0 {
		return nil, compositionError("start_cycle", "must not be negative, got %d", opts.StartCycle)
	}

	seen := make(map[string]struct{}, len(steps))
	for i, step := range steps {
		if step == nil {
			return nil, compositionError("steps", "step %d is nil", i+1)
		}
		if _, exists := seen[step.Name()]; exists {
			return nil, compositionError("steps", "duplicate step name %q", step.Name())
		}
		seen[step.Name()] = struct{}{}
	}

	if opts.MaxRuns > opts.ForesightRuns {
		opts.ForesightRuns = opts.MaxRuns
	}
	if opts.StartAction != nil {
		action := *opts.StartAction
		opts.StartAction = &action
	}

	return &Composition{
		steps: append([]*Step(nil), steps...),
		opts:  opts,
	}, nil
}

// Steps returns the ordered steps.
func (c *Composition) Steps() []*Step {
	return append([]*Step(nil), c.steps...)
}

// Len returns the number of steps in one run.
func (c *Composition) Len() int { return len(c.steps) }

// Options returns a copy of the effective options.
func (c *Composition) Options() Options {
	opts := c.opts
	if opts.StartAction != nil {
		action := *opts.StartAction
		opts.StartAction = &action
	}
	return opts
}

// MaxRuns returns the repeat count (negative for unbounded).
func (c *Composition) MaxRuns() int { return c.opts.MaxRuns }

// StartCycle returns the absolute cycle of the first step.
func (c *Composition) StartCycle() int64 { return c.opts.StartCycle }

// StartAction returns the initial action number, if any.
func (c *Composition) StartAction() (int, bool) {
	if c.opts.StartAction == nil {
		return 0, false
	}
	return *c.opts.StartAction, true
}

// GenerateAutomation reports whether markers are synthesized.
func (c *Composition) GenerateAutomation() bool { return c.opts.GenerateAutomation }

// ForesightRuns returns the effective look-ahead in runs.
func (c *Composition) ForesightRuns() int { return c.opts.ForesightRuns }

// IsFinite reports whether the run enumeration ever ends.
func (c *Composition) IsFinite() bool { return c.opts.MaxRuns > 0 }

// RunDuration returns the length of one run in cycles.
func (c *Composition) RunDuration() int64 {
	var total int64
	for _, step := range c.steps {
		total += int64(step.Duration())
	}
	return total
}

// WithOptions returns a Composition over the same steps with new options.
func (c *Composition) WithOptions(opts Options) (*Composition, error) {
	return New(c.steps, opts)
}

// EndCycle returns the first cycle after the last step of a finite
// composition. It reports false for an infinite one.
func (c *Composition) EndCycle() (int64, bool) {
	if !c.IsFinite() {
		return 0, false
	}
	return c.opts.StartCycle + int64(c.opts.MaxRuns)*c.RunDuration(), true
}

// Locate returns the 1-based run and step active at cycle. It reports false
// before StartCycle and at or after EndCycle.
func (c *Composition) Locate(cycle int64) (run, step int, ok bool) {
	if cycle < c.opts.StartCycle {
		return 0, 0, false
	}
	if end, finite := c.EndCycle(); finite && cycle >= end {
		return 0, 0, false
	}

	runDuration := c.RunDuration()
	offset := cycle - c.opts.StartCycle
	run = int(offset/runDuration) + 1
	within := offset % runDuration
	for i, s := range c.steps {
		if within < int64(s.Duration()) {
			return run, i + 1, true
		}
		within -= int64(s.Duration())
	}
	return 0, 0, false
}
