package compose

import (
	"fmt"
	"iter"
	"sort"
	"strings"
)

// automationOffset shifts automation markers one cycle past the step start:
// the instrument applies AME numbers to the cycle that follows the write.
const automationOffset = 1

// Event is one scheduling event: a set of parameter writes due at Cycle.
type Event struct {
	Cycle     int64          `json:"cycle"`
	SetValues map[string]any `json:"set_values"`
}

// Keys returns the parameter ids of the event in sorted order.
func (e Event) Keys() []string {
	keys := make([]string, 0, len(e.SetValues))
	for k := range e.SetValues {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (e Event) String() string {
	parts := make([]string, 0, len(e.SetValues))
	for _, k := range e.Keys() {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.SetValues[k]))
	}
	return fmt.Sprintf("(%d, {%s})", e.Cycle, strings.Join(parts, ", "))
}

// Sequence is a resumable cursor over a Composition's events. It holds no
// external resources; abandoning it is enough to stop.
type Sequence struct {
	comp *Composition

	future  int64
	run     int
	next    int
	pending []Event
	started bool
	done    bool
}

// Sequence returns a fresh cursor positioned at StartCycle.
func (c *Composition) Sequence() *Sequence {
	return &Sequence{
		comp:   c,
		future: c.opts.StartCycle,
		run:    1,
	}
}

// Events iterates a fresh cursor. Unbounded for infinite compositions.
func (c *Composition) Events() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		seq := c.Sequence()
		for {
			event, ok := seq.Next()
			if !ok || !yield(event) {
				return
			}
		}
	}
}

// Take returns at most n events from a fresh cursor.
func (c *Composition) Take(n int) []Event {
	events := make([]Event, 0, n)
	if n <= 0 {
		return events
	}
	for event := range c.Events() {
		events = append(events, event)
		if len(events) == n {
			break
		}
	}
	return events
}

// Run returns the run number of the step the cursor will expand next.
func (s *Sequence) Run() int { return s.run }

// Next returns the next event. It returns false once a finite composition
// is exhausted; an infinite one never is.
func (s *Sequence) Next() (Event, bool) {
	if !s.started {
		s.started = true
		if s.comp.opts.StartAction != nil {
			s.pending = append(s.pending, Event{
				Cycle:     s.future + automationOffset,
				SetValues: map[string]any{ActionMarker: int64(*s.comp.opts.StartAction)},
			})
		}
	}

	for len(s.pending) == 0 {
		if s.done {
			return Event{}, false
		}
		s.expand()
	}

	event := s.pending[0]
	s.pending = s.pending[1:]
	return event, true
}

// expand queues the events of the next (run, step) pair.
func (s *Sequence) expand() {
	steps := s.comp.steps
	if s.next == len(steps) {
		s.next = 0
		s.run++
	}
	if s.comp.IsFinite() && s.run > s.comp.opts.MaxRuns {
		s.done = true
		return
	}

	step := steps[s.next]
	index := s.next + 1
	s.next++

	s.pending = append(s.pending, Event{Cycle: s.future, SetValues: step.SetValues()})

	if s.comp.opts.GenerateAutomation {
		marker := map[string]any{StepMarker: int64(index)}
		if index == 1 {
			marker[RunMarker] = int64(s.run)
		}
		if step.StartDelay() == 0 {
			marker[UseMeanMarker] = true
			s.pending = append(s.pending, Event{Cycle: s.future + automationOffset, SetValues: marker})
		} else {
			marker[UseMeanMarker] = false
			s.pending = append(s.pending,
				Event{Cycle: s.future + automationOffset, SetValues: marker},
				Event{
					Cycle:     s.future + automationOffset + int64(step.StartDelay()),
					SetValues: map[string]any{UseMeanMarker: true},
				},
			)
		}
	}

	s.future += int64(step.Duration())
}
