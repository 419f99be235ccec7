package conductor

import (
	"context"
	"time"

	"github.com/pytrms/componist/internal/compose"
)

// SimulatedClock stands in for the instrument: it reports consecutive
// cycles at a fixed interval, with automation numbers taken from the
// composition.
type SimulatedClock struct {
	Composition *compose.Composition

	// Start is the first reported cycle.
	Start int64

	// Stop, if positive, is the cycle at which a stopped event is sent.
	Stop int64

	// Interval between reports. Zero reports as fast as the reader consumes.
	Interval time.Duration
}

// Event returns the report the clock produces for cycle.
func (c *SimulatedClock) Event(cycle int64) CycleEvent {
	event := CycleEvent{Cycle: cycle}
	if c.Composition == nil {
		return event
	}
	if run, step, ok := c.Composition.Locate(cycle); ok {
		event.Run = int64(run)
		event.Step = int64(step)
	}
	if action, ok := c.Composition.StartAction(); ok {
		event.Action = int64(action)
	}
	return event
}

// Events starts the clock. The channel closes after the stopped event or
// when ctx is done.
func (c *SimulatedClock) Events(ctx context.Context) <-chan CycleEvent {
	out := make(chan CycleEvent)
	go func() {
		defer close(out)

		var tick <-chan time.Time
		if c.Interval > 0 {
			ticker := time.NewTicker(c.Interval)
			defer ticker.Stop()
			tick = ticker.C
		}

		for cycle := c.Start; ; cycle++ {
			event := c.Event(cycle)
			if c.Stop > 0 && cycle >= c.Stop {
				event.Stopped = true
			}
			select {
			case <-ctx.Done():
				return
			case out <- event:
			}
			if event.Stopped {
				return
			}
			if tick != nil {
				select {
				case <-ctx.Done():
					return
				case <-tick:
				}
			}
		}
	}()
	return out
}
