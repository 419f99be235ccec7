package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pytrms/componist/internal/compose"
	"github.com/pytrms/componist/internal/conductor"
	"github.com/pytrms/componist/internal/models"
	"github.com/pytrms/componist/internal/scheduler"
	"golang.org/x/term"
)

const progressRefresh = 100 * time.Millisecond

// sessionProgress keeps a status line on stderr while a session runs.
type sessionProgress struct {
	out     io.Writer
	name    string
	routine *scheduler.Routine
	end     int64
	finite  bool
	started time.Time

	mu     sync.Mutex
	drawn  time.Time
	width  int
	closed bool
}

// newSessionProgress returns nil when progress output is off or stderr is
// not a terminal. A nil progress passes events through untouched.
func newSessionProgress(name string, comp *compose.Composition, routine *scheduler.Routine) *sessionProgress {
	if !progressEnabled() || !term.IsTerminal(int(os.Stderr.Fd())) {
		return nil
	}
	end, finite := comp.EndCycle()
	return &sessionProgress{
		out:     os.Stderr,
		name:    name,
		routine: routine,
		end:     end,
		finite:  finite,
		started: time.Now(),
	}
}

// track forwards clock reports and redraws the status line as they pass.
func (p *sessionProgress) track(ctx context.Context, clock <-chan conductor.CycleEvent) <-chan conductor.CycleEvent {
	if p == nil {
		return clock
	}
	out := make(chan conductor.CycleEvent)
	go func() {
		defer close(out)
		for event := range clock {
			if !event.Stopped {
				p.draw(event.Cycle, false)
			}
			select {
			case <-ctx.Done():
				return
			case out <- event:
			}
		}
	}()
	return out
}

func (p *sessionProgress) draw(cycle int64, force bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	now := time.Now()
	if !force && now.Sub(p.drawn) < progressRefresh {
		return
	}
	p.drawn = now

	line := p.line(cycle, p.routine.Stats().Dispatched)
	pad := ""
	if len(line) < p.width {
		pad = strings.Repeat(" ", p.width-len(line))
	}
	p.width = len(line)
	fmt.Fprintf(p.out, "\r%s%s", line, pad)
}

func (p *sessionProgress) line(cycle, dispatched int64) string {
	if !p.finite || p.end <= 0 {
		return fmt.Sprintf("%s: cycle %d, %d writes dispatched", p.name, cycle, dispatched)
	}
	done := cycle
	if done > p.end {
		done = p.end
	}
	if done < 0 {
		done = 0
	}
	return fmt.Sprintf("%s: cycle %d/%d (%d%%), %d writes dispatched",
		p.name, cycle, p.end, done*100/p.end, dispatched)
}

// finish draws the final state and closes the status line.
func (p *sessionProgress) finish(status models.SessionStatus) {
	if p == nil {
		return
	}
	p.draw(p.routine.Stats().LastCycle, true)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	fmt.Fprintf(p.out, "\n%s after %s\n", status, formatDuration(time.Since(p.started)))
}

func progressEnabled() bool {
	if IsJSONOutput() || IsJSONLOutput() {
		return false
	}
	if noProgress {
		return false
	}
	for _, name := range []string{"COMPONIST_NO_PROGRESS", "NO_PROGRESS"} {
		if _, ok := os.LookupEnv(name); ok {
			return false
		}
	}
	return true
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return d.String()
	case d < time.Second:
		return d.Round(10 * time.Millisecond).String()
	default:
		return d.Round(100 * time.Millisecond).String()
	}
}
