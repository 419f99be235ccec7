package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/pytrms/componist/internal/conductor"
	"github.com/pytrms/componist/internal/dispatch"
	"github.com/pytrms/componist/internal/models"
	"github.com/pytrms/componist/internal/scheduler"
)

func TestSessionProgressLine(t *testing.T) {
	finite := &sessionProgress{name: "twostep", end: 40, finite: true}
	if got, want := finite.line(10, 6), "twostep: cycle 10/40 (25%), 6 writes dispatched"; got != want {
		t.Fatalf("line() = %q, want %q", got, want)
	}
	if got := finite.line(55, 8); !strings.Contains(got, "(100%)") {
		t.Fatalf("line() past the end = %q, want 100%%", got)
	}

	unbounded := &sessionProgress{name: "loop"}
	if got, want := unbounded.line(7, 3), "loop: cycle 7, 3 writes dispatched"; got != want {
		t.Fatalf("line() = %q, want %q", got, want)
	}
}

func TestSessionProgressDisabled(t *testing.T) {
	disableProgress(t)
	comp := finiteComposition(t)
	routine, err := scheduler.New(comp, &dispatch.BufferSink{})
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}

	progress := newSessionProgress("twostep", comp, routine)
	if progress != nil {
		t.Fatal("expected no progress output with --no-progress")
	}
	clock := make(chan conductor.CycleEvent)
	if got := progress.track(context.Background(), clock); got != (<-chan conductor.CycleEvent)(clock) {
		t.Fatal("disabled progress should hand back the clock unchanged")
	}
	progress.finish(models.SessionStatusFinished)
}

func TestSessionProgressTracksSession(t *testing.T) {
	comp := finiteComposition(t)
	routine, err := scheduler.New(comp, &dispatch.BufferSink{})
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	end, _ := comp.EndCycle()

	var out bytes.Buffer
	progress := &sessionProgress{out: &out, name: "twostep", routine: routine, end: end, finite: true}

	ctx := context.Background()
	clock := &conductor.SimulatedClock{Composition: comp, Stop: 5}
	var cycles []int64
	for event := range progress.track(ctx, clock.Events(ctx)) {
		cycles = append(cycles, event.Cycle)
	}
	if len(cycles) != 6 || cycles[5] != 5 {
		t.Fatalf("forwarded cycles = %v, want 0..5", cycles)
	}

	progress.finish(models.SessionStatusFinished)
	got := out.String()
	if !strings.Contains(got, "twostep: cycle 0/40") {
		t.Fatalf("missing first status line in %q", got)
	}
	if !strings.Contains(got, "\nfinished after ") {
		t.Fatalf("missing final status in %q", got)
	}
}
