package compose

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func intPtr(v int) *int { return &v }

func oansZwoa(t *testing.T, opts Options) *Composition {
	t.Helper()
	comp, err := New([]*Step{
		MustStep("Oans", map[string]any{"Eins": 1}, 10, 2),
		MustStep("Zwoa", map[string]any{"Zwei": 2}, 10, 3),
	}, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return comp
}

func collect(t *testing.T, comp *Composition, limit int) []Event {
	t.Helper()
	var events []Event
	seq := comp.Sequence()
	for {
		event, ok := seq.Next()
		if !ok {
			return events
		}
		events = append(events, event)
		if len(events) > limit {
			t.Fatalf("sequence did not terminate within %d events", limit)
		}
	}
}

func TestNewStepValidation(t *testing.T) {
	tests := []struct {
		name       string
		stepName   string
		values     map[string]any
		duration   int
		startDelay int
		wantErr    bool
	}{
		{"valid", "H50", map[string]any{"DPS_Udrift": 500}, 10, 2, false},
		{"no values", "idle", nil, 5, 0, false},
		{"empty name", "  ", nil, 10, 0, true},
		{"negative duration", "x", nil, -1, 0, true},
		{"negative delay", "x", nil, 10, -1, true},
		{"delay equals duration", "x", nil, 10, 10, true},
		{"zero duration", "x", nil, 0, 0, true},
		{"run marker", "x", map[string]any{RunMarker: 1}, 10, 0, true},
		{"step marker", "x", map[string]any{StepMarker: 1}, 10, 0, true},
		{"use mean marker", "x", map[string]any{UseMeanMarker: false}, 10, 2, true},
		{"action number allowed", "x", map[string]any{ActionMarker: 3}, 10, 0, false},
		{"op mode alone", "x", map[string]any{OpModeKey: 2}, 10, 0, false},
		{"op mode with others", "x", map[string]any{OpModeKey: 2, "DPS_Udrift": 500}, 10, 0, true},
		{"unsupported type", "x", map[string]any{"P": []int{1}}, 10, 0, true},
		{"nil value", "x", map[string]any{"P": nil}, 10, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStep(tt.stepName, tt.values, tt.duration, tt.startDelay)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewStep() error = %v, wantErr = %v", err, tt.wantErr)
			}
			if err != nil {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("expected *ValidationError, got %T", err)
				}
				if !errors.Is(err, ErrInvalidStep) {
					t.Fatalf("expected ErrInvalidStep, got %v", err)
				}
			}
		})
	}
}

func TestStepIsImmutable(t *testing.T) {
	values := map[string]any{"DPS_Udrift": 500}
	step := MustStep("H50", values, 10, 2)

	values["DPS_Udrift"] = 1
	got := step.SetValues()
	got["DPS_Udrift"] = 2

	if v := step.SetValues()["DPS_Udrift"]; v != int64(500) {
		t.Fatalf("expected 500, got %v", v)
	}
}

func TestStepOpMode(t *testing.T) {
	step := MustStep("NO+", map[string]any{OpModeKey: 1}, 10, 0)
	index, ok := step.OpMode()
	if !ok || index != 1 {
		t.Fatalf("OpMode() = %d, %v; want 1, true", index, ok)
	}
	if _, ok := MustStep("plain", map[string]any{"A": 1}, 10, 0).OpMode(); ok {
		t.Fatal("expected no op mode")
	}
}

func TestNewCompositionValidation(t *testing.T) {
	a := MustStep("a", nil, 10, 0)
	b := MustStep("b", nil, 10, 0)
	dup := MustStep("a", nil, 5, 0)

	tests := []struct {
		name  string
		steps []*Step
		opts  Options
	}{
		{"no steps", nil, DefaultOptions()},
		{"zero max runs", []*Step{a}, Options{MaxRuns: 0, ForesightRuns: 5}},
		{"zero foresight", []*Step{a}, Options{MaxRuns: -1, ForesightRuns: 0}},
		{"negative start", []*Step{a}, Options{MaxRuns: -1, ForesightRuns: 1, StartCycle: -1}},
		{"duplicate names", []*Step{a, b, dup}, DefaultOptions()},
		{"nil step", []*Step{a, nil}, DefaultOptions()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.steps, tt.opts)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrInvalidComposition) {
				t.Fatalf("expected ErrInvalidComposition, got %v", err)
			}
		})
	}
}

func TestCompositionFiniteness(t *testing.T) {
	infinite := oansZwoa(t, DefaultOptions())
	if infinite.IsFinite() {
		t.Fatal("expected infinite composition")
	}

	opts := DefaultOptions()
	opts.MaxRuns = 1
	if !oansZwoa(t, opts).IsFinite() {
		t.Fatal("expected finite composition")
	}
}

func TestForesightRaisedToMaxRuns(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxRuns = 12
	comp := oansZwoa(t, opts)
	if comp.ForesightRuns() != 12 {
		t.Fatalf("ForesightRuns() = %d, want 12", comp.ForesightRuns())
	}

	opts.MaxRuns = 2
	comp = oansZwoa(t, opts)
	if comp.ForesightRuns() != DefaultForesightRuns {
		t.Fatalf("ForesightRuns() = %d, want %d", comp.ForesightRuns(), DefaultForesightRuns)
	}
}

func TestSequenceWithoutAutomation(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxRuns = 1
	opts.StartCycle = 8

	got := collect(t, oansZwoa(t, opts), 10)
	want := []Event{
		{Cycle: 8, SetValues: map[string]any{"Eins": int64(1)}},
		{Cycle: 18, SetValues: map[string]any{"Zwei": int64(2)}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("sequence = %v, want %v", got, want)
	}
}

func TestSequenceStartAction(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxRuns = 1
	opts.StartCycle = 8
	opts.StartAction = intPtr(7)

	got := collect(t, oansZwoa(t, opts), 10)
	want := []Event{
		{Cycle: 9, SetValues: map[string]any{ActionMarker: int64(7)}},
		{Cycle: 8, SetValues: map[string]any{"Eins": int64(1)}},
		{Cycle: 18, SetValues: map[string]any{"Zwei": int64(2)}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("sequence = %v, want %v", got, want)
	}
}

func TestSequenceWithAutomation(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxRuns = 1
	opts.StartCycle = 8
	opts.StartAction = intPtr(7)
	opts.GenerateAutomation = true

	got := collect(t, oansZwoa(t, opts), 20)
	want := []Event{
		{Cycle: 9, SetValues: map[string]any{ActionMarker: int64(7)}},
		{Cycle: 8, SetValues: map[string]any{"Eins": int64(1)}},
		{Cycle: 9, SetValues: map[string]any{StepMarker: int64(1), RunMarker: int64(1), UseMeanMarker: false}},
		{Cycle: 11, SetValues: map[string]any{UseMeanMarker: true}},
		{Cycle: 18, SetValues: map[string]any{"Zwei": int64(2)}},
		{Cycle: 19, SetValues: map[string]any{StepMarker: int64(2), UseMeanMarker: false}},
		{Cycle: 22, SetValues: map[string]any{UseMeanMarker: true}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("sequence =\n%v\nwant\n%v", got, want)
	}
}

func TestSequenceZeroDelayMarker(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxRuns = 2
	opts.GenerateAutomation = true
	comp, err := New([]*Step{MustStep("only", map[string]any{"P": 1.5}, 4, 0)}, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got := collect(t, comp, 10)
	want := []Event{
		{Cycle: 0, SetValues: map[string]any{"P": 1.5}},
		{Cycle: 1, SetValues: map[string]any{StepMarker: int64(1), RunMarker: int64(1), UseMeanMarker: true}},
		{Cycle: 4, SetValues: map[string]any{"P": 1.5}},
		{Cycle: 5, SetValues: map[string]any{StepMarker: int64(1), RunMarker: int64(2), UseMeanMarker: true}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("sequence = %v, want %v", got, want)
	}
}

func TestSequenceIsRestartable(t *testing.T) {
	opts := DefaultOptions()
	opts.GenerateAutomation = true
	opts.StartAction = intPtr(3)
	comp := oansZwoa(t, opts)

	first := comp.Take(50)
	second := comp.Take(50)
	if !reflect.DeepEqual(first, second) {
		t.Fatal("two cursors over the same composition diverged")
	}

	// mutating a yielded event must not leak into later cursors
	first[1].SetValues["Eins"] = 99
	if third := comp.Take(2); third[1].SetValues["Eins"] != int64(1) {
		t.Fatalf("event mutation leaked: %v", third[1])
	}
}

func TestSequenceInfinite(t *testing.T) {
	comp := oansZwoa(t, DefaultOptions())
	events := comp.Take(1000)
	if len(events) != 1000 {
		t.Fatalf("expected 1000 events from an infinite composition, got %d", len(events))
	}
	if last := events[len(events)-1].Cycle; last != 9990 {
		t.Fatalf("last cycle = %d, want 9990", last)
	}
}

func TestSequenceDurationAccounting(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxRuns = 4
	opts.StartCycle = 100
	opts.GenerateAutomation = true
	comp, err := New([]*Step{
		MustStep("a", map[string]any{"A": 1}, 7, 2),
		MustStep("b", map[string]any{"B": 2}, 11, 0),
		MustStep("c", map[string]any{"C": 3}, 5, 4),
	}, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var runStarts []int64
	for _, event := range collect(t, comp, 100) {
		if _, ok := event.SetValues[RunMarker]; ok {
			runStarts = append(runStarts, event.Cycle)
		}
	}
	if len(runStarts) != 4 {
		t.Fatalf("expected 4 run markers, got %d", len(runStarts))
	}
	for i := 1; i < len(runStarts); i++ {
		if delta := runStarts[i] - runStarts[i-1]; delta != comp.RunDuration() {
			t.Fatalf("run %d started %d cycles after run %d, want %d", i+1, delta, i, comp.RunDuration())
		}
	}
}

func TestSequenceStartDelayAndRunMarkers(t *testing.T) {
	opts := DefaultOptions()
	opts.GenerateAutomation = true
	comp, err := New([]*Step{
		MustStep("a", map[string]any{"A": 1}, 7, 2),
		MustStep("b", map[string]any{"B": 2}, 11, 6),
		MustStep("c", map[string]any{"C": 3}, 5, 0),
	}, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	delays := map[int64]int64{1: 2, 2: 6, 3: 0}

	events := comp.Take(300)
	for i, event := range events {
		stepIndex, isMarker := event.SetValues[StepMarker].(int64)
		if !isMarker {
			continue
		}
		_, hasRun := event.SetValues[RunMarker]
		if hasRun != (stepIndex == 1) {
			t.Fatalf("event %v: run marker present = %v for step %d", event, hasRun, stepIndex)
		}

		useMean := event.SetValues[UseMeanMarker].(bool)
		if delays[stepIndex] == 0 {
			if !useMean {
				t.Fatalf("event %v: zero-delay step must assert use-mean immediately", event)
			}
			continue
		}
		if useMean {
			t.Fatalf("event %v: delayed step must start with use-mean false", event)
		}
		if i+1 >= len(events) {
			break
		}
		confirm := events[i+1]
		if len(confirm.SetValues) != 1 || confirm.SetValues[UseMeanMarker] != true {
			t.Fatalf("expected use-mean confirmation after %v, got %v", event, confirm)
		}
		if confirm.Cycle-event.Cycle != delays[stepIndex] {
			t.Fatalf("use-mean confirmation %d cycles after marker, want %d", confirm.Cycle-event.Cycle, delays[stepIndex])
		}
	}
}

func TestDumpLoadRoundTrip(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxRuns = 3
	opts.GenerateAutomation = true
	opts.StartAction = intPtr(2)
	original, err := New([]*Step{
		MustStep("H60", map[string]any{"DPS_Udrift": 600, "PC_Flow": 2.25}, 10, 2),
		MustStep("valve", map[string]any{"VAL_Open": true, "ACQ_Comment": "zero air"}, 15, 5),
		MustStep("mode", map[string]any{OpModeKey: 1}, 25, 0),
	}, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var buf bytes.Buffer
	if err := original.Dump(&buf); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	loaded, err := Load(&buf, opts)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if loaded.Len() != original.Len() {
		t.Fatalf("Len() = %d, want %d", loaded.Len(), original.Len())
	}
	for i, step := range loaded.Steps() {
		want := original.Steps()[i]
		if step.Name() != want.Name() || step.Duration() != want.Duration() || step.StartDelay() != want.StartDelay() {
			t.Fatalf("step %d = %s/%d/%d, want %s/%d/%d", i, step.Name(), step.Duration(), step.StartDelay(),
				want.Name(), want.Duration(), want.StartDelay())
		}
		if !reflect.DeepEqual(step.SetValues(), want.SetValues()) {
			t.Fatalf("step %d values = %v, want %v", i, step.SetValues(), want.SetValues())
		}
	}
	if !reflect.DeepEqual(collect(t, loaded, 100), collect(t, original, 100)) {
		t.Fatal("round-tripped composition yields a different sequence")
	}
}

func TestDumpLoadKeepsFloatTypes(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxRuns = 2
	original, err := New([]*Step{
		MustStep("A", map[string]any{"DPS_Udrift": 600.0, "PC_Flow": 1e21, "Tiny": 1e-7}, 10, 2),
	}, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var buf bytes.Buffer
	if err := original.Dump(&buf); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if !strings.Contains(buf.String(), "600.0") {
		t.Fatalf("dump lost the fractional part: %s", buf.String())
	}
	loaded, err := Load(&buf, opts)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	values := loaded.Steps()[0].SetValues()
	if v, ok := values["DPS_Udrift"].(float64); !ok || v != 600 {
		t.Fatalf("DPS_Udrift = %#v, want float64(600)", values["DPS_Udrift"])
	}
	if !reflect.DeepEqual(values, original.Steps()[0].SetValues()) {
		t.Fatalf("values = %#v, want %#v", values, original.Steps()[0].SetValues())
	}
	if !reflect.DeepEqual(collect(t, loaded, 10), collect(t, original, 10)) {
		t.Fatal("round-tripped composition yields a different sequence")
	}
}

func TestLoadRejectsInvalidSteps(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"empty", ""},
		{"empty list", "[]"},
		{"reserved key", `[{"name": "a", "set_values": {"AME_RunNumber": 1}, "duration": 10, "start_delay": 0}]`},
		{"bad delay", `[{"name": "a", "set_values": {}, "duration": 10, "start_delay": 10}]`},
		{"duplicate", `[{"name": "a", "duration": 10, "start_delay": 0}, {"name": "a", "duration": 5, "start_delay": 0}]`},
		{"null step", `[null]`},
		{"not a list", `{"name": "a"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(strings.NewReader(tt.json), DefaultOptions()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestTemplate(t *testing.T) {
	comp := Template()
	if comp.Len() != 3 {
		t.Fatalf("expected 3 template steps, got %d", comp.Len())
	}
	if comp.RunDuration() != 50 {
		t.Fatalf("RunDuration() = %d, want 50", comp.RunDuration())
	}
}

func TestLocate(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxRuns = 2
	opts.StartCycle = 8
	comp := oansZwoa(t, opts)

	end, finite := comp.EndCycle()
	if !finite || end != 48 {
		t.Fatalf("EndCycle() = %d, %v; want 48, true", end, finite)
	}

	tests := []struct {
		cycle    int64
		run      int
		step     int
		expectOK bool
	}{
		{7, 0, 0, false},
		{8, 1, 1, true},
		{17, 1, 1, true},
		{18, 1, 2, true},
		{28, 2, 1, true},
		{47, 2, 2, true},
		{48, 0, 0, false},
	}
	for _, tt := range tests {
		run, step, ok := comp.Locate(tt.cycle)
		if run != tt.run || step != tt.step || ok != tt.expectOK {
			t.Errorf("Locate(%d) = %d, %d, %v; want %d, %d, %v", tt.cycle, run, step, ok, tt.run, tt.step, tt.expectOK)
		}
	}

	if _, finite := oansZwoa(t, DefaultOptions()).EndCycle(); finite {
		t.Fatal("expected infinite composition to have no end cycle")
	}
}
