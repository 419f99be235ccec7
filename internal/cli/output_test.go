package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pytrms/componist/internal/models"
)

func TestWriteOutput(t *testing.T) {
	origJSONL := jsonlOutput
	defer func() { jsonlOutput = origJSONL }()

	items := []map[string]int{{"a": 1}, {"b": 2}}

	tests := []struct {
		name  string
		jsonl bool
		want  string
	}{
		{"indented json", false, "[\n  {\n    \"a\": 1\n  },\n  {\n    \"b\": 2\n  }\n]\n"},
		{"jsonl splits slices", true, "{\"a\":1}\n{\"b\":2}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jsonlOutput = tt.jsonl
			var buf bytes.Buffer
			if err := WriteOutput(&buf, items); err != nil {
				t.Fatalf("WriteOutput() error = %v", err)
			}
			if buf.String() != tt.want {
				t.Errorf("WriteOutput() = %q, want %q", buf.String(), tt.want)
			}
		})
	}
}

func TestWriteOutputJSONLSingleValue(t *testing.T) {
	origJSONL := jsonlOutput
	defer func() { jsonlOutput = origJSONL }()
	jsonlOutput = true

	var buf bytes.Buffer
	if err := WriteOutput(&buf, RunSummary{Composition: "x", Status: models.SessionStatusFinished}); err != nil {
		t.Fatalf("WriteOutput() error = %v", err)
	}
	if lines := strings.Count(buf.String(), "\n"); lines != 1 {
		t.Errorf("expected one line, got %d: %q", lines, buf.String())
	}
}

func TestPreflightErrorMessage(t *testing.T) {
	err := &PreflightError{Message: "composition \"x\" not found", Hint: "pass a file"}
	if got := err.Error(); got != "composition \"x\" not found (pass a file)" {
		t.Errorf("Error() = %q", got)
	}

	bare := &PreflightError{Message: "boom"}
	if bare.Error() != "boom" {
		t.Errorf("Error() = %q, want boom", bare.Error())
	}
}

func TestFormatSetValues(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]any
		want   string
	}{
		{"empty", nil, "-"},
		{"sorted keys", map[string]any{"b": int64(2), "a": "on"}, "a=on b=2"},
		{"float and bool", map[string]any{"x": 2.5, "y": true}, "x=2.5 y=true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatSetValues(tt.values); got != tt.want {
				t.Errorf("formatSetValues() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStatusDescriptor(t *testing.T) {
	tests := []struct {
		status models.SessionStatus
		want   string
	}{
		{models.SessionStatusRunning, "RUN running"},
		{models.SessionStatusFinished, "OK finished"},
		{models.SessionStatusCancelled, "WARN cancelled"},
		{models.SessionStatusFailed, "ERR failed"},
		{"", "-"},
	}

	for _, tt := range tests {
		label, _ := statusDescriptor(tt.status)
		if label != tt.want {
			t.Errorf("statusDescriptor(%q) = %q, want %q", tt.status, label, tt.want)
		}
	}
}

func TestFormatMaxRuns(t *testing.T) {
	if got := formatMaxRuns(-1); got != "unbounded" {
		t.Errorf("formatMaxRuns(-1) = %q", got)
	}
	if got := formatMaxRuns(3); got != "3" {
		t.Errorf("formatMaxRuns(3) = %q", got)
	}
}
