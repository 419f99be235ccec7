// Package compose defines Steps and Compositions and turns a Composition
// into a lazy stream of cycle-stamped parameter writes.
package compose

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Automation markers written alongside step set-values. Run, step and
// use-mean markers are reserved and cannot appear in a Step's own set-values.
const (
	RunMarker     = "AME_RunNumber"
	StepMarker    = "AME_StepNumber"
	UseMeanMarker = "AUTO_UseMean"
	ActionMarker  = "AME_ActionNumber"

	// OpModeKey selects an operating-mode preset. A step that sets it may
	// not set anything else.
	OpModeKey = "OP_Mode"
)

var reservedKeys = []string{RunMarker, StepMarker, UseMeanMarker}

// Validation errors.
var (
	ErrInvalidStep        = errors.New("invalid step")
	ErrInvalidComposition = errors.New("invalid composition")
)

// ValidationError reports a construction-time violation.
type ValidationError struct {
	Kind    error
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%v: %s: %s", e.Kind, e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Kind
}

func stepError(field, format string, args ...any) error {
	return &ValidationError{Kind: ErrInvalidStep, Field: field, Message: fmt.Sprintf(format, args...)}
}

// Step is a named, timed change of instrument set-points.
// Steps are immutable once constructed.
type Step struct {
	name       string
	setValues  map[string]any
	duration   int
	startDelay int
}

// NewStep validates and builds a Step. Integer values are normalized to
// int64 and floats to float64; only bool, string and numbers are accepted.
func NewStep(name string, setValues map[string]any, duration, startDelay int) (*Step, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, stepError("name", "name is required")
	}
	if duration < 0 {
		return nil, stepError("duration", "step %q: duration must not be negative, got %d", name, duration)
	}
	if startDelay < 0 {
		return nil, stepError("start_delay", "step %q: start delay must not be negative, got %d", name, startDelay)
	}
	if startDelay >= duration {
		return nil, stepError("start_delay", "step %q: start delay %d must be shorter than duration %d", name, startDelay, duration)
	}

	values := make(map[string]any, len(setValues))
	for key, value := range setValues {
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, stepError("set_values", "step %q: empty parameter id", name)
		}
		for _, reserved := range reservedKeys {
			if key == reserved {
				return nil, stepError("set_values", "step %q: automation number %s cannot be defined", name, key)
			}
		}
		normalized, err := normalizeValue(value)
		if err != nil {
			return nil, stepError("set_values", "step %q: %s: %v", name, key, err)
		}
		values[key] = normalized
	}
	if _, ok := values[OpModeKey]; ok && len(values) > 1 {
		return nil, stepError("set_values", "step %q: %s must be the only set-value", name, OpModeKey)
	}

	return &Step{
		name:       name,
		setValues:  values,
		duration:   duration,
		startDelay: startDelay,
	}, nil
}

// MustStep is like NewStep but panics on error. Intended for fixed templates.
func MustStep(name string, setValues map[string]any, duration, startDelay int) *Step {
	step, err := NewStep(name, setValues, duration, startDelay)
	if err != nil {
		panic(err)
	}
	return step
}

// Name returns the step name.
func (s *Step) Name() string { return s.name }

// Duration returns the step length in cycles.
func (s *Step) Duration() int { return s.duration }

// StartDelay returns the settling period in cycles before data may be averaged.
func (s *Step) StartDelay() int { return s.startDelay }

// SetValues returns a copy of the step's set-values.
func (s *Step) SetValues() map[string]any {
	return copyValues(s.setValues)
}

// OpMode returns the preset index if the step selects an operating mode.
func (s *Step) OpMode() (int64, bool) {
	v, ok := s.setValues[OpModeKey]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}

type stepRecord struct {
	Name       string         `json:"name"`
	SetValues  map[string]any `json:"set_values"`
	Duration   int            `json:"duration"`
	StartDelay int            `json:"start_delay"`
}

// floatValue keeps a fractional part on integral floats so that 600.0
// decodes back to a float64 rather than an int64.
type floatValue float64

func (f floatValue) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("value %v is not finite", v)
	}
	out := strconv.AppendFloat(nil, v, 'g', -1, 64)
	if !strings.ContainsAny(string(out), ".eE") {
		out = append(out, '.', '0')
	}
	return out, nil
}

// MarshalJSON encodes the step as a flat record.
func (s *Step) MarshalJSON() ([]byte, error) {
	values := make(map[string]any, len(s.setValues))
	for k, v := range s.setValues {
		if f, ok := v.(float64); ok {
			values[k] = floatValue(f)
			continue
		}
		values[k] = v
	}
	return json.Marshal(stepRecord{
		Name:       s.name,
		SetValues:  values,
		Duration:   s.duration,
		StartDelay: s.startDelay,
	})
}

// UnmarshalJSON decodes a flat record and validates it.
func (s *Step) UnmarshalJSON(data []byte) error {
	var rec stepRecord
	if err := decodeJSON(data, &rec); err != nil {
		return err
	}
	step, err := NewStep(rec.Name, rec.SetValues, rec.Duration, rec.StartDelay)
	if err != nil {
		return err
	}
	*s = *step
	return nil
}

func normalizeValue(value any) (any, error) {
	switch v := value.(type) {
	case bool, string:
		return v, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case float32:
		return float64(v), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("value %v is not finite", v)
		}
		return v, nil
	case json.Number:
		if !strings.ContainsAny(v.String(), ".eE") {
			if n, err := v.Int64(); err == nil {
				return n, nil
			}
		}
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", v.String())
		}
		return f, nil
	case nil:
		return nil, errors.New("value is required")
	default:
		return nil, fmt.Errorf("unsupported value type %T", value)
	}
}

func copyValues(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}
