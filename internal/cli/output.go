package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
)

// IsJSONOutput reports whether --json was given.
func IsJSONOutput() bool {
	return jsonOutput
}

// IsJSONLOutput reports whether --jsonl was given.
func IsJSONLOutput() bool {
	return jsonlOutput
}

// WriteOutput encodes v as indented JSON, or as one JSON object per line
// with --jsonl. Slices are written element by element in JSONL mode.
func WriteOutput(out io.Writer, v any) error {
	if IsJSONLOutput() {
		return writeJSONL(out, v)
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}

func writeJSONL(out io.Writer, v any) error {
	encoder := json.NewEncoder(out)
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return encoder.Encode(v)
	}
	for i := 0; i < rv.Len(); i++ {
		if err := encoder.Encode(rv.Index(i).Interface()); err != nil {
			return fmt.Errorf("failed to encode output: %w", err)
		}
	}
	return nil
}
