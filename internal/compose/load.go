package compose

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// Load decodes an ordered JSON list of step records into a Composition.
func Load(r io.Reader, opts Options) (*Composition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read composition: %w", err)
	}
	steps, err := parseSteps(data)
	if err != nil {
		return nil, err
	}
	return New(steps, opts)
}

// LoadFile reads a composition file from disk.
func LoadFile(path string, opts Options) (*Composition, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("composition path is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open composition %s: %w", path, err)
	}
	defer f.Close()

	comp, err := Load(f, opts)
	if err != nil {
		return nil, fmt.Errorf("load composition %s: %w", path, err)
	}
	return comp, nil
}

// Dump writes the steps as an indented JSON list.
func (c *Composition) Dump(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(c.steps)
}

// MarshalJSON encodes the composition as its list of steps.
func (c *Composition) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.steps)
}

// Template returns the example composition written by `componist init`.
func Template() *Composition {
	comp, err := New([]*Step{
		MustStep("H60", map[string]any{"DPS_Udrift": 600}, 10, 2),
		MustStep("H40", map[string]any{"DPS_Udrift": 400}, 15, 5),
		MustStep("N30", map[string]any{"DPS_Udrift": 300}, 25, 5),
	}, DefaultOptions())
	if err != nil {
		panic(err)
	}
	return comp
}

func parseSteps(data []byte) ([]*Step, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, compositionError("steps", "empty step list")
	}
	var steps []*Step
	if err := decodeJSON(data, &steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	return steps, nil
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
