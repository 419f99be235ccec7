// Package presets translates operating-mode selections into the concrete
// set-values of the instrument's preset table.
package presets

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/pytrms/componist/internal/compose"
	"gopkg.in/yaml.v3"
)

// Preset table parameter ids written for the primary-ion and transmission
// indices when a preset enables them.
const (
	PrimionKey      = "PrimionIdx"
	TransmissionKey = "TransmissionIdx"
)

// ErrPresetNotFound is returned for an operating-mode index outside the table.
var ErrPresetNotFound = errors.New("preset not found")

// Preset is one operating mode.
type Preset struct {
	Index     int64
	Name      string
	SetValues map[string]any
}

// Table holds presets by index. It is owned by its caller; nothing is cached
// at package level.
type Table struct {
	presets []Preset
}

// File is the on-disk YAML layout of a presets file. Presets are indexed by
// their position in the list.
type File struct {
	Presets []FilePreset `yaml:"presets"`
}

// FilePreset is one entry of a presets file.
type FilePreset struct {
	Name              string         `yaml:"name"`
	PrimionIndex      *int           `yaml:"primion_index,omitempty"`
	TransmissionIndex *int           `yaml:"transmission_index,omitempty"`
	Items             map[string]any `yaml:"items,omitempty"`
}

// LoadFile reads and parses a YAML presets file.
func LoadFile(path string) (*Table, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("presets path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read presets %s: %w", path, err)
	}
	table, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse presets %s: %w", path, err)
	}
	return table, nil
}

// Parse decodes YAML preset data.
func Parse(data []byte) (*Table, error) {
	var file File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode presets: %w", err)
	}
	return FromFile(file)
}

// FromFile builds a Table from a decoded presets file.
func FromFile(file File) (*Table, error) {
	if len(file.Presets) == 0 {
		return nil, fmt.Errorf("presets file defines no presets")
	}

	table := &Table{presets: make([]Preset, 0, len(file.Presets))}
	names := make(map[string]struct{}, len(file.Presets))
	for i, entry := range file.Presets {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			return nil, fmt.Errorf("preset %d: name is required", i)
		}
		if _, dup := names[name]; dup {
			return nil, fmt.Errorf("preset %d: duplicate name %q", i, name)
		}
		names[name] = struct{}{}

		values := make(map[string]any, len(entry.Items)+2)
		if entry.PrimionIndex != nil {
			values[PrimionKey] = int64(*entry.PrimionIndex)
		}
		if entry.TransmissionIndex != nil {
			values[TransmissionKey] = int64(*entry.TransmissionIndex)
		}
		for key, value := range entry.Items {
			if key == compose.OpModeKey {
				return nil, fmt.Errorf("preset %q: items must not select %s", name, compose.OpModeKey)
			}
			normalized, err := normalize(value)
			if err != nil {
				return nil, fmt.Errorf("preset %q: %s: %w", name, key, err)
			}
			values[key] = normalized
		}

		table.presets = append(table.presets, Preset{
			Index:     int64(i),
			Name:      name,
			SetValues: values,
		})
	}
	return table, nil
}

// Len returns the number of presets.
func (t *Table) Len() int { return len(t.presets) }

// Presets returns a copy of all presets in index order.
func (t *Table) Presets() []Preset {
	out := make([]Preset, 0, len(t.presets))
	for _, p := range t.presets {
		out = append(out, p.clone())
	}
	return out
}

// Lookup returns the preset at index.
func (t *Table) Lookup(index int64) (Preset, error) {
	if index < 0 || index >= int64(len(t.presets)) {
		return Preset{}, fmt.Errorf("%w: index %d (table has %d presets)", ErrPresetNotFound, index, len(t.presets))
	}
	return t.presets[index].clone(), nil
}

// Translate expands an operating-mode selection into the preset's set-values.
// Maps without OP_Mode are returned unchanged.
func (t *Table) Translate(setValues map[string]any) (map[string]any, error) {
	raw, ok := setValues[compose.OpModeKey]
	if !ok {
		return setValues, nil
	}
	index, err := toIndex(raw)
	if err != nil {
		return nil, err
	}
	preset, err := t.Lookup(index)
	if err != nil {
		return nil, err
	}
	return preset.SetValues, nil
}

// Keys returns the parameter ids of the preset in sorted order.
func (p Preset) Keys() []string {
	keys := make([]string, 0, len(p.SetValues))
	for k := range p.SetValues {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p Preset) clone() Preset {
	values := make(map[string]any, len(p.SetValues))
	for k, v := range p.SetValues {
		values[k] = v
	}
	p.SetValues = values
	return p
}

func toIndex(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("%s must be an integer, got %v", compose.OpModeKey, v)
		}
		return int64(v), nil
	default:
		return 0, fmt.Errorf("%s must be an integer, got %T", compose.OpModeKey, value)
	}
}

func normalize(value any) (any, error) {
	switch v := value.(type) {
	case bool, string, int64, float64:
		return v, nil
	case int:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return nil, fmt.Errorf("value %d is out of range", v)
		}
		return int64(v), nil
	case nil:
		return nil, errors.New("value is required")
	default:
		return nil, fmt.Errorf("unsupported value type %T", value)
	}
}
