package compose

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

//go:embed builtin/*.json
var builtinFS embed.FS

// Definition is a named step list as found on disk or bundled with the binary.
type Definition struct {
	Name   string
	Source string // file path or "builtin"
	Steps  []*Step
}

// Compose builds a Composition from the definition's steps.
func (d *Definition) Compose(opts Options) (*Composition, error) {
	if d == nil {
		return nil, fmt.Errorf("definition is required")
	}
	comp, err := New(d.Steps, opts)
	if err != nil {
		return nil, fmt.Errorf("compose %q: %w", d.Name, err)
	}
	return comp, nil
}

// RunDuration returns the length of one run in cycles.
func (d *Definition) RunDuration() int64 {
	var total int64
	for _, step := range d.Steps {
		total += int64(step.Duration())
	}
	return total
}

// LoadBuiltinDefinitions returns the compositions bundled with componist.
func LoadBuiltinDefinitions() ([]*Definition, error) {
	entries, err := fs.ReadDir(builtinFS, "builtin")
	if err != nil {
		return nil, fmt.Errorf("read builtin compositions: %w", err)
	}

	defs := make([]*Definition, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := builtinFS.ReadFile("builtin/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read builtin composition %s: %w", entry.Name(), err)
		}
		steps, err := parseSteps(data)
		if err != nil {
			return nil, fmt.Errorf("parse builtin composition %s: %w", entry.Name(), err)
		}
		defs = append(defs, &Definition{
			Name:   definitionName(entry.Name()),
			Source: "builtin",
			Steps:  steps,
		})
	}

	sortDefinitions(defs)
	return defs, nil
}

// LoadDefinition reads a single definition from disk.
func LoadDefinition(path string) (*Definition, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("composition path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read composition %s: %w", path, err)
	}
	steps, err := parseSteps(data)
	if err != nil {
		return nil, fmt.Errorf("parse composition %s: %w", path, err)
	}
	return &Definition{
		Name:   definitionName(filepath.Base(path)),
		Source: path,
		Steps:  steps,
	}, nil
}

// LoadDefinitionsFromDir loads every *.json composition in dir.
// A missing directory yields an empty list.
func LoadDefinitionsFromDir(dir string) ([]*Definition, error) {
	if strings.TrimSpace(dir) == "" {
		return []*Definition{}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Definition{}, nil
		}
		return nil, fmt.Errorf("read compositions dir %s: %w", dir, err)
	}

	defs := make([]*Definition, 0)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.ToLower(filepath.Ext(entry.Name())) != ".json" {
			continue
		}
		def, err := LoadDefinition(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}

	sortDefinitions(defs)
	return defs, nil
}

// SearchPaths returns composition directories in precedence order.
func SearchPaths(projectDir string) []string {
	paths := make([]string, 0, 2)
	if projectDir != "" {
		paths = append(paths, filepath.Join(projectDir, ".componist", "compositions"))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".config", "componist", "compositions"))
	}
	return paths
}

// LoadDefinitionsFromSearchPaths resolves definitions with first-hit
// precedence: project, user, then builtin.
func LoadDefinitionsFromSearchPaths(projectDir string) ([]*Definition, error) {
	seen := make(map[string]*Definition)
	order := make([]string, 0)

	add := func(defs []*Definition) {
		for _, def := range defs {
			if _, exists := seen[def.Name]; exists {
				continue
			}
			seen[def.Name] = def
			order = append(order, def.Name)
		}
	}

	for _, path := range SearchPaths(projectDir) {
		defs, err := LoadDefinitionsFromDir(path)
		if err != nil {
			return nil, err
		}
		add(defs)
	}

	builtins, err := LoadBuiltinDefinitions()
	if err != nil {
		return nil, err
	}
	add(builtins)

	resolved := make([]*Definition, 0, len(order))
	for _, name := range order {
		resolved = append(resolved, seen[name])
	}
	return resolved, nil
}

// FindDefinition returns the definition with the given name (case-insensitive).
func FindDefinition(defs []*Definition, name string) *Definition {
	name = strings.TrimSpace(name)
	for _, def := range defs {
		if strings.EqualFold(def.Name, name) {
			return def
		}
	}
	return nil
}

func definitionName(file string) string {
	return strings.TrimSuffix(file, filepath.Ext(file))
}

func sortDefinitions(defs []*Definition) {
	sort.Slice(defs, func(i, j int) bool {
		return defs[i].Name < defs[j].Name
	})
}
