package dag

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"
)

// DefinitionLoader loads pipeline definitions by name.
type DefinitionLoader interface {
	Load(name string) (*Definition, error)
}

// FileDefinitionLoader loads definitions from YAML files on disk.
type FileDefinitionLoader struct {
	dirs []string
}

// NewFileDefinitionLoader creates a loader that searches the given
// directories for {name}.yaml or {name}.yml, one level of subdirectories deep.
func NewFileDefinitionLoader(dirs ...string) *FileDefinitionLoader {
	return &FileDefinitionLoader{dirs: dirs}
}

// Load searches the configured directories for the named definition.
func (l *FileDefinitionLoader) Load(name string) (*Definition, error) {
	for _, dir := range l.dirs {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, name+ext)
			if d, err := LoadDefinition(path); err == nil {
				return d, nil
			}

			matches, _ := filepath.Glob(filepath.Join(dir, "*", name+ext))
			for _, match := range matches {
				if d, err := LoadDefinition(match); err == nil {
					return d, nil
				}
			}
		}
	}
	return nil, fmt.Errorf("dag: pipeline %q not found in %v", name, l.dirs)
}

// LoadDefinition reads a YAML or JSON definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	d, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("dag: parsing %s: %w", path, err)
	}
	return d, nil
}

// ParseDefinition decodes a YAML or JSON definition. Unknown fields are rejected.
func ParseDefinition(data []byte) (*Definition, error) {
	var d Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// LoadGraph reads and builds a definition file.
func LoadGraph(path string) (*Graph, error) {
	d, err := LoadDefinition(path)
	if err != nil {
		return nil, err
	}
	return d.Build()
}
