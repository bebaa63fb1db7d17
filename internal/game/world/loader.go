package world

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// yamlTemplateFile is the top-level YAML structure for world template files.
type yamlTemplateFile struct {
	World yamlTemplate `yaml:"world"`
}

// yamlTemplate is the YAML representation of a starting world.
type yamlTemplate struct {
	Width  int        `yaml:"width"`
	Height int        `yaml:"height"`
	Fill   string     `yaml:"fill"`
	Tiles  []yamlTile `yaml:"tiles"`
}

// yamlTile overrides one cell of the filled grid.
type yamlTile struct {
	X        int      `yaml:"x"`
	Y        int      `yaml:"y"`
	Name     string   `yaml:"name"`
	Contains []string `yaml:"contains"`
}

// LoadTemplateFromFile reads the starting world new players receive.
//
// Precondition: path must point to a YAML template file.
// Postcondition: Returns a validated State or a non-nil error.
func LoadTemplateFromFile(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, fmt.Errorf("reading world template %s: %w", path, err)
	}
	return LoadTemplateFromBytes(data)
}

// LoadTemplateFromBytes parses a world template from YAML bytes.
//
// Postcondition: Returns a validated State or a non-nil error. Tile overrides
// outside the grid are rejected.
func LoadTemplateFromBytes(data []byte) (State, error) {
	var f yamlTemplateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return State{}, fmt.Errorf("parsing world template YAML: %w", err)
	}
	t := f.World
	if t.Width <= 0 || t.Height <= 0 {
		return State{}, fmt.Errorf("world template dimensions must be positive, got %dx%d", t.Width, t.Height)
	}
	if t.Fill == "" {
		return State{}, fmt.Errorf("world template fill must not be empty")
	}

	s := NewState(t.Width, t.Height, t.Fill)
	for i, yt := range t.Tiles {
		if yt.Name == "" {
			return State{}, fmt.Errorf("tile override %d: name must not be empty", i)
		}
		if err := s.SetTile(yt.X, yt.Y, Tile{Name: yt.Name, Contains: yt.Contains}); err != nil {
			return State{}, fmt.Errorf("tile override %d: %w", i, err)
		}
	}
	return s, s.Validate()
}
