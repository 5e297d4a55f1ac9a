// Package preset loads named emc2 option sets from YAML files, so common
// calculation setups can be reused across runs.
package preset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/SMTG-Bham/e2mc2/internal/montecarlo"
)

type Preset struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Options     map[string]any `yaml:"options"`
}

func Parse(path string) (*Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read preset file: %w", err)
	}

	var p Preset
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse preset YAML: %w", err)
	}

	if p.Name == "" {
		name := filepath.Base(path)
		p.Name = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
	}

	return &p, nil
}

func LoadAll(dirs []string) (map[string]*Preset, error) {
	presets := make(map[string]*Preset)

	for _, dir := range dirs {
		if err := loadFromDir(dir, presets); err != nil {
			// Skip directories that don't exist
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
	}

	return presets, nil
}

func loadFromDir(dir string, presets map[string]*Preset) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		p, err := Parse(path)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}

		presets[p.Name] = p
	}

	return nil
}

// Validate checks the preset's option set against the recognized emc2
// options. Required options may still be missing from a preset; those are
// enforced when a calculation is constructed, so partial presets can be
// completed on the command line.
func Validate(p *Preset) error {
	if len(p.Options) == 0 {
		return fmt.Errorf("preset %q defines no options", p.Name)
	}

	for name, value := range p.Options {
		if _, err := montecarlo.ValidateOption(name, value); err != nil {
			return fmt.Errorf("preset %q: %w", p.Name, err)
		}
	}

	return nil
}
