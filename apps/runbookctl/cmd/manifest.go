package cmd

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Manifest describes a run in a file so it can be checked in next to the
// inputs it refers to.
type Manifest struct {
	Model string   `yaml:"model"`
	Files []string `yaml:"files"`
}

func loadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	return &m, nil
}

// resolveRun merges the manifest with command line input. Positional files
// are appended to the manifest's; an explicit --model wins.
func resolveRun(m *Manifest, flagModel string, modelChanged bool, defaultModel string, args []string) (string, []string, error) {
	model := defaultModel
	var files []string
	if m != nil {
		if m.Model != "" {
			model = m.Model
		}
		files = append(files, m.Files...)
	}
	if modelChanged {
		model = flagModel
	}
	for _, f := range args {
		if !slices.Contains(files, f) {
			files = append(files, f)
		}
	}
	if len(files) == 0 {
		return "", nil, errors.New("no input files: pass them as arguments or list them in --manifest")
	}
	if model == "" {
		return "", nil, errors.New("no model: pass --model or set it in the config")
	}
	return model, files, nil
}
