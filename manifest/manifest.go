// Package manifest handles kestrel.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Manifest represents a kestrel.toml project configuration.
type Manifest struct {
	Project Project       `toml:"project"`
	Runtime RuntimeConfig `toml:"runtime"`
	Image   ImageConfig   `toml:"image"`
	Modules ModulesConfig `toml:"modules"`

	// Dir is the directory containing the kestrel.toml file (set at
	// load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// RuntimeConfig tunes the VM.
type RuntimeConfig struct {
	InitialStackSlots     int  `toml:"initial-stack-slots"`
	InitialHeapPages      int  `toml:"initial-heap-pages"`
	TrackOpCounts         bool `toml:"track-op-counts"`
	RegistryGCIntervalSec int  `toml:"registry-gc-interval-secs"`
}

// ImageConfig configures the image store.
type ImageConfig struct {
	Store string `toml:"store"`
	Entry string `toml:"entry"`
}

// ModulesConfig holds the native module names listed in kestrel.toml.
// The list is only parsed: the CLI does not read it, and every VM loads
// all of its built-in modules regardless.
type ModulesConfig struct {
	Enabled []string `toml:"enabled"`
}

// Load parses a kestrel.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "kestrel.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if m.Image.Store == "" {
		m.Image.Store = "kestrel.db"
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a kestrel.toml file, then
// loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "kestrel.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// StorePath returns the absolute path of the image store.
func (m *Manifest) StorePath() string {
	if filepath.IsAbs(m.Image.Store) {
		return m.Image.Store
	}
	return filepath.Join(m.Dir, m.Image.Store)
}
