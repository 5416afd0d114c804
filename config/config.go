// Package config handles lamarun.toml runner configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the configuration file the runner looks for.
const FileName = "lamarun.toml"

// Config represents a lamarun.toml runner configuration.
type Config struct {
	Interpreter Interpreter `toml:"interpreter"`
	GC          GC          `toml:"gc"`
	Log         Log         `toml:"log"`

	// Dir is the directory containing the lamarun.toml file (set at load time).
	Dir string `toml:"-"`
}

// Interpreter configures execution behaviour.
type Interpreter struct {
	Trace   bool `toml:"trace"`
	Profile bool `toml:"profile"`
}

// GC configures the runtime's registry collection.
type GC struct {
	Threshold int `toml:"threshold"`
}

// Log configures diagnostics verbosity.
type Log struct {
	Verbosity int `toml:"verbosity"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	return &Config{}
}

// Load parses a lamarun.toml file from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	return &c, nil
}

// FindAndLoad walks up from startDir to find a lamarun.toml file, then
// loads and returns the configuration. Returns defaults if none is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", startDir, err)
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			return Load(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), nil
		}
		dir = parent
	}
}
