// Package config reads the viewer settings file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const fileName = "config.yaml"

type Batch struct {
	Local        int `yaml:"local"`
	Remote       int `yaml:"remote"`
	SearchLocal  int `yaml:"search_local"`
	SearchRemote int `yaml:"search_remote"`
}

type Config struct {
	// BrokenLineLength is the row distance beyond which edges are drawn
	// broken. Zero disables broken lines.
	BrokenLineLength int           `yaml:"broken_line_length"`
	Batch            Batch         `yaml:"batch"`
	FirstUpdate      time.Duration `yaml:"first_update"`
	// RemoteDelay postpones body loads from remote repositories so that
	// scrolling can coalesce.
	RemoteDelay    time.Duration `yaml:"remote_delay"`
	CollapseMerges bool          `yaml:"collapse_merges"`
	Theme          string        `yaml:"theme"`
}

func Default() Config {
	return Config{
		BrokenLineLength: 32,
		Batch: Batch{
			Local:        30,
			Remote:       5,
			SearchLocal:  100,
			SearchRemote: 10,
		},
		FirstUpdate: 500 * time.Millisecond,
		RemoteDelay: 500 * time.Millisecond,
		Theme:       "auto",
	}
}

// DefaultPath returns the settings file under the user config directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("user config dir: %w", err)
	}
	return filepath.Join(dir, "qlog-go", fileName), nil
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.BrokenLineLength < 0 || (c.BrokenLineLength > 0 && c.BrokenLineLength < 3) {
		errs = append(errs, fmt.Errorf("broken_line_length must be 0 or at least 3, got %d", c.BrokenLineLength))
	}
	batches := []struct {
		name string
		v    int
	}{
		{"batch.local", c.Batch.Local},
		{"batch.remote", c.Batch.Remote},
		{"batch.search_local", c.Batch.SearchLocal},
		{"batch.search_remote", c.Batch.SearchRemote},
	}
	for _, b := range batches {
		if b.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", b.name, b.v))
		}
	}
	if c.FirstUpdate < 0 {
		errs = append(errs, fmt.Errorf("first_update must not be negative, got %s", c.FirstUpdate))
	}
	if c.RemoteDelay < 0 {
		errs = append(errs, fmt.Errorf("remote_delay must not be negative, got %s", c.RemoteDelay))
	}
	switch c.Theme {
	case "", "auto", "light", "dark":
	default:
		errs = append(errs, fmt.Errorf("theme must be auto, light or dark, got %q", c.Theme))
	}
	return errors.Join(errs...)
}
