// Package config loads ccabi.yaml.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/ccabi/internal/arch"
)

const Filename = "ccabi.yaml"

// Color selects when output is styled.
type Color string

const (
	ColorAuto   Color = "auto"
	ColorAlways Color = "always"
	ColorNever  Color = "never"
)

// Check configures the randomized convention checker.
type Check struct {
	Iterations int   `yaml:"iterations"`
	Seed       int64 `yaml:"seed"`
}

type Config struct {
	// Target is an architecture name or alias; empty means the host.
	Target   string `yaml:"target"`
	PIC      bool   `yaml:"pic"`
	LogLevel string `yaml:"log_level"`
	Color    Color  `yaml:"color"`
	Check    Check  `yaml:"check"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Color:    ColorAuto,
		Check: Check{
			Iterations: 1000,
			Seed:       1,
		},
	}
}

// Load reads path on top of Default. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Debug("no config file", "path", path)
		return cfg, nil
	} else if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the tools cannot act on.
func (c *Config) Validate() error {
	if c.Target != "" {
		if _, err := arch.Parse(c.Target); err != nil {
			return err
		}
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.Color {
	case ColorAuto, ColorAlways, ColorNever:
	default:
		return fmt.Errorf("color must be auto, always or never, not %q", c.Color)
	}
	if c.Check.Iterations <= 0 {
		return fmt.Errorf("check.iterations must be positive, got %d", c.Check.Iterations)
	}
	return nil
}

// Architecture resolves Target, falling back to the host.
func (c *Config) Architecture() (arch.Architecture, error) {
	if c.Target == "" {
		if h := arch.Host(); h.Valid() {
			return h, nil
		}
		return arch.Invalid, fmt.Errorf("config: host architecture is not a supported target")
	}
	return arch.Parse(c.Target)
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return l, nil
}
