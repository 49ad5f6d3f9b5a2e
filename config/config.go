// Package config handles warren.toml server configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chazu/warren/task"
)

// Config represents a warren.toml server configuration.
type Config struct {
	Server  Server  `toml:"server"`
	Budgets Budgets `toml:"budgets"`

	// Dir is the directory containing the warren.toml file (set at load
	// time).
	Dir string `toml:"-"`
}

// Server contains database and worker settings.
type Server struct {
	Database          string  `toml:"database"`
	Workers           int     `toml:"workers"`
	CheckpointSeconds float64 `toml:"checkpoint-seconds"`
}

// Budgets contains the task resource limits. Seconds fields take
// fractional values.
type Budgets struct {
	ForegroundTicks   int     `toml:"foreground-ticks"`
	ForegroundSeconds float64 `toml:"foreground-seconds"`
	BackgroundTicks   int     `toml:"background-ticks"`
	BackgroundSeconds float64 `toml:"background-seconds"`
	MaxDepth          int     `toml:"max-depth"`
	BackgroundQuota   int     `toml:"background-quota"`
	RetryLimit        int     `toml:"retry-limit"`
}

// Load parses a warren.toml file from the given directory and applies
// defaults for anything unset.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, "warren.toml")
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

	c.applyDefaults()
	return &c, nil
}

// FindAndLoad walks up from startDir to find a warren.toml file, then
// loads and returns the configuration. Returns nil if none is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}
	for {
		path := filepath.Join(dir, "warren.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// Default returns the built-in configuration, used when no warren.toml
// exists.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Server.Database == "" {
		c.Server.Database = "warren.db"
	}
	if c.Server.Workers == 0 {
		c.Server.Workers = 4
	}
	if c.Server.CheckpointSeconds == 0 {
		c.Server.CheckpointSeconds = 300
	}
	if c.Budgets.ForegroundTicks == 0 {
		c.Budgets.ForegroundTicks = 60000
	}
	if c.Budgets.ForegroundSeconds == 0 {
		c.Budgets.ForegroundSeconds = 5
	}
	if c.Budgets.BackgroundTicks == 0 {
		c.Budgets.BackgroundTicks = 30000
	}
	if c.Budgets.BackgroundSeconds == 0 {
		c.Budgets.BackgroundSeconds = 3
	}
	if c.Budgets.MaxDepth == 0 {
		c.Budgets.MaxDepth = 50
	}
	if c.Budgets.BackgroundQuota == 0 {
		c.Budgets.BackgroundQuota = 256
	}
}

// DatabasePath returns the database location relative to the config
// directory.
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.Server.Database) || c.Dir == "" {
		return c.Server.Database
	}
	return filepath.Join(c.Dir, c.Server.Database)
}

// CheckpointInterval returns how often the running server writes the
// world back to disk.
func (c *Config) CheckpointInterval() time.Duration {
	return time.Duration(c.Server.CheckpointSeconds * float64(time.Second))
}

// TaskBudgets converts the configured limits to the scheduler's form.
func (c *Config) TaskBudgets() task.Budgets {
	return task.Budgets{
		FgTicks:    c.Budgets.ForegroundTicks,
		FgSeconds:  time.Duration(c.Budgets.ForegroundSeconds * float64(time.Second)),
		BgTicks:    c.Budgets.BackgroundTicks,
		BgSeconds:  time.Duration(c.Budgets.BackgroundSeconds * float64(time.Second)),
		MaxDepth:   c.Budgets.MaxDepth,
		BgQuota:    c.Budgets.BackgroundQuota,
		RetryLimit: c.Budgets.RetryLimit,
	}
}
