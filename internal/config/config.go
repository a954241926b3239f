// Package config loads errand.yaml.
//
// A missing file is not an error: every field has a default, and the CLI
// overrides individual values with flags after loading.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/roach88/errand/internal/engine"
	"github.com/roach88/errand/internal/ir"
)

// DefaultPath is the config file the CLI reads when --config is not given.
const DefaultPath = "errand.yaml"

// SchedulerConfig controls the background sweep.
type SchedulerConfig struct {
	Interval   time.Duration `yaml:"interval"`
	SweepLimit int           `yaml:"sweep_limit"`
}

// RetryConfig controls retry backoff and the default retry budget.
type RetryConfig struct {
	Base              time.Duration `yaml:"base"`
	Max               time.Duration `yaml:"max"`
	DefaultMaxRetries int           `yaml:"default_max_retries"`
}

// SpendConfig holds the default spend caps in cents. Zero means no cap.
type SpendConfig struct {
	SoftCents int64 `yaml:"soft_cents"`
	HardCents int64 `yaml:"hard_cents"`
}

// Config models errand.yaml.
type Config struct {
	Database          string          `yaml:"database"`
	LogLevel          string          `yaml:"log_level"`
	Scheduler         SchedulerConfig `yaml:"scheduler"`
	Retry             RetryConfig     `yaml:"retry"`
	Spend             SpendConfig     `yaml:"spend"`
	AllowedPrimitives []string        `yaml:"allowed_primitives"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	allowed := make([]string, len(ir.AllPrimitives))
	for i, p := range ir.AllPrimitives {
		allowed[i] = string(p)
	}
	backoff := engine.DefaultBackoff()
	return Config{
		Database: "errand.db",
		LogLevel: "info",
		Scheduler: SchedulerConfig{
			Interval:   time.Second,
			SweepLimit: 50,
		},
		Retry: RetryConfig{
			Base:              backoff.Base,
			Max:               backoff.Max,
			DefaultMaxRetries: 2,
		},
		AllowedPrimitives: allowed,
	}
}

// Load reads path over the defaults. A missing file yields Default().
// Unknown keys are rejected so a typo does not silently fall back to a
// default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges and names.
func (c Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database must not be empty")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive, got %s", c.Scheduler.Interval)
	}
	if c.Scheduler.SweepLimit < 1 {
		return fmt.Errorf("scheduler.sweep_limit must be >= 1, got %d", c.Scheduler.SweepLimit)
	}
	if c.Retry.Base <= 0 || c.Retry.Max <= 0 {
		return fmt.Errorf("retry.base and retry.max must be positive")
	}
	if c.Retry.Base > c.Retry.Max {
		return fmt.Errorf("retry.base %s exceeds retry.max %s", c.Retry.Base, c.Retry.Max)
	}
	if c.Retry.DefaultMaxRetries < 0 {
		return fmt.Errorf("retry.default_max_retries must be >= 0, got %d", c.Retry.DefaultMaxRetries)
	}
	if c.Spend.SoftCents < 0 || c.Spend.HardCents < 0 {
		return fmt.Errorf("spend caps must be >= 0")
	}
	if c.Spend.SoftCents > 0 && c.Spend.HardCents > 0 && c.Spend.SoftCents > c.Spend.HardCents {
		return fmt.Errorf("spend.soft_cents %d exceeds spend.hard_cents %d", c.Spend.SoftCents, c.Spend.HardCents)
	}
	if _, err := c.Allowed(); err != nil {
		return err
	}
	return nil
}

// Allowed returns the default allowlist as primitives.
func (c Config) Allowed() ([]ir.Primitive, error) {
	out := make([]ir.Primitive, 0, len(c.AllowedPrimitives))
	for _, name := range c.AllowedPrimitives {
		p, err := ir.ParsePrimitive(name)
		if err != nil {
			return nil, fmt.Errorf("allowed_primitives: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Backoff returns the retry schedule.
func (c Config) Backoff() engine.Backoff {
	return engine.Backoff{Base: c.Retry.Base, Max: c.Retry.Max}
}

// Level returns the parsed log level. Validate guarantees it parses.
func (c Config) Level() zapcore.Level {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
