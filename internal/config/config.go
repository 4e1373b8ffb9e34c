// Package config loads the orchestrator configuration from YAML with
// sensible defaults and derives the on-disk layout from the configured root.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Root      string          `yaml:"root"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Policy    PolicyConfig    `yaml:"policy"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Stages    StagesConfig    `yaml:"stages"`
	Events    EventsConfig    `yaml:"events"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	Lock      LockConfig      `yaml:"lock"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds the optional run-history mirror connection.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// PolicyConfig holds the optional custom run-gate rule.
type PolicyConfig struct {
	Rule string `yaml:"rule"`
}

// SchedulerConfig names the external OS scheduler unit and its cadence.
type SchedulerConfig struct {
	Unit                string `yaml:"unit"`
	ExpectedIntervalMin int    `yaml:"expected_interval_min"`
}

// StageConfig is one stage's command and retry budget.
type StageConfig struct {
	Command       []string `yaml:"command"`
	MaxRetries    *int     `yaml:"max_retries"`
	RetryDelaySec int      `yaml:"retry_delay_sec"`
	TimeoutSec    int      `yaml:"timeout_sec"`
}

// StagesConfig configures the three batch stages.
type StagesConfig struct {
	Translator StageConfig `yaml:"translator"`
	Analyzer   StageConfig `yaml:"analyzer"`
	Merger     StageConfig `yaml:"merger"`
}

// EventsConfig tunes the event bus and tailer.
type EventsConfig struct {
	RingSize        int `yaml:"ring_size"`
	LiveWindowMin   int `yaml:"live_window_min"`
	RotateMB        int `yaml:"rotate_mb"`
	TailIntervalSec int `yaml:"tail_interval_sec"`
}

// WatchdogConfig tunes the hung-run detector.
type WatchdogConfig struct {
	IntervalSec         int `yaml:"interval_sec"`
	HeartbeatTimeoutSec int `yaml:"heartbeat_timeout_sec"`
}

// LockConfig tunes the cross-process lock.
type LockConfig struct {
	MaxRuntimeSec int `yaml:"max_runtime_sec"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
		Scheduler: SchedulerConfig{
			ExpectedIntervalMin: 15,
		},
	}
}

// Load reads a YAML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault tries "config.yaml" in the current directory, falling back to
// defaults with the root taken from MARKETPIPE_ROOT.
func LoadDefault() (*Config, error) {
	cfg, err := Load("config.yaml")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = defaults()
			cfg.Root = os.Getenv("MARKETPIPE_ROOT")
			if verr := cfg.Validate(); verr != nil {
				return nil, verr
			}
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// Validate fails fast on missing mandatory settings.
func (c *Config) Validate() error {
	if c.Root == "" {
		return errors.New("config: root path is required")
	}
	return nil
}

// Derived filesystem layout, all relative to Root.

func (c *Config) LogsDir() string      { return filepath.Join(c.Root, "automation", "logs") }
func (c *Config) EventsDir() string    { return filepath.Join(c.LogsDir(), "events") }
func (c *Config) OffsetsPath() string  { return filepath.Join(c.EventsDir(), "jsonl_offsets.json") }
func (c *Config) LockPath() string     { return filepath.Join(c.LogsDir(), "pipeline.lock") }
func (c *Config) StatePath() string    { return filepath.Join(c.LogsDir(), "orchestrator_state.json") }
func (c *Config) AuditPath() string    { return filepath.Join(c.LogsDir(), "scheduler_state.json") }
func (c *Config) RunsDir() string      { return filepath.Join(c.LogsDir(), "runs") }
func (c *Config) SchedulePath() string { return filepath.Join(c.Root, "configs", "schedule.json") }

func (c *Config) RawDir() string        { return filepath.Join(c.Root, "data", "raw") }
func (c *Config) TranslatedDir() string { return filepath.Join(c.Root, "data", "translated") }
func (c *Config) AnalyzedDir() string   { return filepath.Join(c.Root, "data", "analyzed") }

// AnalyzerRunsDir holds the analyzer's run-scoped success markers.
func (c *Config) AnalyzerRunsDir() string { return filepath.Join(c.AnalyzedDir(), "runs") }

// MergerLogPath is the merger's processed log, used as a validation fallback.
func (c *Config) MergerLogPath() string {
	return filepath.Join(c.AnalyzedDir(), "merger_processed.log")
}

// RawInputGlob matches minute-bar CSV drops at any depth under the raw root.
func (c *Config) RawInputGlob() string {
	return filepath.Join(c.RawDir(), "**", "*_1m_*.csv")
}

// EnsureDirs creates the directories the orchestrator writes into.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.EventsDir(), c.RunsDir(), filepath.Dir(c.SchedulePath())} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
