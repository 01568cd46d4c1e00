// Package config provides configuration file support for STONIX.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file name inside the state directory.
const FileName = "config.yaml"

// DefaultStateDir matches the legacy /var/db/stonix location.
const DefaultStateDir = "/var/db/stonix"

// Config represents the STONIX configuration.
type Config struct {
	StateDir  string          `yaml:"state_dir"`
	Version   string          `yaml:"version"`
	Logging   LoggingConfig   `yaml:"logging"`
	LockRetry LockRetryConfig `yaml:"lock_retry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	GC        GCConfig        `yaml:"gc"`
	Rules     []RuleConfig    `yaml:"rules"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// LockRetryConfig bounds the wait for a busy package manager.
type LockRetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Interval    time.Duration `yaml:"interval"`
}

// MetricsConfig configures the Prometheus textfile export.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// GCConfig configures snapshot retention.
type GCConfig struct {
	KeepVersions int `yaml:"keep_versions"`
}

// Rule types understood by the generic rule factory.
const (
	RuleFileMode  = "file_mode"
	RuleConfigKey = "config_key"
	RuleCommand   = "command"
	RulePackage   = "package"
	RuleService   = "service"
)

// RuleConfig declares one generic rule.
type RuleConfig struct {
	Number int    `yaml:"number"`
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`

	// file_mode
	Path  string `yaml:"path,omitempty"`
	Owner *int   `yaml:"uid,omitempty"`
	Group *int   `yaml:"gid,omitempty"`
	Mode  string `yaml:"mode,omitempty"`

	// config_key
	Key       string `yaml:"key,omitempty"`
	Value     string `yaml:"value,omitempty"`
	Separator string `yaml:"separator,omitempty"`

	// command
	Check string `yaml:"check,omitempty"`
	Fix   string `yaml:"fix,omitempty"`
	Undo  string `yaml:"undo,omitempty"`

	// package and service; State is installed|removed or enabled|disabled
	Package       string `yaml:"package,omitempty"`
	Service       string `yaml:"service,omitempty"`
	ServiceTarget string `yaml:"service_target,omitempty"`
	State         string `yaml:"state,omitempty"`
}

// FileMode parses Mode as an octal permission string.
func (r RuleConfig) FileMode() (os.FileMode, error) {
	v, err := strconv.ParseUint(r.Mode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("rule %d: invalid mode %q: %w", r.Number, r.Mode, err)
	}
	return os.FileMode(v).Perm(), nil
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		StateDir: DefaultStateDir,
		Version:  "1.0.0",
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxAgeDays: 30,
		},
		LockRetry: LockRetryConfig{
			MaxAttempts: 12,
			Interval:    5 * time.Second,
		},
		GC: GCConfig{KeepVersions: 3},
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir must not be empty")
	}
	if c.LockRetry.MaxAttempts < 1 {
		return fmt.Errorf("lock_retry.max_attempts must be at least 1")
	}
	if c.LockRetry.Interval < 0 {
		return fmt.Errorf("lock_retry.interval must not be negative")
	}
	seen := make(map[int]bool)
	for _, r := range c.Rules {
		if r.Number <= 0 || r.Number > 9999 {
			return fmt.Errorf("rule %q: number must be in 1..9999", r.Name)
		}
		if seen[r.Number] {
			return fmt.Errorf("rule number %d declared twice", r.Number)
		}
		seen[r.Number] = true
		switch r.Type {
		case RuleFileMode:
			if r.Path == "" || r.Mode == "" {
				return fmt.Errorf("rule %d: file_mode needs path and mode", r.Number)
			}
			if _, err := r.FileMode(); err != nil {
				return err
			}
		case RuleConfigKey:
			if r.Path == "" || r.Key == "" {
				return fmt.Errorf("rule %d: config_key needs path and key", r.Number)
			}
		case RuleCommand:
			if r.Check == "" || r.Fix == "" {
				return fmt.Errorf("rule %d: command needs check and fix", r.Number)
			}
		case RulePackage:
			if r.Package == "" {
				return fmt.Errorf("rule %d: package needs a package name", r.Number)
			}
			if r.State != "installed" && r.State != "removed" {
				return fmt.Errorf("rule %d: package state must be installed or removed, got %q", r.Number, r.State)
			}
		case RuleService:
			if r.Service == "" {
				return fmt.Errorf("rule %d: service needs a service name", r.Number)
			}
			if r.State != "enabled" && r.State != "disabled" {
				return fmt.Errorf("rule %d: service state must be enabled or disabled, got %q", r.Number, r.State)
			}
		default:
			return fmt.Errorf("rule %d: unknown type %q", r.Number, r.Type)
		}
	}
	return nil
}

// Load loads configuration from <stateDir>/config.yaml.
// Returns default config if file doesn't exist.
func Load(stateDir string) (*Config, error) {
	cfg, err := LoadFile(filepath.Join(stateDir, FileName))
	if err != nil {
		return nil, err
	}
	if cfg.StateDir == DefaultStateDir {
		cfg.StateDir = stateDir
	}
	return cfg, nil
}

// LoadFile loads configuration from an explicit path, layered over defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Save writes configuration to <stateDir>/config.yaml.
func Save(stateDir string, cfg *Config) error {
	cfgPath := filepath.Join(stateDir, FileName)

	if err := os.MkdirAll(filepath.Dir(cfgPath), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(cfgPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}
