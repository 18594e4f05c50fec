// Package config provides YAML configuration loading and validation for the
// picosnitch daemon: the small, static settings that govern where the
// pipeline keeps its durable state and how it exposes itself locally. The
// separate "snitch" Config block (logging toggles, unlog
// filter, reputation-service settings) lives alongside the knowledge base
// in internal/updater.Config; it is not this package's concern.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration structure.
type Config struct {
	// StateDir is the directory holding the persisted knowledge base
	// (snitch.json), error.log, and the pending-digest resume ledger.
	// Defaults to "$HOME/.config/picosnitch" when omitted.
	StateDir string `yaml:"state_dir"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// IntrospectAddr is the listen address for the local-only introspection
	// HTTP API (/healthz, /snapshot, /errors). Defaults to
	// "127.0.0.1:9000" when omitted.
	IntrospectAddr string `yaml:"introspect_addr"`

	// MonitorMemCeilingMiB is the Monitor's resident-memory restart
	// threshold, in MiB (§4.5). Defaults to 256 when omitted.
	MonitorMemCeilingMiB int `yaml:"monitor_mem_ceiling_mib"`

	// UpdaterMemCeilingMiB is the Updater's resident-memory
	// graceful-restart threshold, in MiB (§4.5). Defaults to 21 when
	// omitted.
	UpdaterMemCeilingMiB int `yaml:"updater_mem_ceiling_mib"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all fields. It returns a typed error describing
// every validation failure encountered, joined with errors.Join.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// defaultStateDir returns "$HOME/.config/picosnitch", matching spec.md §6's
// persisted-state path. It falls back to ".picosnitch" if the home
// directory cannot be determined (e.g. an unusual container environment).
func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".picosnitch"
	}
	return filepath.Join(home, ".config", "picosnitch")
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.StateDir == "" {
		cfg.StateDir = defaultStateDir()
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.IntrospectAddr == "" {
		cfg.IntrospectAddr = "127.0.0.1:9000"
	}
	if cfg.MonitorMemCeilingMiB == 0 {
		cfg.MonitorMemCeilingMiB = 256
	}
	if cfg.UpdaterMemCeilingMiB == 0 {
		cfg.UpdaterMemCeilingMiB = 21
	}
}

// validate checks that all fields contain valid values, aggregating every
// failure instead of stopping at the first.
func validate(cfg *Config) error {
	var errs []error

	if cfg.StateDir == "" {
		errs = append(errs, errors.New("state_dir is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.IntrospectAddr == "" {
		errs = append(errs, errors.New("introspect_addr is required"))
	}
	if cfg.MonitorMemCeilingMiB <= 0 {
		errs = append(errs, fmt.Errorf("monitor_mem_ceiling_mib must be positive, got %d", cfg.MonitorMemCeilingMiB))
	}
	if cfg.UpdaterMemCeilingMiB <= 0 {
		errs = append(errs, fmt.Errorf("updater_mem_ceiling_mib must be positive, got %d", cfg.UpdaterMemCeilingMiB))
	}

	return errors.Join(errs...)
}
