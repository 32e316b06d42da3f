// Package config loads orchestrator configuration: defaults, then a TOML
// file, then environment variables (env wins).
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Coder    CoderConfig    `toml:"coder"`
	Store    StoreConfig    `toml:"store"`
	Limits   LimitsConfig   `toml:"limits"`
	Observer ObserverConfig `toml:"observer"`
}

type CoderConfig struct {
	// Binary is the coding-agent CLI executable.
	Binary string `toml:"binary"`
	Model  string `toml:"model"`
	Effort string `toml:"effort"`
	// PermissionMode is passed through to the CLI verbatim.
	PermissionMode string `toml:"permission_mode"`
}

type StoreConfig struct {
	// Backend selects the store: "file", "sqlite", or "postgres".
	Backend string `toml:"backend"`
	// Dir is the file backend's document directory.
	Dir string `toml:"dir"`
	// Path is the sqlite backend's database file.
	Path string `toml:"path"`
	// DSN is the postgres backend's connection string.
	DSN string `toml:"dsn"`
}

type LimitsConfig struct {
	// WallClockMinutes bounds one coding-agent invocation.
	WallClockMinutes int `toml:"wall_clock_minutes"`
	// IdleMinutes bounds silence on the coding agent's output stream.
	IdleMinutes int `toml:"idle_minutes"`
	// ScriptMinutes bounds one script state.
	ScriptMinutes int `toml:"script_minutes"`
}

type ObserverConfig struct {
	// Telemetry enables OTEL export (configured via OTEL_* env vars).
	Telemetry bool `toml:"telemetry"`
	// DebugDir is where per-step debug artifacts go; empty disables them.
	DebugDir string `toml:"debug_dir"`
	Quiet    bool   `toml:"quiet"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Coder: CoderConfig{Binary: "claude"},
		Store: StoreConfig{
			Backend: "file",
			Dir:     filepath.Join(home, ".raymond", "workflows"),
			Path:    filepath.Join(home, ".raymond", "raymond.db"),
		},
		Limits: LimitsConfig{WallClockMinutes: 30, IdleMinutes: 5, ScriptMinutes: 10},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "raymond.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("RAYMOND_CODER_BINARY"); v != "" {
		cfg.Coder.Binary = v
	}
	if v := os.Getenv("RAYMOND_MODEL"); v != "" {
		cfg.Coder.Model = v
	}
	if v := os.Getenv("RAYMOND_EFFORT"); v != "" {
		cfg.Coder.Effort = v
	}
	if v := os.Getenv("RAYMOND_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("RAYMOND_STORE_DIR"); v != "" {
		cfg.Store.Dir = v
	}
	if v := os.Getenv("RAYMOND_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("RAYMOND_DEBUG_DIR"); v != "" {
		cfg.Observer.DebugDir = v
	}
	if v := os.Getenv("RAYMOND_TELEMETRY"); v == "true" || v == "1" {
		cfg.Observer.Telemetry = true
	}

	return cfg
}

// WallClock returns the configured invocation limit as a duration.
func (l LimitsConfig) WallClock() time.Duration {
	return time.Duration(l.WallClockMinutes) * time.Minute
}

// Idle returns the configured idle limit as a duration.
func (l LimitsConfig) Idle() time.Duration {
	return time.Duration(l.IdleMinutes) * time.Minute
}

// Script returns the configured script limit as a duration.
func (l LimitsConfig) Script() time.Duration {
	return time.Duration(l.ScriptMinutes) * time.Minute
}
