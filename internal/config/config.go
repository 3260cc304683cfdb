// Package config centralizes runtime configuration. Values come from
// IMCORE_* environment variables with sensible local defaults, parsed
// once at startup; flags may override individual fields afterwards.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every runtime setting for the promoter, the projector,
// and the CLI.
type Config struct {
	// LogPath is the SQLite file backing the append-only message log.
	LogPath string `env:"IMCORE_LOG_PATH" envDefault:"imcore-log.db"`

	// StatePath is the SQLite file backing promoter state, the audit
	// trail, and the live projection.
	StatePath string `env:"IMCORE_STATE_PATH" envDefault:"imcore-state.db"`

	// Ns is the default namespace for CLI operations.
	Ns string `env:"IMCORE_NS" envDefault:"default"`

	// PolicyVersion identifies the promotion policy recorded on every
	// delta and audit row.
	PolicyVersion string `env:"IMCORE_POLICY_VERSION" envDefault:"policy-v1"`

	// PollInterval is how often a blocked consumer re-checks the log
	// for new messages.
	PollInterval time.Duration `env:"IMCORE_POLL_INTERVAL" envDefault:"25ms"`

	// LogLevel is the slog level: debug, info, warn, or error.
	LogLevel string `env:"IMCORE_LOG_LEVEL" envDefault:"info"`

	// LogFormat selects slog output: "text" or "json".
	LogFormat string `env:"IMCORE_LOG_FORMAT" envDefault:"text"`
}

// Load parses configuration from the environment.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return Config{}, fmt.Errorf("invalid IMCORE_LOG_FORMAT %q (want text or json)", cfg.LogFormat)
	}
	return cfg, nil
}
