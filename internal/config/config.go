// Package config provides configuration types and defaults for orchard.
package config

import (
	"time"
)

// Config holds all configuration options.
type Config struct {
	// DaemonAddr is the PTY daemon's listen address / dial target.
	DaemonAddr string `mapstructure:"daemon_addr"`

	// LogFile receives structured log lines. Empty disables file logging,
	// except in debug mode, which falls back to orchard-debug.log.
	LogFile string `mapstructure:"log_file"`

	// TraceFile receives otel spans. Empty disables tracing.
	TraceFile string `mapstructure:"trace_file"`

	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Agent        AgentConfig        `mapstructure:"agent"`
}

// OrchestratorConfig drives the decision loop.
type OrchestratorConfig struct {
	Model          string `mapstructure:"model"`
	TickIntervalMs int    `mapstructure:"tick_interval_ms"`
	Enabled        bool   `mapstructure:"enabled"`
}

// TickInterval converts the configured milliseconds to a duration.
func (c OrchestratorConfig) TickInterval() time.Duration {
	if c.TickIntervalMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// AgentConfig describes the coding agent binary.
type AgentConfig struct {
	// Command launches the interactive agent in PTY sessions.
	Command string `mapstructure:"command"`

	// PrintArgs are the one-shot invocation arguments preceding the prompt.
	PrintArgs []string `mapstructure:"print_args"`
}

// Defaults returns the stock configuration.
func Defaults() Config {
	return Config{
		DaemonAddr: "localhost:4923",
		Orchestrator: OrchestratorConfig{
			Model:          "claude-sonnet-4-5-20250929",
			TickIntervalMs: 5000,
			Enabled:        true,
		},
		Agent: AgentConfig{
			Command:   "claude",
			PrintArgs: []string{"-p", "--output-format", "stream-json", "--verbose"},
		},
	}
}
