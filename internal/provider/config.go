// Package provider implements the server process supervisor: it owns one
// external tool-provider process per registered configuration, performs the
// protocol handshake and tool discovery, health-checks running processes,
// and restarts crashed ones within a bounded budget.
package provider

import (
	"fmt"
	"time"
)

// Config describes one external tool provider. Immutable once registered;
// one Config maps to at most one live process.
type Config struct {
	// Identity
	ID          string `json:"id" toml:"id"`
	Name        string `json:"name" toml:"name"`
	Version     string `json:"version" toml:"version"`
	Description string `json:"description,omitempty" toml:"description"`

	// Launch spec
	Command          string            `json:"command" toml:"command"`
	Args             []string          `json:"args" toml:"args"`
	WorkingDirectory string            `json:"workingDirectory,omitempty" toml:"working_directory"`
	Env              map[string]string `json:"environmentVariables,omitempty" toml:"env"`

	// Policy
	AutoStart             bool `json:"autoStart" toml:"auto_start"`
	RestartOnCrash        bool `json:"restartOnCrash" toml:"restart_on_crash"`
	MaxRestartAttempts    int  `json:"maxRestartAttempts" toml:"max_restart_attempts"`
	HealthCheckIntervalMs int  `json:"healthCheckInterval" toml:"health_check_interval_ms"`
	StartupTimeoutMs      int  `json:"startupTimeout" toml:"startup_timeout_ms"`
}

// Validate checks the config is complete enough to launch.
func (c Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("provider id required")
	}
	if c.Name == "" {
		return fmt.Errorf("provider %q: name required", c.ID)
	}
	if c.Command == "" {
		return fmt.Errorf("provider %q: command required", c.ID)
	}
	if c.MaxRestartAttempts < 0 {
		return fmt.Errorf("provider %q: maxRestartAttempts must be >= 0", c.ID)
	}
	return nil
}

// HealthCheckInterval returns the configured interval, defaulting to 30s.
func (c Config) HealthCheckInterval() time.Duration {
	if c.HealthCheckIntervalMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.HealthCheckIntervalMs) * time.Millisecond
}

// StartupTimeout returns the configured startup budget, defaulting to 10s.
func (c Config) StartupTimeout() time.Duration {
	if c.StartupTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.StartupTimeoutMs) * time.Millisecond
}
