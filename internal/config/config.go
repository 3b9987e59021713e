// Package config holds the toolmesh platform configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/clawinfra/toolmesh/internal/provider"
)

// Config holds all toolmesh configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// MQTT broker for the platform event mesh
	MQTT MQTTConfig `json:"mqtt"`

	// WebSocket event feed
	Events EventsConfig `json:"events"`

	// Periodic status reporting
	Status StatusConfig `json:"status"`

	// Directory scanned for provider definitions (PROVIDER.md + provider.toml)
	ProvidersDir string `json:"providersDir,omitempty"`

	// Inline provider definitions, registered in addition to the scanned ones
	Providers []provider.Config `json:"providers,omitempty"`
}

type ServerConfig struct {
	DataDir  string `json:"dataDir"`
	LogLevel string `json:"logLevel"`
}

type MQTTConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// BrokerURL returns the tcp:// address of the configured broker.
func (c MQTTConfig) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

type EventsConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"`
}

type StatusConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			DataDir:  "./data",
			LogLevel: "info",
		},
		MQTT: MQTTConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    1883,
		},
		Events: EventsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8421",
		},
		Status: StatusConfig{
			Enabled:  true,
			Interval: "60s",
		},
		ProvidersDir: provider.DefaultProvidersDir(),
	}
}

// Load reads config from a JSON file, layered over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	for i := range cfg.Providers {
		if err := cfg.Providers[i].Validate(); err != nil {
			return nil, fmt.Errorf("provider config: %w", err)
		}
	}

	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return cfg, nil
}

// Save writes config to a JSON file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}
