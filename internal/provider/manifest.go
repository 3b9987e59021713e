package provider

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// manifest is the YAML frontmatter of a PROVIDER.md file: provider identity,
// kept separate from the launch/policy TOML so the human-readable doc carries
// the metadata.
type manifest struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
}

// launchSpec is the provider.toml file: how to launch the process and the
// supervision policy.
type launchSpec struct {
	Provider struct {
		Command               string            `toml:"command"`
		Args                  []string          `toml:"args"`
		WorkingDirectory      string            `toml:"working_directory"`
		Env                   map[string]string `toml:"env"`
		AutoStart             bool              `toml:"auto_start"`
		RestartOnCrash        bool              `toml:"restart_on_crash"`
		MaxRestartAttempts    int               `toml:"max_restart_attempts"`
		HealthCheckIntervalMs int               `toml:"health_check_interval_ms"`
		StartupTimeoutMs      int               `toml:"startup_timeout_ms"`
	} `toml:"provider"`
}

// Loader discovers provider definitions from a directory: one subdirectory
// per provider, holding PROVIDER.md (identity frontmatter) and provider.toml
// (launch spec and policy).
type Loader struct {
	dir    string
	logger *slog.Logger
}

// NewLoader creates a loader scanning the given directory.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	return &Loader{dir: dir, logger: logger.With("component", "provider_loader")}
}

// DefaultProvidersDir returns the default ~/.toolmesh/providers/ path.
func DefaultProvidersDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".toolmesh", "providers")
	}
	return filepath.Join(home, ".toolmesh", "providers")
}

// LoadAll discovers and loads every provider definition under the directory.
// A missing directory is not an error; a broken definition is skipped with a
// warning.
func (l *Loader) LoadAll() ([]Config, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.logger.Info("providers directory does not exist, skipping", "dir", l.dir)
			return nil, nil
		}
		return nil, fmt.Errorf("read providers dir: %w", err)
	}

	var configs []Config
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(l.dir, entry.Name())
		cfg, err := l.loadOne(dir)
		if err != nil {
			l.logger.Warn("failed to load provider definition", "dir", dir, "error", err)
			continue
		}
		configs = append(configs, cfg)
		l.logger.Info("loaded provider definition", "id", cfg.ID, "version", cfg.Version)
	}
	return configs, nil
}

func (l *Loader) loadOne(dir string) (Config, error) {
	m, err := parseManifest(filepath.Join(dir, "PROVIDER.md"))
	if err != nil {
		return Config{}, fmt.Errorf("parse manifest: %w", err)
	}

	var spec launchSpec
	if _, err := toml.DecodeFile(filepath.Join(dir, "provider.toml"), &spec); err != nil {
		return Config{}, fmt.Errorf("parse provider.toml: %w", err)
	}

	cfg := Config{
		ID:                    m.ID,
		Name:                  m.Name,
		Version:               m.Version,
		Description:           m.Description,
		Command:               expandHome(spec.Provider.Command),
		Args:                  spec.Provider.Args,
		WorkingDirectory:      spec.Provider.WorkingDirectory,
		Env:                   spec.Provider.Env,
		AutoStart:             spec.Provider.AutoStart,
		RestartOnCrash:        spec.Provider.RestartOnCrash,
		MaxRestartAttempts:    spec.Provider.MaxRestartAttempts,
		HealthCheckIntervalMs: spec.Provider.HealthCheckIntervalMs,
		StartupTimeoutMs:      spec.Provider.StartupTimeoutMs,
	}
	if cfg.ID == "" {
		cfg.ID = filepath.Base(dir)
	}
	if cfg.WorkingDirectory == "" {
		cfg.WorkingDirectory = dir
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// parseManifest extracts YAML frontmatter from PROVIDER.md.
func parseManifest(path string) (*manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	var inFrontmatter bool
	var yamlLines []string

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "---" {
			if inFrontmatter {
				break
			}
			inFrontmatter = true
			continue
		}
		if inFrontmatter {
			yamlLines = append(yamlLines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(yamlLines) == 0 {
		return nil, fmt.Errorf("no YAML frontmatter found in %s", path)
	}

	var m manifest
	if err := yaml.Unmarshal([]byte(strings.Join(yamlLines, "\n")), &m); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	return &m, nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
