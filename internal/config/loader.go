package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed files return an error. Files ending
// in .yaml or .yml are read as YAML, everything else as JSON.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	// Project config has the highest precedence
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultPaths returns the conventional config locations.
// Global: ~/.dispatch/config.json
// Project: .dispatch/config.json (relative to cwd)
func DefaultPaths() (global, project string, err error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".dispatch", "config.json"), filepath.Join(".dispatch", "config.json"), nil
}

// LoadDefault loads configuration from the conventional paths.
func LoadDefault() (*Config, error) {
	global, project, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	return Load(global, project)
}

// mergeConfigFile decodes a config file on top of base: fields present in the
// file replace the base values, absent fields are kept.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil // Missing file is not an error
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if isYAML(path) {
		if err := yaml.Unmarshal(data, base); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		return nil
	}
	if err := json.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Validate reports configuration errors that must stop a run before any
// item is scheduled.
func (c *Config) Validate() error {
	var errs []error
	if c.Concurrency < 1 && !c.Sequential {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive"))
	}
	if c.ItemTimeout <= 0 {
		errs = append(errs, fmt.Errorf("item_timeout must be positive"))
	}
	if c.GateRetries < 0 || c.PipelineRetries < 0 {
		errs = append(errs, fmt.Errorf("gate_retries and pipeline_retries must not be negative"))
	}
	if c.MaxOutput < 0 {
		errs = append(errs, fmt.Errorf("max_output must not be negative"))
	}
	if c.RunGates && len(c.Gates) == 0 {
		errs = append(errs, fmt.Errorf("validate is enabled but no gates are configured"))
	}
	seen := make(map[string]bool, len(c.Gates))
	for i, g := range c.Gates {
		switch {
		case strings.TrimSpace(g.Name) == "":
			errs = append(errs, fmt.Errorf("gate %d has no name", i))
		case strings.TrimSpace(g.Command) == "":
			errs = append(errs, fmt.Errorf("gate %q has no command", g.Name))
		case seen[g.Name]:
			errs = append(errs, fmt.Errorf("duplicate gate name %q", g.Name))
		}
		seen[g.Name] = true
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
