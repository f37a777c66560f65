package config

import (
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the given YAML file path, merges it over
// the built-in defaults, applies environment overrides, and validates the
// result. An empty path or a missing file yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			slog.Info("No config file found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		default:
			var fileCfg Config
			if err := yaml.Unmarshal(data, &fileCfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", path, err)
			}
			if err := mergo.Merge(cfg, &fileCfg, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("merging config file %s: %w", path, err)
			}
			slog.Info("Loaded configuration", "path", path)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides fills bridge settings from the environment.
// PYTHON_SERVICES_URL and PYTHON_API_KEY are the platform's canonical
// variable names; BRIDGE_BASE_URL and BRIDGE_API_KEY work as aliases.
func applyEnvOverrides(cfg *Config) {
	if v := firstEnv("PYTHON_SERVICES_URL", "BRIDGE_BASE_URL"); v != "" {
		cfg.Bridge.BaseURL = v
	}
	if v := firstEnv("PYTHON_API_KEY", "BRIDGE_API_KEY"); v != "" {
		cfg.Bridge.APIKey = v
	}
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}
