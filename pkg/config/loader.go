package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the configuration file expected inside the config dir.
const ConfigFileName = "woundwatch.yaml"

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Read woundwatch.yaml from configDir (optional — defaults apply if absent)
//  2. Expand environment variables ({{.VAR}} syntax)
//  3. Parse YAML into the user Config
//  4. Merge user values over built-in defaults
//  5. Validate the merged result
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg := DefaultConfig()
	cfg.configDir = configDir

	path := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		log.Warn("No configuration file found, using built-in defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	default:
		expanded := ExpandEnv(data)

		var user Config
		if err := yaml.Unmarshal(expanded, &user); err != nil {
			return nil, fmt.Errorf("failed to parse configuration: %w", err)
		}

		if err := mergo.Merge(cfg, &user, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge configuration: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"session_ttl_seconds", cfg.Session.TTLSeconds,
		"worker_pool_size", cfg.Worker.PoolSize,
		"queues", len(cfg.Queues.PriorityOrder))

	return cfg, nil
}
