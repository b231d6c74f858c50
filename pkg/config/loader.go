package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const configFileName = "singularity.yaml"

// Initialize loads the supervisor configuration from configDir, merges it
// onto the built-in defaults, and validates the result. configDir may be
// empty, in which case only the built-in defaults are used.
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)

	builtin := DefaultConfig()
	user, err := load(configDir)
	if err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			log.InfoContext(ctx, "no singularity.yaml found, using built-in defaults")
			builtin.configDir = configDir
			return builtin, nil
		}
		return nil, err
	}

	cfg := mergeConfig(builtin, user)
	cfg.configDir = configDir

	v := NewValidator(cfg)
	if err := v.ValidateAll(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	log.InfoContext(ctx, "configuration loaded",
		"max_workers", cfg.Scheduler.MaxWorkers,
		"agent_types", len(cfg.Spawner.Types))
	return cfg, nil
}

// load reads and parses singularity.yaml from configDir, expanding
// environment variables before unmarshalling.
func load(configDir string) (*Config, error) {
	if configDir == "" {
		return nil, ErrConfigNotFound
	}
	path := filepath.Join(configDir, configFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, NewLoadError(path, err)
	}

	expanded := ExpandEnv(raw)

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}
	return &cfg, nil
}
