package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal errors with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain: defaults,
// config file, environment variables, CLI flags. It returns the resolved
// config and the config file path it was read from.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Config, string, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfgPath = expandHome(cfgPath)

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	if err := finish(cfg, env, cli); err != nil {
		return nil, cfgPath, fmt.Errorf("config validation: %w", err)
	}

	return cfg, cfgPath, nil
}

// finish applies env and CLI overrides and validates the merged result.
func finish(cfg *Config, env EnvOverrides, cli CLIOverrides) error {
	env.apply(cfg)

	if cli.DBPath != "" {
		cfg.Database.Path = cli.DBPath
	}

	cfg.Database.Path = expandHome(cfg.Database.Path)
	cfg.Remote.TokenCache = expandHome(cfg.Remote.TokenCache)
	cfg.Logging.LogFile = expandHome(cfg.Logging.LogFile)

	return errors.Join(Validate(cfg), validateResolved(cfg))
}
