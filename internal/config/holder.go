package config

import (
	"fmt"
	"sync"
)

// Holder provides thread-safe access to a mutable *Config and an immutable
// config file path. serve reads its schedule through a Holder so a reload
// takes effect without a restart.
type Holder struct {
	mu   sync.RWMutex
	cfg  *Config
	env  EnvOverrides
	cli  CLIOverrides
	path string // immutable after construction
}

// NewHolder creates a Holder with the initial config, the overrides it was
// resolved with, and its file path.
func NewHolder(cfg *Config, path string, env EnvOverrides, cli CLIOverrides) *Holder {
	return &Holder{
		cfg:  cfg,
		env:  env,
		cli:  cli,
		path: path,
	}
}

// Config returns the current config snapshot.
func (h *Holder) Config() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.cfg
}

// Path returns the config file path.
func (h *Holder) Path() string {
	return h.path
}

// Update replaces the config.
func (h *Holder) Update(cfg *Config) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cfg = cfg
}

// Reload re-reads the config file with the original overrides applied. The
// held config is replaced only when the new one is valid; otherwise the
// previous config stays in effect and the error is returned.
func (h *Holder) Reload() (*Config, error) {
	cfg, err := LoadOrDefault(h.path)
	if err != nil {
		return nil, err
	}

	if err := finish(cfg, h.env, h.cli); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	h.Update(cfg)

	return cfg, nil
}
