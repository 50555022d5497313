package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "isle-sync"

// File names inside the config and data directories.
const (
	configFileName = "config.toml"
	dbFileName     = "isle-sync.db"
	tokenFileName  = "token.json"
)

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/isle-sync).
// On macOS, uses ~/Library/Application Support/isle-sync.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_CONFIG_HOME", home, ".config")
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// DefaultDataDir returns the platform-specific directory for the database,
// lock files and the token cache. On Linux, respects XDG_DATA_HOME.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_DATA_HOME", home, filepath.Join(".local", "share"))
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

func xdgDir(envVar, home, fallback string) string {
	if xdg := os.Getenv(envVar); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, fallback, appName)
}

// DefaultConfigPath returns the config file used when neither
// ISLE_SYNC_CONFIG nor --config is given.
func DefaultConfigPath() string {
	return joinNonEmpty(DefaultConfigDir(), configFileName)
}

// DefaultDBPath returns the database used when no path is configured.
func DefaultDBPath() string {
	return joinNonEmpty(DefaultDataDir(), dbFileName)
}

// DefaultTokenCachePath returns the default token cache file.
func DefaultTokenCachePath() string {
	return joinNonEmpty(DefaultDataDir(), tokenFileName)
}

// LockDir returns the directory holding pass lock files: the database's
// directory.
func (c *Config) LockDir() string {
	return filepath.Dir(c.Database.Path)
}

func joinNonEmpty(dir, name string) string {
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, name)
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
