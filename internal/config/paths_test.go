package config

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPaths_XDG(t *testing.T) {
	if runtime.GOOS != platformLinux {
		t.Skip("XDG paths apply on Linux only")
	}

	t.Setenv("XDG_CONFIG_HOME", "/xdg/config")
	t.Setenv("XDG_DATA_HOME", "/xdg/data")

	assert.Equal(t, "/xdg/config/isle-sync/config.toml", DefaultConfigPath())
	assert.Equal(t, "/xdg/data/isle-sync/isle-sync.db", DefaultDBPath())
	assert.Equal(t, "/xdg/data/isle-sync/token.json", DefaultTokenCachePath())
}

func TestReadEnvOverrides(t *testing.T) {
	t.Setenv(EnvConfig, "/custom/config.toml")
	t.Setenv(EnvDB, "/custom/isle.db")
	t.Setenv(EnvTokenPassword, "")
	t.Setenv(EnvSSOAPIKey, "k")

	env := ReadEnvOverrides()
	assert.Equal(t, "/custom/config.toml", env.ConfigPath)
	assert.Equal(t, "/custom/isle.db", env.DBPath)
	assert.Empty(t, env.TokenPassword)
	assert.Equal(t, "k", env.SSOAPIKey)
}

func TestExpandHome(t *testing.T) {
	t.Setenv("HOME", "/home/tester")

	assert.Equal(t, "/home/tester/x.db", expandHome("~/x.db"))
	assert.Equal(t, "/abs/x.db", expandHome("/abs/x.db"))
	assert.Equal(t, "rel/~/x", expandHome("rel/~/x"))
}

func TestRenderEffective_RedactsSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Remote.TokenPassword = "hunter2"
	cfg.Remote.SSOAPIKey = "api-key"
	cfg.Remote.Labs = ServiceConfig{URL: "https://labs.example.com", Token: "tok"}

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(cfg, "/etc/isle-sync.toml", &buf))

	out := buf.String()
	assert.Contains(t, out, "/etc/isle-sync.toml")
	assert.Contains(t, out, `url   = "https://labs.example.com"`)
	assert.Contains(t, out, "token_password  = (set)")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "api-key")
	assert.NotContains(t, out, `"tok"`)
}

func TestWriteTemplate(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	require.NoError(t, WriteTemplate(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(configFilePermissions), info.Mode().Perm())

	// The template parses cleanly and yields the defaults.
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	err = WriteTemplate(path)
	assert.ErrorIs(t, err, ErrConfigExists)
}
