package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Defaults(t *testing.T) {
	assert.NoError(t, Validate(DefaultConfig()))
}

func TestValidate_Fields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"token url scheme", func(c *Config) { c.Remote.TokenURL = "ftp://x"; c.Remote.TokenUser = "u" }, "remote.token_url"},
		{"token url needs user", func(c *Config) { c.Remote.TokenURL = "https://sso.example.com/t" }, "remote.token_user"},
		{"relative service url", func(c *Config) { c.Remote.Labs.URL = "/api" }, "remote.labs.url"},
		{"sso url scheme", func(c *Config) { c.Remote.SSO.URL = "ws://sso" }, "remote.sso.url"},
		{"timeout unparsable", func(c *Config) { c.Network.Timeout = "soon" }, "network.timeout"},
		{"negative rate", func(c *Config) { c.Network.RequestsPerSecond = -1 }, "network.requests_per_second"},
		{"bad cron", func(c *Config) { c.Schedule.Contexts = "0 25 * * *" }, "schedule.contexts"},
		{"notify http", func(c *Config) { c.Notify.URL = "https://sso/ws" }, "notify.url"},
		{"backoff order", func(c *Config) { c.Notify.MinBackoff = "1m"; c.Notify.MaxBackoff = "1s" }, "notify.max_backoff"},
		{"backoff too small", func(c *Config) { c.Notify.MinBackoff = "1ms" }, "notify.min_backoff"},
		{"retention", func(c *Config) { c.Logging.LogRetentionDays = 0 }, "logging.log_retention_days"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_EmptyScheduleDisablesPass(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Schedule = ScheduleConfig{}

	assert.NoError(t, Validate(cfg))
}

func TestValidateResolved(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Path = ""
	cfg.Remote.DP.URL = "https://dp.example.com"

	err := validateResolved(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.path")
	assert.Contains(t, err.Error(), "remote.dp")

	cfg.Database.Path = "/tmp/isle.db"
	cfg.Remote.DP.Token = "static"
	assert.NoError(t, validateResolved(cfg))

	// The SSO feed does not require a token.
	cfg.Remote.SSO.URL = "https://sso.example.com"
	assert.NoError(t, validateResolved(cfg))
}

func TestNetworkTimeoutDuration(t *testing.T) {
	assert.Equal(t, "30s", DefaultConfig().Network.TimeoutDuration().String())
	assert.Zero(t, NetworkConfig{Timeout: "x"}.TimeoutDuration())
}

func TestClosestMatch(t *testing.T) {
	known := []string{"logging.log_file", "logging.log_level"}

	assert.Equal(t, "logging.log_level", closestMatch("logging.log_lvel", known))
	assert.Empty(t, closestMatch("logging.something_else", known))
	assert.Equal(t, 3, levenshtein("kitten", "sitting"))
	assert.Equal(t, 4, levenshtein("", "abcd"))
}
