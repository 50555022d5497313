package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig        = "ISLE_SYNC_CONFIG"
	EnvDB            = "ISLE_SYNC_DB"
	EnvTokenPassword = "ISLE_SYNC_TOKEN_PASSWORD"
	EnvSSOAPIKey     = "ISLE_SYNC_SSO_API_KEY"
)

// EnvOverrides holds values read from environment variables. Secrets can be
// supplied here instead of in the config file.
type EnvOverrides struct {
	ConfigPath    string // ISLE_SYNC_CONFIG: config file path
	DBPath        string // ISLE_SYNC_DB: database path
	TokenPassword string // ISLE_SYNC_TOKEN_PASSWORD
	SSOAPIKey     string // ISLE_SYNC_SSO_API_KEY
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:    os.Getenv(EnvConfig),
		DBPath:        os.Getenv(EnvDB),
		TokenPassword: os.Getenv(EnvTokenPassword),
		SSOAPIKey:     os.Getenv(EnvSSOAPIKey),
	}
}

func (e EnvOverrides) apply(cfg *Config) {
	if e.DBPath != "" {
		cfg.Database.Path = e.DBPath
	}

	if e.TokenPassword != "" {
		cfg.Remote.TokenPassword = e.TokenPassword
	}

	if e.SSOAPIKey != "" {
		cfg.Remote.SSOAPIKey = e.SSOAPIKey
	}
}
