// Package config implements TOML configuration loading, validation, and
// path resolution for isle-sync. Values follow a layered override chain:
// defaults, then the config file, then environment variables, then CLI
// flags.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Database DatabaseConfig `toml:"database" json:"database"`
	Remote   RemoteConfig   `toml:"remote" json:"remote"`
	Network  NetworkConfig  `toml:"network" json:"network"`
	Schedule ScheduleConfig `toml:"schedule" json:"schedule"`
	Notify   NotifyConfig   `toml:"notify" json:"notify"`
	Logging  LoggingConfig  `toml:"logging" json:"logging"`
}

// DatabaseConfig locates the local SQLite store. Pass lock files live next
// to the database.
type DatabaseConfig struct {
	Path string `toml:"path" json:"path"`
}

// RemoteConfig holds the remote service endpoints and credentials. A
// service with an empty URL is not configured; passes that need it fail.
type RemoteConfig struct {
	// Token endpoint shared by the labs, attendance and metamodel services.
	TokenURL      string `toml:"token_url" json:"token_url"`
	TokenUser     string `toml:"token_user" json:"token_user"`
	TokenPassword string `toml:"token_password" json:"-"`
	TokenCache    string `toml:"token_cache" json:"token_cache"`

	// SSOAPIKey authenticates the user-pull endpoint.
	SSOAPIKey string `toml:"sso_api_key" json:"-"`

	// KeepEventUUID names one event the deletion pass never touches.
	KeepEventUUID string `toml:"keep_event_uuid" json:"keep_event_uuid"`

	Labs ServiceConfig `toml:"labs" json:"labs"`
	XLE  ServiceConfig `toml:"xle" json:"xle"`
	DP   ServiceConfig `toml:"dp" json:"dp"`
	SSO  ServiceConfig `toml:"sso" json:"sso"`
}

// ServiceConfig addresses one remote service. A non-empty Token is sent as
// a static bearer token instead of one from the token endpoint.
type ServiceConfig struct {
	URL   string `toml:"url" json:"url"`
	Token string `toml:"token" json:"-"`
}

// Configured reports whether the service has a base URL.
func (s ServiceConfig) Configured() bool {
	return s.URL != ""
}

// NetworkConfig controls outbound HTTP behavior.
type NetworkConfig struct {
	Timeout           string  `toml:"timeout" json:"timeout"`
	RequestsPerSecond float64 `toml:"requests_per_second" json:"requests_per_second"`
	UserAgent         string  `toml:"user_agent" json:"user_agent"`
}

// ScheduleConfig holds one cron expression per pass for serve. An empty
// expression leaves that pass unscheduled.
type ScheduleConfig struct {
	Events     string `toml:"events" json:"events"`
	Contexts   string `toml:"contexts" json:"contexts"`
	Attendance string `toml:"attendance" json:"attendance"`
	Policy     string `toml:"policy" json:"policy"`
}

// NotifyConfig points serve at the change-notification websocket. An empty
// URL disables the listener.
type NotifyConfig struct {
	URL        string `toml:"url" json:"url"`
	MinBackoff string `toml:"min_backoff" json:"min_backoff"`
	MaxBackoff string `toml:"max_backoff" json:"max_backoff"`
}

// LoggingConfig controls log output behavior: level, format, and rotation.
type LoggingConfig struct {
	LogLevel         string `toml:"log_level" json:"log_level"`
	LogFile          string `toml:"log_file" json:"log_file"`
	LogFormat        string `toml:"log_format" json:"log_format"`
	LogRetentionDays int    `toml:"log_retention_days" json:"log_retention_days"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Empty strings mean "not specified".
type CLIOverrides struct {
	ConfigPath string // --config
	DBPath     string // --db
}
