package config

// Default values for configuration options. These are layer 0 of the
// override chain.
const (
	defaultTimeout          = "30s"
	defaultEventsSchedule   = "*/15 * * * *"
	defaultContextsSchedule = "0 * * * *"
	defaultAttendSchedule   = "*/30 * * * *"
	defaultPolicySchedule   = "0 */6 * * *"
	defaultMinBackoff       = "1s"
	defaultMaxBackoff       = "1m"
	defaultLogLevel         = "info"
	defaultLogFormat        = "auto"
	defaultLogRetentionDays = 30
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields keep their
// defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: DefaultDBPath()},
		Remote:   RemoteConfig{TokenCache: DefaultTokenCachePath()},
		Network:  NetworkConfig{Timeout: defaultTimeout},
		Schedule: ScheduleConfig{
			Events:     defaultEventsSchedule,
			Contexts:   defaultContextsSchedule,
			Attendance: defaultAttendSchedule,
			Policy:     defaultPolicySchedule,
		},
		Notify: NotifyConfig{
			MinBackoff: defaultMinBackoff,
			MaxBackoff: defaultMaxBackoff,
		},
		Logging: LoggingConfig{
			LogLevel:         defaultLogLevel,
			LogFormat:        defaultLogFormat,
			LogRetentionDays: defaultLogRetentionDays,
		},
	}
}
