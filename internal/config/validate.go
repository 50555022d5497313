package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/robfig/cron/v3"
)

// Validation range constants.
const (
	minLogRetention = 1
	minTimeout      = 1 * time.Second
	minBackoff      = 10 * time.Millisecond
)

// Validate checks all configuration values and returns all errors found,
// so users can fix every issue in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateRemote(&cfg.Remote)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)
	errs = append(errs, validateSchedule(&cfg.Schedule)...)
	errs = append(errs, validateNotify(&cfg.Notify)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

// validateResolved checks constraints that only make sense once env and
// CLI overrides have been applied.
func validateResolved(cfg *Config) error {
	var errs []error

	if cfg.Database.Path == "" {
		errs = append(errs, errors.New("database.path: must not be empty"))
	}

	r := &cfg.Remote
	tokenBacked := map[string]ServiceConfig{"labs": r.Labs, "xle": r.XLE, "dp": r.DP}

	for _, name := range []string{"labs", "xle", "dp"} {
		svc := tokenBacked[name]
		if svc.Configured() && svc.Token == "" && r.TokenURL == "" {
			errs = append(errs, fmt.Errorf("remote.%s: needs a token or remote.token_url", name))
		}
	}

	return errors.Join(errs...)
}

func validateRemote(r *RemoteConfig) []error {
	var errs []error

	errs = append(errs, validateURL("remote.token_url", r.TokenURL, "http", "https")...)

	if r.TokenURL != "" && r.TokenUser == "" {
		errs = append(errs, errors.New("remote.token_user: required when remote.token_url is set"))
	}

	services := []struct {
		name string
		svc  ServiceConfig
	}{
		{"labs", r.Labs},
		{"xle", r.XLE},
		{"dp", r.DP},
		{"sso", r.SSO},
	}

	for _, s := range services {
		errs = append(errs, validateURL("remote."+s.name+".url", s.svc.URL, "http", "https")...)
	}

	return errs
}

// validateURL accepts an empty value or an absolute URL with one of the
// given schemes.
func validateURL(field, value string, schemes ...string) []error {
	if value == "" {
		return nil
	}

	u, err := url.Parse(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid URL %q: %w", field, value, err)}
	}

	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}

	return []error{fmt.Errorf("%s: must be an absolute %v URL, got %q", field, schemes, value)}
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("network.timeout", n.Timeout, minTimeout)...)

	if n.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("network.requests_per_second: must be >= 0, got %g", n.RequestsPerSecond))
	}

	return errs
}

func validateSchedule(s *ScheduleConfig) []error {
	var errs []error

	specs := []struct{ field, spec string }{
		{"schedule.events", s.Events},
		{"schedule.contexts", s.Contexts},
		{"schedule.attendance", s.Attendance},
		{"schedule.policy", s.Policy},
	}

	for _, sp := range specs {
		if sp.spec == "" {
			continue
		}

		if _, err := cron.ParseStandard(sp.spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid cron expression %q: %w", sp.field, sp.spec, err))
		}
	}

	return errs
}

func validateNotify(n *NotifyConfig) []error {
	var errs []error

	errs = append(errs, validateURL("notify.url", n.URL, "ws", "wss")...)

	lo, err := validateDuration("notify.min_backoff", n.MinBackoff, minBackoff)
	if err != nil {
		errs = append(errs, err)
	}

	hi, err := validateDuration("notify.max_backoff", n.MaxBackoff, minBackoff)
	if err != nil {
		errs = append(errs, err)
	}

	if lo > 0 && hi > 0 && hi < lo {
		errs = append(errs, fmt.Errorf("notify.max_backoff: must be >= min_backoff (%s), got %s", lo, hi))
	}

	return errs
}

// validateDuration parses a duration and checks it meets a minimum.
func validateDuration(field, value string, minimum time.Duration) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return 0, fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return d, nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	if _, err := validateDuration(field, value, minimum); err != nil {
		return []error{err}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	if l.LogRetentionDays < minLogRetention {
		errs = append(errs, fmt.Errorf("logging.log_retention_days: must be >= %d, got %d",
			minLogRetention, l.LogRetentionDays))
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}

// TimeoutDuration returns the parsed network timeout. Validate guarantees it parses.
func (n NetworkConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(n.Timeout)
	if err != nil {
		return 0
	}

	return d
}

// Backoff returns the parsed reconnect bounds of the notification listener.
func (n NotifyConfig) Backoff() (lo, hi time.Duration) {
	lo, _ = time.ParseDuration(n.MinBackoff)
	hi, _ = time.ParseDuration(n.MaxBackoff)

	return lo, hi
}
