package config

import (
	"fmt"
	"io"
)

// redacted replaces secrets in rendered output.
const redacted = "(set)"

// RenderEffective writes the resolved configuration as a TOML-shaped
// summary to w. Secrets are shown only as set or unset.
func RenderEffective(cfg *Config, path string, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", path)

	ew.printf("[database]\n")
	ew.printf("  path = %q\n\n", cfg.Database.Path)

	renderRemote(ew, &cfg.Remote)

	ew.printf("[network]\n")
	ew.printf("  timeout             = %q\n", cfg.Network.Timeout)
	ew.printf("  requests_per_second = %g\n", cfg.Network.RequestsPerSecond)
	ew.printf("  user_agent          = %q\n\n", cfg.Network.UserAgent)

	ew.printf("[schedule]\n")
	ew.printf("  events     = %q\n", cfg.Schedule.Events)
	ew.printf("  contexts   = %q\n", cfg.Schedule.Contexts)
	ew.printf("  attendance = %q\n", cfg.Schedule.Attendance)
	ew.printf("  policy     = %q\n\n", cfg.Schedule.Policy)

	ew.printf("[notify]\n")
	ew.printf("  url         = %q\n", cfg.Notify.URL)
	ew.printf("  min_backoff = %q\n", cfg.Notify.MinBackoff)
	ew.printf("  max_backoff = %q\n\n", cfg.Notify.MaxBackoff)

	ew.printf("[logging]\n")
	ew.printf("  log_level          = %q\n", cfg.Logging.LogLevel)
	ew.printf("  log_file           = %q\n", cfg.Logging.LogFile)
	ew.printf("  log_format         = %q\n", cfg.Logging.LogFormat)
	ew.printf("  log_retention_days = %d\n", cfg.Logging.LogRetentionDays)

	return ew.err
}

func renderRemote(ew *errWriter, r *RemoteConfig) {
	ew.printf("[remote]\n")
	ew.printf("  token_url       = %q\n", r.TokenURL)
	ew.printf("  token_user      = %q\n", r.TokenUser)
	ew.printf("  token_password  = %s\n", secret(r.TokenPassword))
	ew.printf("  token_cache     = %q\n", r.TokenCache)
	ew.printf("  sso_api_key     = %s\n", secret(r.SSOAPIKey))
	ew.printf("  keep_event_uuid = %q\n\n", r.KeepEventUUID)

	for _, s := range []struct {
		name string
		svc  ServiceConfig
	}{{"labs", r.Labs}, {"xle", r.XLE}, {"dp", r.DP}, {"sso", r.SSO}} {
		ew.printf("[remote.%s]\n", s.name)
		ew.printf("  url   = %q\n", s.svc.URL)
		ew.printf("  token = %s\n\n", secret(s.svc.Token))
	}
}

func secret(v string) string {
	if v == "" {
		return `""`
	}

	return redacted
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
