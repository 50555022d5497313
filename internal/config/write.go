package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// configFilePermissions keeps credentials in the config file private.
const configFilePermissions = 0o600

const configDirPermissions = 0o755

// ErrConfigExists is returned by WriteTemplate when the file already exists.
var ErrConfigExists = errors.New("config: file already exists")

// configTemplate is the content written by "config init". Every setting is
// present as a commented-out default.
const configTemplate = `# isle-sync configuration

[database]
# path = "{{db}}"

[remote]
# Token endpoint for the labs, attendance and metamodel services.
# token_url = "https://sso.example.com/api/token/"
# token_user = ""
# token_password = ""        # or ISLE_SYNC_TOKEN_PASSWORD
# sso_api_key = ""           # or ISLE_SYNC_SSO_API_KEY
# keep_event_uuid = ""

[remote.labs]
# url = "https://labs.example.com"

[remote.xle]
# url = "https://xle.example.com"

[remote.dp]
# url = "https://dp.example.com"

[remote.sso]
# url = "https://sso.example.com"

[network]
# timeout = "30s"
# requests_per_second = 0
# user_agent = ""

[schedule]
# Cron expressions for serve; an empty string disables a pass.
# events = "*/15 * * * *"
# contexts = "0 * * * *"
# attendance = "*/30 * * * *"
# policy = "0 */6 * * *"

[notify]
# url = "wss://sso.example.com/ws/changes/"

[logging]
# log_level = "info"
# log_file = ""
# log_format = "auto"
# log_retention_days = 30
`

// WriteTemplate creates a commented default config file at path. It never
// overwrites an existing file. The write is atomic.
func WriteTemplate(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	}

	content := []byte(strings.Replace(configTemplate, "{{db}}", DefaultDBPath(), 1))

	return atomicWriteFile(path, content)
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it over path. Parent directories are created as
// needed.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
