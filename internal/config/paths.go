package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var (
	baseDir     string
	baseDirOnce sync.Once
)

// Dir returns the per-user teleport directory (~/.teleport), creating
// nothing. TELEPORT_DIR overrides it, which the tests rely on.
func Dir() string {
	if v := os.Getenv("TELEPORT_DIR"); v != "" {
		return v
	}
	baseDirOnce.Do(func() {
		home, err := os.UserHomeDir()
		if err != nil {
			baseDir = ".teleport"
			return
		}
		baseDir = filepath.Join(home, ".teleport")
	})
	return baseDir
}

// EnsureDir creates the per-user directory with owner-only permissions.
func EnsureDir() error {
	return os.MkdirAll(Dir(), 0o700)
}

// ConfigFile returns the path of the user config file.
func ConfigFile() string { return filepath.Join(Dir(), "config.toml") }

// PIDFile returns the path of the daemon PID lock file.
func PIDFile() string { return filepath.Join(Dir(), "daemon.pid") }

// DaemonLogFile returns the path of the daemon log file.
func DaemonLogFile() string { return filepath.Join(Dir(), "daemon.log") }

// HookLogFile returns the default path of the hook diagnostic log.
func HookLogFile() string { return filepath.Join(Dir(), "hooks.log") }

// SessionMarkerFile returns the path of the session marker written by the
// session-start hook. Its mtime is compared against the credentials file to
// detect credential updates mid-session.
func SessionMarkerFile() string { return filepath.Join(Dir(), "session.marker") }

// CredentialsFile returns the path of the credentials file.
func CredentialsFile() string { return filepath.Join(Dir(), "credentials.json") }

// HeartbeatPIDFile returns the per-session helper PID file path.
func HeartbeatPIDFile(sessionID string) string {
	return filepath.Join(Dir(), "heartbeat-"+sessionID+".pid")
}

// Credentials is the stored relay endpoint and bearer secret.
type Credentials struct {
	RelayURL string `json:"relay_api_url"`
	RelayKey string `json:"relay_api_key"`
}

// LoadCredentials reads the credentials file.
func LoadCredentials() (*Credentials, error) {
	data, err := os.ReadFile(CredentialsFile())
	if err != nil {
		return nil, err
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}
	return &c, nil
}

// SaveCredentials writes the credentials file with owner-only permissions.
func SaveCredentials(c *Credentials) error {
	if err := EnsureDir(); err != nil {
		return fmt.Errorf("creating teleport directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(CredentialsFile(), append(data, '\n'), 0o600)
}
