// Package config resolves teleport configuration from defaults, the
// user-level config file, and environment variables, in that order of
// increasing precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/xcawolfe-amzn/teleport/internal/util"
)

// Defaults for daemon timing and the control port.
const (
	DefaultDaemonPort        = 3050
	DefaultPollInterval      = 5 * time.Second
	DefaultChildTimeout      = 600 * time.Second
	DefaultIdleTimeout       = 30 * time.Minute
	DefaultIdleCheckInterval = 5 * time.Minute
	DefaultHeartbeatInterval = 30 * time.Second
)

// DangerZoneToken is the exact value TELEPORTATION_DANGER_ZONE must carry
// for the whitelist bypass to engage.
const DangerZoneToken = "i_understand_the_risks"

// Config holds the resolved runtime configuration for the daemon, the CLI,
// and the hook programs.
type Config struct {
	// RelayURL is the base URL of the relay service (no trailing slash).
	RelayURL string
	// RelayKey is the bearer secret sent on every relay request.
	RelayKey string

	// DaemonPort is the loopback port for the control HTTP server.
	DaemonPort int

	PollInterval      time.Duration
	ChildTimeout      time.Duration
	IdleTimeout       time.Duration
	IdleCheckInterval time.Duration
	HeartbeatInterval time.Duration

	// HookLog is the file path for hook diagnostics. Empty disables logging.
	HookLog string

	// AllowAllCommands requests the whitelist bypass. It only takes effect
	// together with DangerZone and outside production (see cmdguard).
	AllowAllCommands bool
	// DangerZone is true when TELEPORTATION_DANGER_ZONE carries the token.
	DangerZone bool
	// Production marks the environment as production, which disables the
	// whitelist bypass unconditionally.
	Production bool
}

// fileConfig is the TOML shape of ~/.teleport/config.toml.
type fileConfig struct {
	RelayAPIURL         string `toml:"relay_api_url"`
	RelayAPIKey         string `toml:"relay_api_key"`
	DaemonPort          int    `toml:"daemon_port"`
	PollIntervalMS      int64  `toml:"poll_interval_ms"`
	ChildTimeoutMS      int64  `toml:"child_timeout_ms"`
	IdleTimeoutMS       int64  `toml:"idle_timeout_ms"`
	IdleCheckIntervalMS int64  `toml:"idle_check_interval_ms"`
	HeartbeatIntervalMS int64  `toml:"heartbeat_interval_ms"`
	HookLog             string `toml:"hook_log"`
}

// Load resolves the configuration: built-in defaults, then the config file
// (if present), then credentials file, then environment overrides.
func Load() (*Config, error) {
	cfg := &Config{
		DaemonPort:        DefaultDaemonPort,
		PollInterval:      DefaultPollInterval,
		ChildTimeout:      DefaultChildTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		IdleCheckInterval: DefaultIdleCheckInterval,
		HeartbeatInterval: DefaultHeartbeatInterval,
		HookLog:           HookLogFile(),
	}

	if err := cfg.applyFile(ConfigFile()); err != nil {
		return nil, err
	}
	if creds, err := LoadCredentials(); err == nil {
		if cfg.RelayURL == "" {
			cfg.RelayURL = creds.RelayURL
		}
		if cfg.RelayKey == "" {
			cfg.RelayKey = creds.RelayKey
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyFile overlays values from a TOML config file. A missing file is not
// an error; a malformed one is.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if fc.RelayAPIURL != "" {
		c.RelayURL = fc.RelayAPIURL
	}
	if fc.RelayAPIKey != "" {
		c.RelayKey = fc.RelayAPIKey
	}
	if fc.DaemonPort > 0 {
		c.DaemonPort = fc.DaemonPort
	}
	if fc.PollIntervalMS > 0 {
		c.PollInterval = time.Duration(fc.PollIntervalMS) * time.Millisecond
	}
	if fc.ChildTimeoutMS > 0 {
		c.ChildTimeout = time.Duration(fc.ChildTimeoutMS) * time.Millisecond
	}
	if fc.IdleTimeoutMS > 0 {
		c.IdleTimeout = time.Duration(fc.IdleTimeoutMS) * time.Millisecond
	}
	if fc.IdleCheckIntervalMS > 0 {
		c.IdleCheckInterval = time.Duration(fc.IdleCheckIntervalMS) * time.Millisecond
	}
	if fc.HeartbeatIntervalMS > 0 {
		c.HeartbeatInterval = time.Duration(fc.HeartbeatIntervalMS) * time.Millisecond
	}
	if fc.HookLog != "" {
		c.HookLog = util.ExpandHome(fc.HookLog)
	}
	return nil
}

// applyEnv overlays environment variables. Environment always wins over the
// config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("RELAY_API_URL"); v != "" {
		c.RelayURL = v
	}
	if v := os.Getenv("RELAY_API_KEY"); v != "" {
		c.RelayKey = v
	}
	if v, ok := envInt("TELEPORTATION_DAEMON_PORT"); ok {
		c.DaemonPort = v
	}
	if d, ok := envDurationMS("DAEMON_POLL_INTERVAL_MS"); ok {
		c.PollInterval = d
	}
	if d, ok := envDurationMS("DAEMON_CHILD_TIMEOUT_MS"); ok {
		c.ChildTimeout = d
	}
	if d, ok := envDurationMS("DAEMON_IDLE_TIMEOUT_MS"); ok {
		c.IdleTimeout = d
	}
	if d, ok := envDurationMS("DAEMON_IDLE_CHECK_INTERVAL_MS"); ok {
		c.IdleCheckInterval = d
	}
	if d, ok := envDurationMS("DAEMON_HEARTBEAT_INTERVAL_MS"); ok {
		c.HeartbeatInterval = d
	}
	if v := os.Getenv("TELEPORTATION_HOOK_LOG"); v != "" {
		c.HookLog = util.ExpandHome(v)
	}

	c.AllowAllCommands = envBool("TELEPORTATION_DAEMON_ALLOW_ALL_COMMANDS")
	c.DangerZone = os.Getenv("TELEPORTATION_DANGER_ZONE") == DangerZoneToken
	c.Production = os.Getenv("NODE_ENV") == "production" ||
		os.Getenv("TELEPORT_ENV") == "production"
}

// ControlURL returns the base URL of the local control server.
func (c *Config) ControlURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", c.DaemonPort)
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func envDurationMS(key string) (time.Duration, bool) {
	n, ok := envInt(key)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}

func envBool(key string) bool {
	switch os.Getenv(key) {
	case "1", "true", "yes":
		return true
	}
	return false
}
