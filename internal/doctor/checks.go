package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/xcawolfe-amzn/teleport/internal/config"
	"github.com/xcawolfe-amzn/teleport/internal/daemon"
	"github.com/xcawolfe-amzn/teleport/internal/lock"
	"github.com/xcawolfe-amzn/teleport/internal/relay"
)

const checkTimeout = 3 * time.Second

// ConfigDirCheck verifies the per-user directory exists with safe
// permissions.
type ConfigDirCheck struct {
	BaseCheck
}

func NewConfigDirCheck() *ConfigDirCheck {
	return &ConfigDirCheck{BaseCheck{
		CheckName:        "config-dir",
		CheckDescription: "Check ~/.teleport exists with owner-only permissions",
	}}
}

func (c *ConfigDirCheck) Run(ctx *CheckContext) *CheckResult {
	dir := config.Dir()
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusWarning,
			Message: fmt.Sprintf("%s does not exist yet", dir),
			FixHint: "created automatically on first daemon start or 'tp login'",
		}
	}
	if err != nil {
		return &CheckResult{Name: c.Name(), Status: StatusError, Message: err.Error()}
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusWarning,
			Message: fmt.Sprintf("%s is group/world accessible (%#o)", dir, perm),
			FixHint: fmt.Sprintf("chmod 700 %s", dir),
		}
	}
	return &CheckResult{Name: c.Name(), Status: StatusOK, Message: dir}
}

// CredentialsCheck verifies relay credentials are resolvable.
type CredentialsCheck struct {
	BaseCheck
}

func NewCredentialsCheck() *CredentialsCheck {
	return &CredentialsCheck{BaseCheck{
		CheckName:        "credentials",
		CheckDescription: "Check relay URL and API key are configured",
	}}
}

func (c *CredentialsCheck) Run(ctx *CheckContext) *CheckResult {
	switch {
	case ctx.Config.RelayURL == "":
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusError,
			Message: "no relay URL configured",
			FixHint: "run 'tp login' or set RELAY_API_URL",
		}
	case ctx.Config.RelayKey == "":
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusError,
			Message: "relay URL set but no API key",
			FixHint: "run 'tp login' or set RELAY_API_KEY",
		}
	}
	return &CheckResult{Name: c.Name(), Status: StatusOK, Message: ctx.Config.RelayURL}
}

// DaemonCheck verifies the daemon is up and its control port answers.
type DaemonCheck struct {
	BaseCheck
}

func NewDaemonCheck() *DaemonCheck {
	return &DaemonCheck{BaseCheck{
		CheckName:        "daemon",
		CheckDescription: "Check the daemon is running and healthy",
	}}
}

func (c *DaemonCheck) Run(ctx *CheckContext) *CheckResult {
	running, pid := daemon.IsRunning()
	if !running {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusWarning,
			Message: "not running",
			Details: []string{"the session-start hook starts it on demand"},
			FixHint: "tp daemon start",
		}
	}

	cctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()
	health, err := daemon.NewControlClient(ctx.Config.DaemonPort, checkTimeout).Health(cctx)
	if err != nil {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusError,
			Message: fmt.Sprintf("running (PID %d) but control port %d not answering", pid, ctx.Config.DaemonPort),
			Details: []string{err.Error()},
			FixHint: "tp daemon stop && tp daemon start",
		}
	}
	return &CheckResult{
		Name:   c.Name(),
		Status: StatusOK,
		Message: fmt.Sprintf("running (PID %d, %d sessions, %d queued)",
			pid, health.Sessions, health.Queue),
	}
}

// StaleLockCheck detects a PID file whose holder is dead.
type StaleLockCheck struct {
	BaseCheck
}

func NewStaleLockCheck() *StaleLockCheck {
	return &StaleLockCheck{BaseCheck{
		CheckName:        "pid-lock",
		CheckDescription: "Check the daemon PID file is live or absent",
	}}
}

func (c *StaleLockCheck) Run(ctx *CheckContext) *CheckResult {
	pid, alive := lock.HolderPID(config.PIDFile())
	switch {
	case pid == 0:
		return &CheckResult{Name: c.Name(), Status: StatusOK, Message: "no lock file"}
	case alive:
		return &CheckResult{Name: c.Name(), Status: StatusOK, Message: fmt.Sprintf("held by PID %d", pid)}
	}
	return &CheckResult{
		Name:    c.Name(),
		Status:  StatusWarning,
		Message: fmt.Sprintf("stale lock (PID %d is dead)", pid),
		Details: []string{"the next daemon start reclaims it"},
	}
}

// RelayCheck probes relay reachability with the configured credentials.
type RelayCheck struct {
	BaseCheck
}

func NewRelayCheck() *RelayCheck {
	return &RelayCheck{BaseCheck{
		CheckName:        "relay",
		CheckDescription: "Check the relay answers authenticated requests",
	}}
}

func (c *RelayCheck) Run(ctx *CheckContext) *CheckResult {
	client := relay.New(ctx.Config.RelayURL, ctx.Config.RelayKey)
	if !client.Configured() {
		return &CheckResult{Name: c.Name(), Status: StatusWarning, Message: "skipped (no relay configured)"}
	}
	cctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()
	// Any authenticated response, including a 404 for the probe id, proves
	// the relay is reachable and the key is accepted.
	_, err := client.GetSession(cctx, "doctor-probe")
	if err != nil && !errors.Is(err, relay.ErrNotFound) {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusError,
			Message: "relay not reachable",
			Details: []string{err.Error()},
		}
	}
	return &CheckResult{Name: c.Name(), Status: StatusOK, Message: "reachable"}
}

// BypassCheck reports when the whitelist bypass is engaged.
type BypassCheck struct {
	BaseCheck
}

func NewBypassCheck() *BypassCheck {
	return &BypassCheck{BaseCheck{
		CheckName:        "whitelist",
		CheckDescription: "Check whether the command whitelist is enforced",
	}}
}

func (c *BypassCheck) Run(ctx *CheckContext) *CheckResult {
	if ctx.Config.AllowAllCommands && ctx.Config.DangerZone && !ctx.Config.Production {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusWarning,
			Message: "bypass engaged: ALL remote commands will run",
			Details: []string{"TELEPORTATION_DAEMON_ALLOW_ALL_COMMANDS and TELEPORTATION_DANGER_ZONE are both set"},
		}
	}
	if ctx.Config.AllowAllCommands || ctx.Config.DangerZone {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusOK,
			Message: "enforced (bypass needs both env signals)",
		}
	}
	return &CheckResult{Name: c.Name(), Status: StatusOK, Message: "enforced"}
}
