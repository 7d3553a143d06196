package hook

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/xcawolfe-amzn/teleport/internal/config"
	"github.com/xcawolfe-amzn/teleport/internal/relay"
)

// startupBackoff is the retry schedule for waiting on a freshly spawned
// daemon to answer on the control port.
var startupBackoff = []time.Duration{500 * time.Millisecond, time.Second, 1500 * time.Millisecond}

// sessionStart runs when the assistant begins a session: it makes sure a
// daemon is alive, registers the session, and drops the session marker.
func (d *Dispatcher) sessionStart(in *Input) (*Output, error) {
	if err := d.ensureDaemon(); err != nil {
		return nil, fmt.Errorf("ensuring daemon: %w", err)
	}
	if err := d.registerWithDaemon(in); err != nil {
		return nil, fmt.Errorf("registering session: %w", err)
	}
	if err := d.registerWithRelay(in); err != nil {
		d.log.Printf("SessionStart: relay registration: %v", err)
	}
	if err := writeSessionMarker(in.SessionID); err != nil {
		d.log.Printf("SessionStart: writing marker: %v", err)
	}
	return neutral(EventSessionStart), nil
}

// ensureDaemon health-checks the control port and spawns a detached
// daemon process when nothing answers, retrying the health check on a
// short capped backoff.
func (d *Dispatcher) ensureDaemon() error {
	ctx, cancel := contextWithTimeout(controlTimeout)
	if _, err := d.control.Health(ctx); err == nil {
		cancel()
		return nil
	}
	cancel()

	if err := spawnDaemon(); err != nil {
		return err
	}
	for _, wait := range startupBackoff {
		time.Sleep(wait)
		ctx, cancel := contextWithTimeout(controlTimeout)
		_, err := d.control.Health(ctx)
		cancel()
		if err == nil {
			d.log.Printf("SessionStart: started daemon")
			return nil
		}
	}
	return fmt.Errorf("daemon did not come up after spawn")
}

// spawnDaemon re-executes this binary as a detached daemon process with
// stdio pointed at /dev/null so the hook can exit immediately.
func spawnDaemon() error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable: %w", err)
	}
	cmd := exec.Command(self, "daemon", "run")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning daemon: %w", err)
	}
	// The daemon outlives the hook; releasing avoids a zombie entry if it
	// exits before us anyway.
	return cmd.Process.Release()
}

func writeSessionMarker(sessionID string) error {
	if err := config.EnsureDir(); err != nil {
		return err
	}
	line := fmt.Sprintf("%s %s\n", sessionID, time.Now().Format(time.RFC3339))
	return os.WriteFile(config.SessionMarkerFile(), []byte(line), 0o600)
}

// preToolUse runs before every tool call: it re-registers lazily (the
// daemon may have restarted since session start) and delivers any pending
// remote execution results into the conversation by denying this tool
// call with the results as the reason.
func (d *Dispatcher) preToolUse(in *Input) (*Output, error) {
	if err := d.registerWithDaemon(in); err != nil {
		d.log.Printf("PreToolUse: daemon registration: %v", err)
	}
	if err := d.registerWithRelay(in); err != nil {
		d.log.Printf("PreToolUse: relay registration: %v", err)
	}
	if !d.relay.Configured() {
		return neutral(EventPreToolUse), nil
	}

	ctx, cancel := contextWithTimeout(relay.DefaultTimeout)
	defer cancel()
	results, err := d.relay.PendingResults(ctx, in.SessionID)
	if err != nil {
		return nil, fmt.Errorf("fetching pending results: %w", err)
	}
	if len(results) == 0 {
		return neutral(EventPreToolUse), nil
	}

	for _, res := range results {
		if res.ID == "" {
			continue
		}
		if err := d.relay.MarkResultDelivered(ctx, in.SessionID, res.ID); err != nil {
			d.log.Printf("PreToolUse: marking result %s delivered: %v", res.ID, err)
		}
	}
	return &Output{
		HookSpecificOutput: &SpecificOutput{
			HookEventName:            EventPreToolUse,
			PermissionDecision:       DecisionDeny,
			PermissionDecisionReason: formatResults(results),
		},
		SuppressOutput: true,
	}, nil
}

// formatResults renders stored remote results as a block the assistant
// reads as the denial reason.
func formatResults(results []relay.SessionResult) string {
	var b strings.Builder
	b.WriteString("Results from commands executed remotely while you were away:\n")
	for _, res := range results {
		b.WriteString("\n")
		if res.Title != "" {
			b.WriteString("## " + res.Title + "\n")
		}
		b.WriteString(res.Body)
		if !strings.HasSuffix(res.Body, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("\nRelay these results to the user, then continue with the original request.")
	return b.String()
}

// postToolUse records the tool invocation in the session timeline.
// Best-effort; the assistant never sees a failure here.
func (d *Dispatcher) postToolUse(in *Input) (*Output, error) {
	if !d.relay.Configured() {
		return neutral(EventPostToolUse), nil
	}
	ctx, cancel := contextWithTimeout(relay.DefaultTimeout)
	defer cancel()
	err := d.relay.LogTimelineEvent(ctx, &relay.TimelineEvent{
		SessionID: in.SessionID,
		EventType: "tool_use",
		Data: map[string]any{
			"tool_name": in.ToolName,
			"cwd":       in.Cwd,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("logging timeline event: %w", err)
	}
	return neutral(EventPostToolUse), nil
}

// permissionRequest routes a permission prompt to the away user's phone:
// it creates a pending approval at the relay and denies the local prompt.
// Nothing is handed to the daemon here; the poller picks the approval up
// only after the remote user moves it to allowed. When the user is not
// flagged away the normal local prompt proceeds untouched.
func (d *Dispatcher) permissionRequest(in *Input) (*Output, error) {
	if !d.relay.Configured() {
		return neutral(EventPermissionRequest), nil
	}

	ctx, cancel := contextWithTimeout(relay.DefaultTimeout)
	defer cancel()
	sess, err := d.relay.GetSession(ctx, in.SessionID)
	if err != nil {
		return nil, fmt.Errorf("fetching session: %w", err)
	}
	if !sess.IsAway {
		return neutral(EventPermissionRequest), nil
	}

	approvalID := uuid.NewString()
	err = d.relay.CreateApproval(ctx, &relay.Approval{
		ID:        approvalID,
		SessionID: in.SessionID,
		ToolName:  in.ToolName,
		ToolInput: in.ToolInput,
		Status:    relay.ApprovalPending,
	})
	if err != nil {
		return nil, fmt.Errorf("creating approval: %w", err)
	}
	d.log.Printf("PermissionRequest: created approval %s for %s", approvalID, in.SessionID)

	return &Output{
		HookSpecificOutput: &SpecificOutput{
			HookEventName:            EventPermissionRequest,
			PermissionDecision:       DecisionDeny,
			PermissionDecisionReason: "Approval request sent to the remote user. The command runs automatically once approved; do not retry it locally.",
		},
		SuppressOutput: true,
	}, nil
}

// sessionEnd tears the session down: kill the per-session helper if its
// PID file matches this session, mark the session stopped at the relay,
// and deregister from the daemon.
func (d *Dispatcher) sessionEnd(in *Input) (*Output, error) {
	d.stopHelper(in.SessionID)

	if d.relay.Configured() {
		ctx, cancel := contextWithTimeout(relay.DefaultTimeout)
		err := d.relay.UpdateDaemonState(ctx, in.SessionID, &relay.DaemonStatePatch{
			Status:        "stopped",
			StoppedReason: "session ended",
		})
		cancel()
		if err != nil {
			d.log.Printf("SessionEnd: marking stopped at relay: %v", err)
		}
	}

	ctx, cancel := contextWithTimeout(controlTimeout)
	defer cancel()
	if err := d.control.Deregister(ctx, in.SessionID); err != nil {
		d.log.Printf("SessionEnd: deregistering: %v", err)
	}
	return neutral(EventSessionEnd), nil
}

// stopHelper terminates the per-session helper process recorded in the
// heartbeat PID file, but only when the file's session id matches the
// ending session. A mismatch means the file belongs to a newer session
// reusing the path and must be left alone.
func (d *Dispatcher) stopHelper(sessionID string) {
	path := config.HeartbeatPIDFile(sessionID)
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	pid, fileSession, ok := parseHelperPIDFile(string(data))
	if !ok || fileSession != sessionID {
		return
	}
	if proc, err := os.FindProcess(pid); err == nil {
		if err := proc.Signal(syscall.SIGTERM); err == nil {
			d.log.Printf("SessionEnd: stopped helper PID %d", pid)
		}
	}
	_ = os.Remove(path)
}

// parseHelperPIDFile reads the "pid|session_id" form of the helper PID
// file.
func parseHelperPIDFile(content string) (pid int, sessionID string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(content), "|", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	pid, err := strconv.Atoi(parts[0])
	if err != nil || pid <= 0 {
		return 0, "", false
	}
	return pid, parts[1], true
}
