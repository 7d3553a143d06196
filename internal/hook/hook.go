// Package hook implements the short-lived programs the assistant invokes
// at lifecycle points. Every hook reads one JSON object from stdin, writes
// one JSON object to stdout, and exits zero on all paths: a teleport fault
// must never block the assistant's user interaction.
package hook

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/xcawolfe-amzn/teleport/internal/config"
	"github.com/xcawolfe-amzn/teleport/internal/daemon"
	"github.com/xcawolfe-amzn/teleport/internal/relay"
)

// Hook event names, matching the assistant's settings schema.
const (
	EventSessionStart      = "SessionStart"
	EventPreToolUse        = "PreToolUse"
	EventPostToolUse       = "PostToolUse"
	EventPermissionRequest = "PermissionRequest"
	EventSessionEnd        = "SessionEnd"
)

// Permission decisions recognized by the assistant.
const (
	DecisionAllow   = "allow"
	DecisionDeny    = "deny"
	DecisionNeutral = "neutral"
)

// controlTimeout bounds calls to the local daemon from hooks. The daemon
// is loopback; anything slower than this means it is wedged.
const controlTimeout = 2 * time.Second

// Input is the JSON object the assistant writes to a hook's stdin.
type Input struct {
	SessionID string          `json:"session_id"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	Cwd       string          `json:"cwd,omitempty"`
}

// SpecificOutput is the event-scoped portion of a hook response.
type SpecificOutput struct {
	HookEventName            string `json:"hookEventName"`
	PermissionDecision       string `json:"permissionDecision,omitempty"`
	PermissionDecisionReason string `json:"permissionDecisionReason,omitempty"`
}

// Output is the JSON object a hook writes to stdout.
type Output struct {
	HookSpecificOutput *SpecificOutput `json:"hookSpecificOutput,omitempty"`
	SuppressOutput     bool            `json:"suppressOutput,omitempty"`
}

// neutral is the do-nothing response for an event.
func neutral(event string) *Output {
	return &Output{
		HookSpecificOutput: &SpecificOutput{
			HookEventName:      event,
			PermissionDecision: DecisionNeutral,
		},
		SuppressOutput: true,
	}
}

// Dispatcher holds the shared clients for all hook handlers.
type Dispatcher struct {
	cfg     *config.Config
	relay   *relay.Client
	control *daemon.ControlClient
	log     *Logger
}

// NewDispatcher builds a dispatcher from resolved configuration.
func NewDispatcher(cfg *config.Config) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		relay:   relay.New(cfg.RelayURL, cfg.RelayKey),
		control: daemon.NewControlClient(cfg.DaemonPort, controlTimeout),
		log:     NewLogger(cfg.HookLog),
	}
}

// Run executes one hook event end to end. It always returns 0; errors are
// logged to the hook log and the assistant receives a neutral response.
func (d *Dispatcher) Run(event string, stdin io.Reader, stdout, stderr io.Writer) int {
	in, err := readInput(stdin)
	if err != nil {
		d.log.Printf("%s: reading input: %v", event, err)
		writeOutput(stdout, neutral(event), d.log)
		return 0
	}

	d.warnMalformedSessionID(in, stderr)
	d.warnCredentialsChanged(stderr)

	var out *Output
	switch event {
	case EventSessionStart:
		out, err = d.sessionStart(in)
	case EventPreToolUse:
		out, err = d.preToolUse(in)
	case EventPostToolUse:
		out, err = d.postToolUse(in)
	case EventPermissionRequest:
		out, err = d.permissionRequest(in)
	case EventSessionEnd:
		out, err = d.sessionEnd(in)
	default:
		err = fmt.Errorf("unknown hook event %q", event)
	}
	if err != nil {
		d.log.Printf("%s: %v", event, err)
	}
	if out == nil {
		out = neutral(event)
	}
	writeOutput(stdout, out, d.log)
	return 0
}

func readInput(r io.Reader) (*Input, error) {
	var in Input
	if err := json.NewDecoder(io.LimitReader(r, 1<<20)).Decode(&in); err != nil {
		return nil, err
	}
	if in.SessionID == "" {
		return nil, fmt.Errorf("input has no session_id")
	}
	return &in, nil
}

func writeOutput(w io.Writer, out *Output, log *Logger) {
	if err := json.NewEncoder(w).Encode(out); err != nil {
		log.Printf("writing output: %v", err)
	}
}

// warnMalformedSessionID warns on stderr when the session id does not
// match the canonical UUID pattern. Warning only; the hook still runs.
func (d *Dispatcher) warnMalformedSessionID(in *Input, stderr io.Writer) {
	if _, err := uuid.Parse(in.SessionID); err != nil {
		fmt.Fprintf(stderr, "teleport: warning: session id %q is not a canonical UUID\n", in.SessionID)
	}
}

// warnCredentialsChanged warns when the credentials file was modified
// after the session marker was written: the running session keeps its old
// credentials until restarted.
func (d *Dispatcher) warnCredentialsChanged(stderr io.Writer) {
	marker, err := os.Stat(config.SessionMarkerFile())
	if err != nil {
		return
	}
	creds, err := os.Stat(config.CredentialsFile())
	if err != nil {
		return
	}
	if creds.ModTime().After(marker.ModTime()) {
		fmt.Fprintln(stderr, "teleport: warning: credentials changed since this session started; restart to pick them up")
	}
}

// registerWithDaemon upserts the session into the daemon registry.
func (d *Dispatcher) registerWithDaemon(in *Input) error {
	ctx, cancel := contextWithTimeout(controlTimeout)
	defer cancel()
	return d.control.Register(ctx, &daemon.RegisterRequest{
		SessionID:       in.SessionID,
		ClaudeSessionID: in.SessionID,
		Cwd:             in.Cwd,
	})
}

// registerWithRelay marks the session active on the relay. Best-effort.
func (d *Dispatcher) registerWithRelay(in *Input) error {
	if !d.relay.Configured() {
		return nil
	}
	ctx, cancel := contextWithTimeout(relay.DefaultTimeout)
	defer cancel()
	return d.relay.UpdateDaemonState(ctx, in.SessionID, &relay.DaemonStatePatch{Status: "active"})
}
