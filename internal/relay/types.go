// Package relay is the typed client for the remote relay service that
// coordinates the mobile UI, the workstation daemon, and persistent
// approval/message state.
package relay

import (
	"encoding/json"
	"time"
)

// ApprovalStatus is the relay-side status of an approval. The relay owns
// pending/allowed; the daemon owns everything after.
type ApprovalStatus string

const (
	ApprovalPending ApprovalStatus = "pending"
	ApprovalAllowed ApprovalStatus = "allowed"
)

// Approval is a remote permission grant for a specific tool invocation.
type Approval struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"session_id"`
	ToolName     string          `json:"tool_name"`
	ToolInput    json.RawMessage `json:"tool_input"`
	Status       ApprovalStatus  `json:"status"`
	Acknowledged bool            `json:"acknowledged"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Command extracts the shell command from the tool input, if present.
// Approvals without a command string take the delegated execution path.
func (a *Approval) Command() (string, bool) {
	if len(a.ToolInput) == 0 {
		return "", false
	}
	var input struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(a.ToolInput, &input); err != nil {
		return "", false
	}
	return input.Command, input.Command != ""
}

// Prompt extracts the natural-language prompt for the delegated path. It
// falls back to the raw tool input when no recognized field exists.
func (a *Approval) Prompt() string {
	var input struct {
		Prompt      string `json:"prompt"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(a.ToolInput, &input); err == nil {
		if input.Prompt != "" {
			return input.Prompt
		}
		if input.Description != "" {
			return input.Description
		}
	}
	return string(a.ToolInput)
}

// MessageType tags inbox messages.
type MessageType string

const (
	MessageCommand MessageType = "command"
	MessageInfo    MessageType = "info"
	MessageResult  MessageType = "result"
)

// MessageMeta carries routing metadata for an inbox message.
type MessageMeta struct {
	Type         MessageType `json:"type"`
	ReplyAgentID string      `json:"reply_agent_id,omitempty"`
	ReplyTo      string      `json:"reply_to,omitempty"`
}

// InboxMessage is a command or informational message routed through the
// relay to a specific session and agent.
type InboxMessage struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	Meta      MessageMeta `json:"meta"`
}

// SessionRecord is the relay's view of a session. The relay is the source
// of truth; the daemon re-reads it on registry cache misses.
type SessionRecord struct {
	ID              string            `json:"id"`
	ClaudeSessionID string            `json:"claude_session_id"`
	Cwd             string            `json:"cwd"`
	Meta            map[string]string `json:"meta,omitempty"`
	IsAway          bool              `json:"is_away"`
	Status          string            `json:"status"`
}

// ExecutedReport is the outcome posted to the executed endpoint after a
// child process finishes (or fails to start).
type ExecutedReport struct {
	Status     string `json:"status"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	Error      string `json:"error,omitempty"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// SessionResult is an execution result stored on the relay for later
// delivery into the assistant conversation by the pre-tool-use hook.
type SessionResult struct {
	ID         string    `json:"id,omitempty"`
	ApprovalID string    `json:"approval_id,omitempty"`
	Title      string    `json:"title,omitempty"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}

// DaemonStatePatch updates the relay's daemon-facing session fields.
// Nil pointers leave the corresponding field unchanged.
type DaemonStatePatch struct {
	IsAway        *bool  `json:"is_away,omitempty"`
	Status        string `json:"status,omitempty"`
	StartedReason string `json:"started_reason,omitempty"`
	StoppedReason string `json:"stopped_reason,omitempty"`
}

// OutboundMessage is a message posted to the relay, including replies to
// inbox commands.
type OutboundMessage struct {
	SessionID string      `json:"session_id"`
	AgentID   string      `json:"agent_id,omitempty"`
	Text      string      `json:"text"`
	Meta      MessageMeta `json:"meta"`
}

// TimelineEvent records a tool invocation outcome in the session timeline.
type TimelineEvent struct {
	SessionID string         `json:"session_id"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data,omitempty"`
}
