package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds every relay call unless the caller's context is
// shorter. The daemon must never hang on the relay.
const DefaultTimeout = 5 * time.Second

// ErrNotFound is returned for relay 404s. Heartbeats treat it as a silent
// no-op; other callers surface it.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx relay response. Callers that must distinguish a
// relay rejection from a transport failure unwrap to it with errors.As.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.Status, e.Body)
}

// Client talks to the relay HTTP API with bearer authentication.
type Client struct {
	baseURL string
	key     string
	http    *http.Client
}

// New creates a relay client. baseURL must not have a trailing slash.
func New(baseURL, key string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		http:    &http.Client{Timeout: DefaultTimeout},
	}
}

// Configured reports whether the client has a relay endpoint at all.
func (c *Client) Configured() bool { return c.baseURL != "" }

// ListAllowedApprovals fetches approvals with status allowed for a session.
func (c *Client) ListAllowedApprovals(ctx context.Context, sessionID string) ([]Approval, error) {
	q := url.Values{"status": {string(ApprovalAllowed)}, "session_id": {sessionID}}
	var out struct {
		Approvals []Approval `json:"approvals"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/approvals?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Approvals, nil
}

// CreateApproval registers a new pending approval so the mobile UI can
// surface it for the away user.
func (c *Client) CreateApproval(ctx context.Context, a *Approval) error {
	return c.do(ctx, http.MethodPost, "/api/approvals", a, nil)
}

// AckApproval claims an approval before execution. This happens strictly
// before the child process spawns so a second local approval cannot race
// into a duplicate execution. The relay refuses the claim for approvals
// not in the allowed state; that refusal surfaces as an APIError.
func (c *Client) AckApproval(ctx context.Context, approvalID string) error {
	return c.do(ctx, http.MethodPost, "/api/approvals/"+url.PathEscape(approvalID)+"/ack", struct{}{}, nil)
}

// ReportExecuted posts the execution outcome for an approval.
func (c *Client) ReportExecuted(ctx context.Context, approvalID string, report *ExecutedReport) error {
	return c.do(ctx, http.MethodPost, "/api/approvals/"+url.PathEscape(approvalID)+"/executed", report, nil)
}

// InvalidateApprovals voids a session's pending approvals. Used before a
// new inbox command is dispatched so stale approvals cannot race it.
func (c *Client) InvalidateApprovals(ctx context.Context, sessionID, reason string) error {
	body := map[string]string{"session_id": sessionID, "reason": reason}
	return c.do(ctx, http.MethodPost, "/api/approvals/invalidate", body, nil)
}

// PendingMessage fetches at most one pending inbox message for the given
// session and agent. Returns nil when the inbox is empty.
func (c *Client) PendingMessage(ctx context.Context, sessionID, agentID string) (*InboxMessage, error) {
	q := url.Values{"session_id": {sessionID}, "agent_id": {agentID}}
	var out struct {
		Message *InboxMessage `json:"message"`
	}
	err := c.do(ctx, http.MethodGet, "/api/messages/pending?"+q.Encode(), nil, &out)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out.Message, nil
}

// PostMessage posts a new message, including replies to inbox commands.
func (c *Client) PostMessage(ctx context.Context, msg *OutboundMessage) error {
	return c.do(ctx, http.MethodPost, "/api/messages", msg, nil)
}

// AckMessage acknowledges an inbox message after processing. The relay is
// authoritative on duplicate acks, so acking twice is tolerated.
func (c *Client) AckMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodPost, "/api/messages/"+url.PathEscape(messageID)+"/ack", struct{}{}, nil)
}

// Heartbeat sends a liveness ping for a session.
func (c *Client) Heartbeat(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/heartbeat", struct{}{}, nil)
}

// UpdateDaemonState patches the session's daemon-facing fields.
func (c *Client) UpdateDaemonState(ctx context.Context, sessionID string, patch *DaemonStatePatch) error {
	return c.do(ctx, http.MethodPatch, "/api/sessions/"+url.PathEscape(sessionID)+"/daemon-state", patch, nil)
}

// GetSession recovers a session record from the relay. This is the cache
// recovery path for registry misses and the pre-dispatch liveness check.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	var out SessionRecord
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PostResult stores an execution result for later delivery via the
// pre-tool-use hook.
func (c *Client) PostResult(ctx context.Context, sessionID string, result *SessionResult) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/results", result, nil)
}

// PendingResults retrieves results not yet delivered into the assistant.
func (c *Client) PendingResults(ctx context.Context, sessionID string) ([]SessionResult, error) {
	var out struct {
		Results []SessionResult `json:"results"`
	}
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID)+"/results/pending", nil, &out)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out.Results, nil
}

// MarkResultDelivered marks a stored result as delivered.
func (c *Client) MarkResultDelivered(ctx context.Context, sessionID, resultID string) error {
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/results/" + url.PathEscape(resultID) + "/delivered"
	return c.do(ctx, http.MethodPost, path, struct{}{}, nil)
}

// LogTimelineEvent records a timeline event for a session.
func (c *Client) LogTimelineEvent(ctx context.Context, ev *TimelineEvent) error {
	return c.do(ctx, http.MethodPost, "/api/timeline/log", ev, nil)
}

// do performs one request with JSON encoding on both sides. A non-nil out
// receives the decoded response body. 404 maps to ErrNotFound.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("relay not configured (set RELAY_API_URL or run tp login)")
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.key)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relay request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Bounded read keeps a misbehaving relay from ballooning error strings.
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
