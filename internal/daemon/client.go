package daemon

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

// ErrExecutionNotFound is returned by the control client when no execution
// record exists for an approval id.
var ErrExecutionNotFound = errors.New("execution not found")

// controlError is a non-2xx control-surface response.
type controlError struct {
	code int
	body string
}

func (e *controlError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.code, e.body)
}

// ControlClient talks to the daemon's loopback control surface. Hook
// programs and the operator CLI use it; the daemon itself never does.
type ControlClient struct {
	base string
	http *http.Client
}

// NewControlClient creates a client for the control server on the given
// port. The timeout applies per request; hooks pass short budgets so they
// never block the assistant.
func NewControlClient(port int, timeout time.Duration) *ControlClient {
	return &ControlClient{
		base: fmt.Sprintf("http://127.0.0.1:%d", port),
		http: &http.Client{Timeout: timeout},
	}
}

// Health fetches the daemon health summary. An error means the daemon is
// not reachable on the control port.
func (c *ControlClient) Health(ctx context.Context) (*HealthSummary, error) {
	var out HealthSummary
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Register upserts a session into the daemon registry.
func (c *ControlClient) Register(ctx context.Context, req *RegisterRequest) error {
	return c.do(ctx, http.MethodPost, "/sessions/register", req, nil)
}

// Deregister removes a session from the daemon registry.
func (c *ControlClient) Deregister(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/sessions/deregister", &DeregisterRequest{SessionID: sessionID}, nil)
}

// Handoff hands an approval to the daemon for execution. A full queue
// surfaces as an error mentioning the 503.
func (c *ControlClient) Handoff(ctx context.Context, req *HandoffRequest) error {
	return c.do(ctx, http.MethodPost, "/approvals/handoff", req, nil)
}

// Execution fetches the execution record for an approval id.
func (c *ControlClient) Execution(ctx context.Context, approvalID string) (*ExecutionRecord, error) {
	var out ExecutionRecord
	err := c.do(ctx, http.MethodGet, "/executions/"+url.PathEscape(approvalID), nil, &out)
	if err != nil {
		var ce *controlError
		if errors.As(err, &ce) && ce.code == http.StatusNotFound {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (c *ControlClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &controlError{code: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding daemon response: %w", err)
		}
	}
	return nil
}
