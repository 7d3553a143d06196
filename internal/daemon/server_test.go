package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xcawolfe-amzn/teleport/internal/config"
	"github.com/xcawolfe-amzn/teleport/internal/relay"
)

func newTestServer(t *testing.T) (*Server, *State, *httptest.Server) {
	t.Helper()
	cfg := &config.Config{ChildTimeout: 5 * time.Second}
	state := NewState()
	logger := log.New(io.Discard, "", 0)
	ex := NewExecutor(cfg, relay.New("", ""), state, logger)
	srv := NewServer(state, ex, logger)
	ts := httptest.NewServer(srv.srv.Handler)
	t.Cleanup(ts.Close)
	return srv, state, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshaling request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, state, ts := newTestServer(t)
	state.RegisterSession(&Session{ID: "s1"})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var health HealthSummary
	decodeBody(t, resp, &health)
	if health.Status != "ok" {
		t.Errorf("status field = %q, want ok", health.Status)
	}
	if health.Sessions != 1 {
		t.Errorf("sessions = %d, want 1", health.Sessions)
	}
}

func TestRegisterEndpoint(t *testing.T) {
	_, state, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/sessions/register", RegisterRequest{
		SessionID: "abc-123",
		Cwd:       "/work",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if _, ok := state.LookupSession("abc-123"); !ok {
		t.Error("session not in registry after register")
	}
}

func TestRegisterEndpoint_RejectsBadIDs(t *testing.T) {
	_, _, ts := newTestServer(t)

	tests := []struct {
		name string
		id   string
	}{
		{"empty", ""},
		{"shell chars", "a;b"},
		{"spaces", "a b"},
		{"slash", "a/b"},
		{"too long", strings.Repeat("a", 257)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/sessions/register", RegisterRequest{SessionID: tt.id})
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 for id %q", resp.StatusCode, tt.id)
			}
		})
	}
}

func TestRegisterEndpoint_AcceptsFullIDCharset(t *testing.T) {
	_, state, ts := newTestServer(t)

	// Alphanumerics plus underscore, dash, at-sign, and dot, in any
	// position.
	for _, id := range []string{"_a", ".x", "-lead", "user@host.local", "a-b_c.d"} {
		resp := postJSON(t, ts.URL+"/sessions/register", RegisterRequest{SessionID: id})
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200 for id %q", resp.StatusCode, id)
			continue
		}
		if _, ok := state.LookupSession(id); !ok {
			t.Errorf("id %q accepted but not registered", id)
		}
	}
}

func TestRegisterEndpoint_RefusedDuringShutdown(t *testing.T) {
	_, state, ts := newTestServer(t)
	if !state.TryBeginIdleShutdown(time.Now().Add(time.Hour), time.Minute) {
		t.Fatal("idle shutdown should begin on an empty idle state")
	}

	resp := postJSON(t, ts.URL+"/sessions/register", RegisterRequest{SessionID: "late-1"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if state.SessionCount() != 0 {
		t.Error("session registered after shutdown began")
	}
}

func TestDeregisterEndpoint(t *testing.T) {
	_, state, ts := newTestServer(t)
	state.RegisterSession(&Session{ID: "s1"})

	resp := postJSON(t, ts.URL+"/sessions/deregister", DeregisterRequest{SessionID: "s1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if state.SessionCount() != 0 {
		t.Error("session still registered after deregister")
	}
}

func TestHandoffEndpoint_Queues(t *testing.T) {
	_, state, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/approvals/handoff", HandoffRequest{
		ApprovalID: "ap1",
		SessionID:  "s1",
		ToolName:   "Bash",
		ToolInput:  json.RawMessage(`{"command":"ls"}`),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["status"] != "queued" {
		t.Errorf("status field = %v, want queued", body["status"])
	}
	if !state.Tracked("ap1") {
		t.Error("approval not tracked after handoff")
	}
}

func TestHandoffEndpoint_QueueFull(t *testing.T) {
	_, state, ts := newTestServer(t)
	for i := 0; i < MaxQueueSize; i++ {
		state.Enqueue(&relay.Approval{ID: fmt.Sprintf("a%d", i)})
	}

	resp := postJSON(t, ts.URL+"/approvals/handoff", HandoffRequest{
		ApprovalID: "overflow",
		SessionID:  "s1",
		ToolName:   "Bash",
	})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	var body struct {
		Error     string `json:"error"`
		QueueSize int    `json:"queue_size"`
		MaxSize   int    `json:"max_size"`
	}
	decodeBody(t, resp, &body)
	if body.Error != "Approval queue full" {
		t.Errorf("error = %q, want %q", body.Error, "Approval queue full")
	}
	if body.QueueSize != MaxQueueSize || body.MaxSize != MaxQueueSize {
		t.Errorf("queue_size=%d max_size=%d, want both %d", body.QueueSize, body.MaxSize, MaxQueueSize)
	}
}

func TestHandoffEndpoint_Validation(t *testing.T) {
	_, _, ts := newTestServer(t)

	tests := []struct {
		name string
		req  HandoffRequest
	}{
		{"bad approval id", HandoffRequest{ApprovalID: "a;b", SessionID: "s1", ToolName: "Bash"}},
		{"bad session id", HandoffRequest{ApprovalID: "ap1", SessionID: "s x", ToolName: "Bash"}},
		{"bad tool name", HandoffRequest{ApprovalID: "ap1", SessionID: "s1", ToolName: "Bash!"}},
		{"missing tool name", HandoffRequest{ApprovalID: "ap1", SessionID: "s1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/approvals/handoff", tt.req)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestExecutionEndpoint(t *testing.T) {
	_, state, ts := newTestServer(t)
	state.BeginExecution("ap1")
	state.FinishExecution("ap1", func(rec *ExecutionRecord) {
		rec.Status = ExecCompleted
		rec.Stdout = "hello"
	})

	resp, err := http.Get(ts.URL + "/executions/ap1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var rec ExecutionRecord
	decodeBody(t, resp, &rec)
	if rec.Status != ExecCompleted || rec.Stdout != "hello" {
		t.Errorf("record = %+v, want completed/hello", rec)
	}

	resp2, err := http.Get(ts.URL + "/executions/unknown")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", resp2.StatusCode)
	}
}

func TestControlClient_ExecutionNotFound(t *testing.T) {
	_, _, ts := newTestServer(t)
	c := &ControlClient{base: ts.URL, http: ts.Client()}

	_, err := c.Execution(context.Background(), "nope")
	if !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("err = %v, want ErrExecutionNotFound", err)
	}
}

func TestControlClient_Handoff(t *testing.T) {
	_, state, ts := newTestServer(t)
	c := &ControlClient{base: ts.URL, http: ts.Client()}

	err := c.Handoff(context.Background(), &HandoffRequest{
		ApprovalID: "ap1",
		SessionID:  "s1",
		ToolName:   "Bash",
	})
	if err != nil {
		t.Fatalf("Handoff: %v", err)
	}
	if !state.Tracked("ap1") {
		t.Error("approval not tracked after client handoff")
	}
}

func TestDecode_RejectsOversizedBody(t *testing.T) {
	_, _, ts := newTestServer(t)

	big := bytes.Repeat([]byte("a"), maxBodyBytes+1)
	body, _ := json.Marshal(RegisterRequest{SessionID: string(big)})
	resp, err := http.Post(ts.URL+"/sessions/register", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

func TestDecode_RejectsMalformedJSON(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/sessions/register", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
