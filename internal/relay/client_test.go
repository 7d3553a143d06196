package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDo_SetsBearerAuth(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte("{}"))
	}))
	defer ts.Close()

	c := New(ts.URL, "secret-key")
	if err := c.Heartbeat(context.Background(), "s1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if gotAuth != "Bearer secret-key" {
		t.Errorf("Authorization = %q, want Bearer secret-key", gotAuth)
	}
}

func TestDo_Unconfigured(t *testing.T) {
	c := New("", "")
	err := c.Heartbeat(context.Background(), "s1")
	if err == nil || !strings.Contains(err.Error(), "relay not configured") {
		t.Errorf("err = %v, want relay-not-configured", err)
	}
	if c.Configured() {
		t.Error("Configured() = true for empty base URL")
	}
}

func TestDo_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer ts.Close()

	c := New(ts.URL, "k")
	_, err := c.GetSession(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDo_ErrorBodyIsBounded(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(strings.Repeat("x", 10_000)))
	}))
	defer ts.Close()

	c := New(ts.URL, "k")
	err := c.Heartbeat(context.Background(), "s1")
	if err == nil {
		t.Fatal("want error for 500 response")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusInternalServerError {
		t.Errorf("err = %v, want APIError with status 500", err)
	}
	if len(err.Error()) > 1024 {
		t.Errorf("error string is %d bytes; body read must be bounded", len(err.Error()))
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("err = %v, want status in message", err)
	}
}

func TestListAllowedApprovals_QueryParams(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("status") != "allowed" || q.Get("session_id") != "s1" {
			t.Errorf("query = %v, want status=allowed session_id=s1", q)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"approvals": []Approval{{ID: "a1", SessionID: "s1"}},
		})
	}))
	defer ts.Close()

	c := New(ts.URL, "k")
	approvals, err := c.ListAllowedApprovals(context.Background(), "s1")
	if err != nil {
		t.Fatalf("ListAllowedApprovals: %v", err)
	}
	if len(approvals) != 1 || approvals[0].ID != "a1" {
		t.Errorf("approvals = %+v, want one a1", approvals)
	}
}

func TestPendingMessage_EmptyInbox(t *testing.T) {
	t.Run("404", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(http.NotFound))
		defer ts.Close()
		c := New(ts.URL, "k")
		msg, err := c.PendingMessage(context.Background(), "s1", "daemon")
		if err != nil || msg != nil {
			t.Errorf("(msg, err) = (%v, %v), want (nil, nil)", msg, err)
		}
	})

	t.Run("null message", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"message": null}`))
		}))
		defer ts.Close()
		c := New(ts.URL, "k")
		msg, err := c.PendingMessage(context.Background(), "s1", "daemon")
		if err != nil || msg != nil {
			t.Errorf("(msg, err) = (%v, %v), want (nil, nil)", msg, err)
		}
	})
}

func TestPendingResults_RoundTrip(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/results/pending") {
			t.Errorf("path = %s, want results/pending suffix", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"results": []SessionResult{{ID: "r1", Body: "done"}},
		})
	}))
	defer ts.Close()

	c := New(ts.URL, "k")
	results, err := c.PendingResults(context.Background(), "s1")
	if err != nil {
		t.Fatalf("PendingResults: %v", err)
	}
	if len(results) != 1 || results[0].Body != "done" {
		t.Errorf("results = %+v, want one with body done", results)
	}
}

func TestApprovalCommand(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantCmd string
		wantOK  bool
	}{
		{"bash command", `{"command":"ls -la"}`, "ls -la", true},
		{"no command field", `{"prompt":"do things"}`, "", false},
		{"empty input", ``, "", false},
		{"malformed", `{not json`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Approval{ToolInput: json.RawMessage(tt.input)}
			cmd, ok := a.Command()
			if cmd != tt.wantCmd || ok != tt.wantOK {
				t.Errorf("Command() = (%q, %v), want (%q, %v)", cmd, ok, tt.wantCmd, tt.wantOK)
			}
		})
	}
}

func TestApprovalPrompt(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"prompt field", `{"prompt":"refactor the tests"}`, "refactor the tests"},
		{"description fallback", `{"description":"run the linter"}`, "run the linter"},
		{"raw fallback", `{"weird":"shape"}`, `{"weird":"shape"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Approval{ToolInput: json.RawMessage(tt.input)}
			if got := a.Prompt(); got != tt.want {
				t.Errorf("Prompt() = %q, want %q", got, tt.want)
			}
		})
	}
}
