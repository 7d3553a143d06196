package daemon

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xcawolfe-amzn/teleport/internal/config"
	"github.com/xcawolfe-amzn/teleport/internal/relay"
)

// pollerRelay fakes the relay surfaces the poller touches.
type pollerRelay struct {
	mu           sync.Mutex
	approvals    []relay.Approval
	message      *relay.InboxMessage
	heartbeats   []string
	acked        []string
	invalidated  []string
	replies      []relay.OutboundMessage
	heartbeat404 bool
}

func (f *pollerRelay) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/approvals", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"approvals": f.approvals})
	})
	mux.HandleFunc("GET /api/messages/pending", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"message": f.message})
	})
	mux.HandleFunc("POST /api/messages/{id}/ack", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.acked = append(f.acked, r.PathValue("id"))
		f.message = nil
		f.mu.Unlock()
		w.Write([]byte("{}"))
	})
	mux.HandleFunc("POST /api/messages", func(w http.ResponseWriter, r *http.Request) {
		var msg relay.OutboundMessage
		json.NewDecoder(r.Body).Decode(&msg)
		f.mu.Lock()
		f.replies = append(f.replies, msg)
		f.mu.Unlock()
		w.Write([]byte("{}"))
	})
	mux.HandleFunc("POST /api/approvals/invalidate", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.invalidated = append(f.invalidated, body["session_id"])
		f.mu.Unlock()
		w.Write([]byte("{}"))
	})
	mux.HandleFunc("POST /api/sessions/{id}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.heartbeat404 {
			http.NotFound(w, r)
			return
		}
		f.heartbeats = append(f.heartbeats, r.PathValue("id"))
		w.Write([]byte("{}"))
	})
	return mux
}

func newTestPoller(t *testing.T, fr *pollerRelay) (*Poller, *State) {
	t.Helper()
	ts := httptest.NewServer(fr.handler())
	t.Cleanup(ts.Close)
	cfg := &config.Config{
		PollInterval:      time.Second,
		ChildTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
	state := NewState()
	logger := log.New(io.Discard, "", 0)
	rc := relay.New(ts.URL, "test-key")
	ex := NewExecutor(cfg, rc, state, logger)
	return NewPoller(cfg, rc, state, ex, logger), state
}

func TestPollApprovals_EnqueuesNewOnly(t *testing.T) {
	fr := &pollerRelay{approvals: []relay.Approval{
		{ID: "new", SessionID: "s1"},
		{ID: "acked", SessionID: "s1", Acknowledged: true},
		{ID: "tracked", SessionID: "s1"},
	}}
	p, state := newTestPoller(t, fr)
	state.RegisterSession(&Session{ID: "s1"})
	state.BeginExecution("tracked")

	p.pollApprovals(context.Background(), "s1")

	if !state.Tracked("new") {
		t.Error("new approval not enqueued")
	}
	if state.QueueLen() != 1 {
		t.Errorf("QueueLen() = %d, want 1 (acked and tracked skipped)", state.QueueLen())
	}
	// Re-polling does not duplicate.
	p.pollApprovals(context.Background(), "s1")
	if state.QueueLen() != 1 {
		t.Errorf("QueueLen() after re-poll = %d, want 1", state.QueueLen())
	}
}

func TestPollInbox_CommandInvalidatesAndReplies(t *testing.T) {
	fr := &pollerRelay{message: &relay.InboxMessage{
		ID:        "m1",
		SessionID: "s1",
		Text:      "echo from-inbox",
		Meta: relay.MessageMeta{
			Type:         relay.MessageCommand,
			ReplyAgentID: "phone",
		},
	}}
	p, state := newTestPoller(t, fr)
	sess := Session{ID: "s1", Cwd: t.TempDir()}
	state.RegisterSession(&sess)

	p.pollInbox(context.Background(), sess)

	fr.mu.Lock()
	defer fr.mu.Unlock()
	if len(fr.invalidated) != 1 || fr.invalidated[0] != "s1" {
		t.Errorf("invalidated = %v, want [s1]", fr.invalidated)
	}
	if len(fr.acked) != 1 || fr.acked[0] != "m1" {
		t.Errorf("acked = %v, want [m1]", fr.acked)
	}
	if len(fr.replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(fr.replies))
	}
	reply := fr.replies[0]
	if reply.Meta.ReplyTo != "m1" || reply.Meta.Type != relay.MessageResult {
		t.Errorf("reply meta = %+v, want result/m1", reply.Meta)
	}
	if !strings.Contains(reply.Text, "from-inbox") {
		t.Errorf("reply text = %q, want command output", reply.Text)
	}
}

func TestPollInbox_InfoMessageAckedWithoutExecution(t *testing.T) {
	fr := &pollerRelay{message: &relay.InboxMessage{
		ID:   "m2",
		Text: "heads up",
		Meta: relay.MessageMeta{Type: relay.MessageInfo},
	}}
	p, state := newTestPoller(t, fr)
	sess := Session{ID: "s1"}
	state.RegisterSession(&sess)

	p.pollInbox(context.Background(), sess)

	fr.mu.Lock()
	defer fr.mu.Unlock()
	if len(fr.acked) != 1 {
		t.Errorf("acked = %v, want the info message acked", fr.acked)
	}
	if len(fr.replies) != 0 || len(fr.invalidated) != 0 {
		t.Error("info message triggered command handling")
	}
}

func TestHeartbeat_ThrottledByInterval(t *testing.T) {
	fr := &pollerRelay{}
	p, state := newTestPoller(t, fr)
	state.RegisterSession(&Session{ID: "s1"})

	p.heartbeat(context.Background(), "s1")
	p.heartbeat(context.Background(), "s1")

	fr.mu.Lock()
	defer fr.mu.Unlock()
	if len(fr.heartbeats) != 1 {
		t.Errorf("heartbeats sent = %d, want 1 (second throttled)", len(fr.heartbeats))
	}
}

func TestHeartbeat_NotFoundIsSilent(t *testing.T) {
	fr := &pollerRelay{heartbeat404: true}
	p, state := newTestPoller(t, fr)
	state.RegisterSession(&Session{ID: "s1"})

	p.heartbeat(context.Background(), "s1")

	if _, ok := state.LastHeartbeat("s1"); ok {
		t.Error("heartbeat recorded despite relay 404")
	}
}
