// Package daemon implements the persistent teleport daemon: session
// registry, approval queue, executor, relay poller, control HTTP server,
// and idle supervisor.
package daemon

import (
	"errors"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/xcawolfe-amzn/teleport/internal/relay"
)

// Bounds for the in-memory queue and execution cache. Both are ephemeral;
// the relay is the source of truth across restarts.
const (
	MaxQueueSize     = 1000
	MaxExecutions    = 1000
	ExecutionTTL     = time.Hour
	heartbeatExpiry  = time.Hour
	heartbeatCleanup = 10 * time.Minute
)

// ErrQueueFull is returned when the approval queue is at capacity. The
// relay retains ownership of the approval and retries later.
var ErrQueueFull = errors.New("approval queue full")

// Session is the daemon's view of a registered assistant session.
type Session struct {
	ID              string            `json:"session_id"`
	ClaudeSessionID string            `json:"claude_session_id"`
	Cwd             string            `json:"cwd"`
	Meta            map[string]string `json:"meta,omitempty"`
	RegisteredAt    time.Time         `json:"registered_at"`
	DaemonPID       int               `json:"daemon_pid"`
}

// ExecStatus is the daemon-owned portion of the approval state machine.
type ExecStatus string

const (
	ExecExecuting ExecStatus = "executing"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
)

// ExecutionRecord is the bounded, cached result of running one approval.
type ExecutionRecord struct {
	ApprovalID  string     `json:"approval_id"`
	Status      ExecStatus `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at,omitempty"`
	ExitCode    int        `json:"exit_code"`
	Stdout      string     `json:"stdout,omitempty"`
	Stderr      string     `json:"stderr,omitempty"`
	Error       string     `json:"error,omitempty"`
	TimedOut    bool       `json:"timed_out,omitempty"`
	DurationMS  int64      `json:"duration_ms"`
}

// State owns all daemon-process state: the session registry, the approval
// queue, the execution cache, heartbeat timestamps, and the activity clock.
// One mutex guards everything; all mutation goes through these methods.
type State struct {
	mu           sync.Mutex
	sessions     map[string]*Session
	queue        []*relay.Approval
	queued       map[string]bool
	executions   map[string]*ExecutionRecord
	heartbeats   *gocache.Cache
	lastActivity time.Time
	startedAt    time.Time
	closing      bool
}

// NewState creates empty daemon state with the activity clock set to now.
func NewState() *State {
	now := time.Now()
	return &State{
		sessions:     make(map[string]*Session),
		queued:       make(map[string]bool),
		executions:   make(map[string]*ExecutionRecord),
		heartbeats:   gocache.New(heartbeatExpiry, heartbeatCleanup),
		lastActivity: now,
		startedAt:    now,
	}
}

// StartedAt returns the process start time for uptime reporting.
func (s *State) StartedAt() time.Time { return s.startedAt }

// --- Session registry ---

// RegisterSession upserts a session. A re-register for the same id replaces
// the prior record and refreshes the activity clock. Returns false without
// registering once a shutdown has begun: the process is about to exit, so
// accepting the session would silently lose it. The caller must surface
// the refusal so the hook starts a fresh daemon.
func (s *State) RegisterSession(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	if sess.RegisteredAt.IsZero() {
		sess.RegisteredAt = time.Now()
	}
	s.sessions[sess.ID] = sess
	s.lastActivity = time.Now()
	return true
}

// DeregisterSession removes a session. Unknown ids are a no-op.
func (s *State) DeregisterSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// LookupSession returns a copy of the session record. Misses are reported
// to the caller, which may attempt recovery from the relay and re-insert.
// Any lookup refreshes the activity clock.
func (s *State) LookupSession(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Sessions returns a copy of all registered sessions.
func (s *State) Sessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	return out
}

// SessionCount returns the registry size.
func (s *State) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// LastActivity returns the last session-activity timestamp.
func (s *State) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// --- Approval queue ---

// Enqueue appends an approval to the FIFO queue. Enqueue is idempotent by
// approval id: an approval already queued or already in the execution cache
// is silently dropped. A full queue returns ErrQueueFull and the approval
// stays with the relay.
func (s *State) Enqueue(a *relay.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued[a.ID] {
		return nil
	}
	if _, done := s.executions[a.ID]; done {
		return nil
	}
	if len(s.queue) >= MaxQueueSize {
		return ErrQueueFull
	}
	s.queue = append(s.queue, a)
	s.queued[a.ID] = true
	return nil
}

// Dequeue pops the oldest queued approval, or nil when the queue is empty.
func (s *State) Dequeue() *relay.Approval {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	a := s.queue[0]
	s.queue = s.queue[1:]
	delete(s.queued, a.ID)
	return a
}

// QueueLen returns the number of queued approvals.
func (s *State) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Tracked reports whether an approval is already queued or has an
// execution record. The poller uses this to avoid re-ingesting approvals.
func (s *State) Tracked(approvalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued[approvalID] {
		return true
	}
	_, ok := s.executions[approvalID]
	return ok
}

// --- Execution cache ---

// BeginExecution creates an executing record for an approval. Returns false
// if a record already exists: an approval transitions into executing at
// most once, which makes duplicate handoffs harmless.
func (s *State) BeginExecution(approvalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[approvalID]; exists {
		return false
	}
	s.insertExecutionLocked(&ExecutionRecord{
		ApprovalID: approvalID,
		Status:     ExecExecuting,
		StartedAt:  time.Now(),
	})
	return true
}

// FinishExecution applies the final outcome to an executing record. The
// update callback runs under the state lock and must not block.
func (s *State) FinishExecution(approvalID string, update func(*ExecutionRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.executions[approvalID]
	if !ok || rec.Status != ExecExecuting {
		return
	}
	update(rec)
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now()
	}
	rec.DurationMS = rec.CompletedAt.Sub(rec.StartedAt).Milliseconds()
}

// Execution returns a copy of the record for an approval id.
func (s *State) Execution(approvalID string) (ExecutionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.executions[approvalID]
	if !ok {
		return ExecutionRecord{}, false
	}
	return *rec, true
}

// ExecutionCount returns the cache size.
func (s *State) ExecutionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.executions)
}

// insertExecutionLocked inserts a record, evicting first when the cache is
// at capacity: the oldest completed record by completion time, falling back
// to the oldest record by start time when nothing has completed.
func (s *State) insertExecutionLocked(rec *ExecutionRecord) {
	if len(s.executions) >= MaxExecutions {
		s.evictOneLocked()
	}
	s.executions[rec.ApprovalID] = rec
}

func (s *State) evictOneLocked() {
	var victim string
	var oldest time.Time
	for id, rec := range s.executions {
		if rec.Status == ExecExecuting {
			continue
		}
		if victim == "" || rec.CompletedAt.Before(oldest) {
			victim, oldest = id, rec.CompletedAt
		}
	}
	if victim == "" {
		// Nothing completed yet: fall back to the oldest-started record.
		for id, rec := range s.executions {
			if victim == "" || rec.StartedAt.Before(oldest) {
				victim, oldest = id, rec.StartedAt
			}
		}
	}
	if victim != "" {
		delete(s.executions, victim)
	}
}

// Sweep removes execution records completed before the retention horizon
// and heartbeat entries for sessions no longer registered. Returns the
// number of records and heartbeat entries removed.
func (s *State) Sweep(now time.Time) (records, heartbeats int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	horizon := now.Add(-ExecutionTTL)
	for id, rec := range s.executions {
		if rec.Status != ExecExecuting && rec.CompletedAt.Before(horizon) {
			delete(s.executions, id)
			records++
		}
	}
	for id := range s.heartbeats.Items() {
		if _, ok := s.sessions[id]; !ok {
			s.heartbeats.Delete(id)
			heartbeats++
		}
	}
	return records, heartbeats
}

// --- Heartbeats ---

// LastHeartbeat returns the last heartbeat time recorded for a session.
func (s *State) LastHeartbeat(sessionID string) (time.Time, bool) {
	if v, ok := s.heartbeats.Get(sessionID); ok {
		return v.(time.Time), true
	}
	return time.Time{}, false
}

// SetHeartbeat records a successful heartbeat for a session.
func (s *State) SetHeartbeat(sessionID string, t time.Time) {
	s.heartbeats.Set(sessionID, t, gocache.DefaultExpiration)
}

// --- Idle shutdown ---

// TryBeginIdleShutdown atomically re-checks emptiness and idle duration and,
// when both hold, marks the daemon as closing. A registration that landed
// before the call keeps the daemon alive; at most one caller ever wins.
func (s *State) TryBeginIdleShutdown(now time.Time, idleTimeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	if len(s.sessions) > 0 {
		return false
	}
	if now.Sub(s.lastActivity) < idleTimeout {
		return false
	}
	s.closing = true
	return true
}

// Closing reports whether an idle shutdown has been initiated.
func (s *State) Closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}
