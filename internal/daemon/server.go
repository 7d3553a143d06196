package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/xcawolfe-amzn/teleport/internal/relay"
)

// maxBodyBytes bounds control-surface request bodies. Oversized requests
// are destroyed and rejected.
const maxBodyBytes = 1 << 20

// Validation patterns for control-surface input. Session and approval ids
// are alphanumerics plus underscore, dash, at-sign, and dot.
var (
	sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._@-]+$`)
	toolNamePattern  = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
)

func isValidSessionID(s string) bool {
	return len(s) > 0 && len(s) <= 256 && sessionIDPattern.MatchString(s)
}

func isValidApprovalID(s string) bool {
	return isValidSessionID(s)
}

func isValidToolName(s string) bool {
	return len(s) > 0 && len(s) <= 100 && toolNamePattern.MatchString(s)
}

// Server is the loopback-only control surface used by hook programs and
// the operator CLI. Localhost is the trust boundary; there is no auth.
type Server struct {
	state    *State
	executor *Executor
	logger   *log.Logger
	srv      *http.Server
}

// NewServer wires the control handlers.
func NewServer(state *State, ex *Executor, logger *log.Logger) *Server {
	s := &Server{state: state, executor: ex, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /sessions/register", s.handleRegister)
	mux.HandleFunc("POST /sessions/deregister", s.handleDeregister)
	mux.HandleFunc("POST /approvals/handoff", s.handleHandoff)
	mux.HandleFunc("GET /executions/{approval_id}", s.handleExecution)

	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Listen binds the loopback listener. Binding is separate from Serve so
// the daemon can fail fast on a port conflict before acquiring anything.
func (s *Server) Listen(port int) (net.Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("binding control port %d: %w", port, err)
	}
	return ln, nil
}

// Serve runs the HTTP server on the listener until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	err := s.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops accepting new ones.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := contextWithTimeout(timeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// HealthSummary is the GET /health response body.
type HealthSummary struct {
	Status        string `json:"status"`
	PID           int    `json:"pid"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Sessions      int    `json:"sessions"`
	Queue         int    `json:"queue"`
	Executions    int    `json:"executions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthSummary{
		Status:        "ok",
		PID:           daemonPID(),
		UptimeSeconds: int64(time.Since(s.state.StartedAt()).Seconds()),
		Sessions:      s.state.SessionCount(),
		Queue:         s.state.QueueLen(),
		Executions:    s.state.ExecutionCount(),
	})
}

// RegisterRequest is the POST /sessions/register body.
type RegisterRequest struct {
	SessionID       string            `json:"session_id"`
	ClaudeSessionID string            `json:"claude_session_id,omitempty"`
	Cwd             string            `json:"cwd,omitempty"`
	Meta            map[string]string `json:"meta,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !isValidSessionID(req.SessionID) {
		writeError(w, http.StatusBadRequest, "invalid session_id")
		return
	}
	ok := s.state.RegisterSession(&Session{
		ID:              req.SessionID,
		ClaudeSessionID: req.ClaudeSessionID,
		Cwd:             req.Cwd,
		Meta:            req.Meta,
		DaemonPID:       daemonPID(),
	})
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "daemon shutting down")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

// DeregisterRequest is the POST /sessions/deregister body.
type DeregisterRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	var req DeregisterRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !isValidSessionID(req.SessionID) {
		writeError(w, http.StatusBadRequest, "invalid session_id")
		return
	}
	s.state.DeregisterSession(req.SessionID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deregistered"})
}

// HandoffRequest is the POST /approvals/handoff body: an approval already
// allowed at the relay, handed to the daemon so it runs ahead of the next
// poll cycle. The executor still refuses anything the relay will not
// acknowledge, so a premature handoff cannot run an unapproved command.
type HandoffRequest struct {
	ApprovalID string          `json:"approval_id"`
	SessionID  string          `json:"session_id"`
	ToolName   string          `json:"tool_name"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
}

func (s *Server) handleHandoff(w http.ResponseWriter, r *http.Request) {
	var req HandoffRequest
	if !s.decode(w, r, &req) {
		return
	}
	switch {
	case !isValidApprovalID(req.ApprovalID):
		writeError(w, http.StatusBadRequest, "invalid approval_id")
		return
	case !isValidSessionID(req.SessionID):
		writeError(w, http.StatusBadRequest, "invalid session_id")
		return
	case !isValidToolName(req.ToolName):
		writeError(w, http.StatusBadRequest, "invalid tool_name")
		return
	}

	err := s.state.Enqueue(&relay.Approval{
		ID:        req.ApprovalID,
		SessionID: req.SessionID,
		ToolName:  req.ToolName,
		ToolInput: req.ToolInput,
	})
	if errors.Is(err, ErrQueueFull) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":      "Approval queue full",
			"queue_size": s.state.QueueLen(),
			"max_size":   MaxQueueSize,
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.executor.Wake()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "queued",
		"queue_size": s.state.QueueLen(),
	})
}

func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	approvalID := r.PathValue("approval_id")
	if !isValidApprovalID(approvalID) {
		writeError(w, http.StatusBadRequest, "invalid approval_id")
		return
	}
	rec, ok := s.state.Execution(approvalID)
	if !ok {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// decode reads a bounded JSON body. On failure it writes the 400 itself
// and returns false.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// The client went away mid-write; nothing useful to do.
		_ = err
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
