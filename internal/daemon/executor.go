package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/xcawolfe-amzn/teleport/internal/cmdguard"
	"github.com/xcawolfe-amzn/teleport/internal/config"
	"github.com/xcawolfe-amzn/teleport/internal/relay"
)

// MaxCaptureBytes caps each captured output stream. Beyond it, output is
// dropped and a truncation marker is appended.
const MaxCaptureBytes = 100 * 1024

// termGrace is how long a timed-out child gets between SIGTERM and SIGKILL.
const termGrace = 10 * time.Second

// Executor drains the approval queue and runs approvals one at a time.
// Serial execution is deliberate: it bounds system load and keeps
// de-duplication trivial.
type Executor struct {
	cfg    *config.Config
	relay  *relay.Client
	state  *State
	logger *log.Logger
	guard  cmdguard.Policy

	wake chan struct{}
}

// NewExecutor creates the single queue consumer.
func NewExecutor(cfg *config.Config, rc *relay.Client, state *State, logger *log.Logger) *Executor {
	return &Executor{
		cfg:    cfg,
		relay:  rc,
		state:  state,
		logger: logger,
		guard: cmdguard.Policy{
			AllowAll:    cfg.AllowAllCommands,
			DangerZone:  cfg.DangerZone,
			Production:  cfg.Production,
			AuditLogger: logger,
		},
		wake: make(chan struct{}, 1),
	}
}

// Wake nudges the executor to drain the queue. Safe to call from any
// goroutine; redundant wakes coalesce.
func (e *Executor) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until the daemon shuts down. The periodic fallback
// tick covers wakes lost during a drain.
func (e *Executor) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-ticker.C:
		}
		e.drain(ctx)
	}
}

func (e *Executor) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		a := e.state.Dequeue()
		if a == nil {
			return
		}
		e.Execute(a)
	}
}

// Execute runs one approval to completion: duplicate check, session
// validation, relay acknowledgement, child dispatch, result reporting.
func (e *Executor) Execute(a *relay.Approval) {
	if !e.state.BeginExecution(a.ID) {
		// Already executing or executed; a duplicate handoff is a no-op.
		e.logger.Printf("executor: skipping duplicate approval %s", a.ID)
		return
	}

	sess, err := e.resolveSession(a.SessionID)
	if err != nil {
		e.fail(a, -1, fmt.Sprintf("session not registered: %v", err))
		return
	}

	// The relay must still consider the session active. A stopped or
	// unknown session means this approval can no longer be trusted.
	if err := e.checkSessionActive(a.SessionID); err != nil {
		e.fail(a, -1, fmt.Sprintf("security: session state check failed: %v", err))
		return
	}

	// Acknowledge before spawning. This is what prevents a second local
	// approval from racing into a duplicate execution. A relay rejection
	// means the approval is not in the allowed state, or another daemon
	// already claimed it, and nothing may run. Only a transport failure is
	// tolerated: the execution cache already short-circuits re-entry.
	if err := e.ackApproval(a.ID); err != nil {
		var apiErr *relay.APIError
		if errors.As(err, &apiErr) || errors.Is(err, relay.ErrNotFound) {
			e.fail(a, -1, fmt.Sprintf("security: approval ack rejected: %v", err))
			return
		}
		e.logger.Printf("executor: ack failed for %s (continuing): %v", a.ID, err)
	}

	command, hasCommand := a.Command()
	var outcome childOutcome
	if hasCommand {
		if guardErr := cmdguard.Validate(command, e.guard); guardErr != nil {
			if errors.Is(guardErr, cmdguard.ErrInjection) {
				// Injection attempts never reach a child process, not even
				// the delegated one.
				e.fail(a, -1, guardErr.Error())
				return
			}
			// Non-whitelisted command: delegate to the assistant CLI.
			outcome = e.runDelegated(&sess, command)
		} else {
			outcome = e.runShell(&sess, command)
		}
	} else {
		outcome = e.runDelegated(&sess, a.Prompt())
	}

	status := ExecCompleted
	if outcome.err != "" || outcome.exitCode != 0 || outcome.timedOut {
		status = ExecFailed
	}
	e.state.FinishExecution(a.ID, func(rec *ExecutionRecord) {
		rec.Status = status
		rec.ExitCode = outcome.exitCode
		rec.Stdout = outcome.stdout
		rec.Stderr = outcome.stderr
		rec.Error = outcome.err
		rec.TimedOut = outcome.timedOut
	})
	e.report(a)
}

// ExecuteCommand runs an inbox command for a session and returns a
// human-readable outcome for the reply message. Path selection follows the
// same rule as approvals.
func (e *Executor) ExecuteCommand(sess *Session, command string) string {
	var outcome childOutcome
	if guardErr := cmdguard.Validate(command, e.guard); guardErr != nil {
		if errors.Is(guardErr, cmdguard.ErrInjection) {
			return fmt.Sprintf("rejected: %v", guardErr)
		}
		outcome = e.runDelegated(sess, command)
	} else {
		outcome = e.runShell(sess, command)
	}
	return outcome.summary()
}

// fail records a failure that never spawned a child and still reports it.
func (e *Executor) fail(a *relay.Approval, exitCode int, reason string) {
	e.logger.Printf("executor: approval %s failed: %s", a.ID, reason)
	e.state.FinishExecution(a.ID, func(rec *ExecutionRecord) {
		rec.Status = ExecFailed
		rec.ExitCode = exitCode
		rec.Error = reason
	})
	e.report(a)
}

// resolveSession looks up the session locally, recovering once from the
// relay on a miss.
func (e *Executor) resolveSession(sessionID string) (Session, error) {
	if sess, ok := e.state.LookupSession(sessionID); ok {
		return sess, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), relay.DefaultTimeout)
	defer cancel()
	rec, err := e.relay.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	sess := Session{
		ID:              rec.ID,
		ClaudeSessionID: rec.ClaudeSessionID,
		Cwd:             rec.Cwd,
		Meta:            rec.Meta,
	}
	e.state.RegisterSession(&sess)
	e.logger.Printf("executor: recovered session %s from relay", sessionID)
	return sess, nil
}

func (e *Executor) checkSessionActive(sessionID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), relay.DefaultTimeout)
	defer cancel()
	rec, err := e.relay.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec.Status == "stopped" {
		return fmt.Errorf("session %s is stopped", sessionID)
	}
	return nil
}

func (e *Executor) ackApproval(approvalID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), relay.DefaultTimeout)
	defer cancel()
	return e.relay.AckApproval(ctx, approvalID)
}

// report posts the execution outcome to both the executed endpoint and the
// results store. Each post is retried once on failure.
func (e *Executor) report(a *relay.Approval) {
	rec, ok := e.state.Execution(a.ID)
	if !ok {
		return
	}
	executed := &relay.ExecutedReport{
		Status:     string(rec.Status),
		ExitCode:   rec.ExitCode,
		Stdout:     rec.Stdout,
		Stderr:     rec.Stderr,
		Error:      rec.Error,
		TimedOut:   rec.TimedOut,
		DurationMS: rec.DurationMS,
	}
	e.withRetry("executed report", func(ctx context.Context) error {
		return e.relay.ReportExecuted(ctx, a.ID, executed)
	})

	result := &relay.SessionResult{
		ApprovalID: a.ID,
		Title:      fmt.Sprintf("%s (%s)", a.ToolName, rec.Status),
		Body:       rec.summary(),
	}
	e.withRetry("result post", func(ctx context.Context) error {
		return e.relay.PostResult(ctx, a.SessionID, result)
	})
}

func (e *Executor) withRetry(what string, call func(context.Context) error) {
	for attempt := 0; attempt < 2; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), relay.DefaultTimeout)
		err := call(ctx)
		cancel()
		if err == nil {
			return
		}
		if attempt == 0 {
			e.logger.Printf("executor: %s failed, retrying once: %v", what, err)
			continue
		}
		e.logger.Printf("executor: %s failed after retry: %v", what, err)
	}
}

// childOutcome is the captured result of one child process.
type childOutcome struct {
	exitCode int
	stdout   string
	stderr   string
	err      string
	timedOut bool
}

func (o childOutcome) summary() string {
	var sb strings.Builder
	if o.err != "" {
		fmt.Fprintf(&sb, "error: %s\n", o.err)
	}
	if o.timedOut {
		sb.WriteString("(timed out)\n")
	}
	fmt.Fprintf(&sb, "exit code %d\n", o.exitCode)
	if o.stdout != "" {
		sb.WriteString(o.stdout)
		if !strings.HasSuffix(o.stdout, "\n") {
			sb.WriteByte('\n')
		}
	}
	if o.stderr != "" {
		sb.WriteString("stderr:\n")
		sb.WriteString(o.stderr)
	}
	return sb.String()
}

func (rec *ExecutionRecord) summary() string {
	return childOutcome{
		exitCode: rec.ExitCode,
		stdout:   rec.Stdout,
		stderr:   rec.Stderr,
		err:      rec.Error,
		timedOut: rec.TimedOut,
	}.summary()
}

// runShell executes a validated command through the system shell in the
// session's working directory.
func (e *Executor) runShell(sess *Session, command string) childOutcome {
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = sess.Cwd
	return e.runChild(cmd)
}

// runDelegated hands a natural-language intent to the assistant CLI,
// resuming the session's recorded assistant context. Stdin stays closed so
// the child can never wait on interactive input.
func (e *Executor) runDelegated(sess *Session, prompt string) childOutcome {
	args := []string{"-p", prompt, "--output-format", "text"}
	if sess.ClaudeSessionID != "" {
		args = append([]string{"--resume", sess.ClaudeSessionID}, args...)
	}
	cmd := exec.Command("claude", args...)
	cmd.Dir = sess.Cwd
	return e.runChild(cmd)
}

// runChild runs a prepared command with the configured timeout, polite
// termination, and bounded output capture.
func (e *Executor) runChild(cmd *exec.Cmd) childOutcome {
	var stdout, stderr cappedBuffer
	stdout.max = MaxCaptureBytes
	stderr.max = MaxCaptureBytes
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Stdin = nil

	done := make(chan error, 1)
	if err := cmd.Start(); err != nil {
		return childOutcome{exitCode: -1, err: fmt.Sprintf("starting command: %v", err)}
	}
	go func() { done <- cmd.Wait() }()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-time.After(e.cfg.ChildTimeout):
		// SIGTERM first; SIGKILL only after the grace period.
		timedOut = true
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case waitErr = <-done:
		case <-time.After(termGrace):
			_ = cmd.Process.Kill()
			waitErr = <-done
		}
	}

	out := childOutcome{
		stdout:   stdout.String(),
		stderr:   stderr.String(),
		timedOut: timedOut,
	}
	switch {
	case waitErr == nil:
		out.exitCode = 0
	default:
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			out.exitCode = exitErr.ExitCode()
		} else {
			out.exitCode = -1
			out.err = waitErr.Error()
		}
	}
	if timedOut {
		out.err = fmt.Sprintf("command timed out after %s", e.cfg.ChildTimeout)
	}
	return out
}

// cappedBuffer captures up to max bytes and counts the rest. Write never
// fails, so a chatty child keeps running while its excess output is
// discarded.
type cappedBuffer struct {
	max       int
	buf       bytes.Buffer
	truncated int64
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated += int64(len(p))
		return len(p), nil
	}
	n := len(p)
	if n > room {
		b.truncated += int64(n - room)
		p = p[:room]
	}
	b.buf.Write(p)
	return n, nil
}

func (b *cappedBuffer) String() string {
	if b.truncated == 0 {
		return b.buf.String()
	}
	return fmt.Sprintf("%s\n[output truncated: %d bytes omitted]", b.buf.String(), b.truncated)
}
