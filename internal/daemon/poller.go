package daemon

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/xcawolfe-amzn/teleport/internal/config"
	"github.com/xcawolfe-amzn/teleport/internal/relay"
)

// DaemonAgentID is the agent id the daemon polls the inbox as.
const DaemonAgentID = "daemon"

// Poller periodically fetches approvals and inbox messages for every
// registered session and keeps session heartbeats fresh at the relay.
type Poller struct {
	cfg      *config.Config
	relay    *relay.Client
	state    *State
	executor *Executor
	logger   *log.Logger
}

// NewPoller creates the relay poller.
func NewPoller(cfg *config.Config, rc *relay.Client, state *State, ex *Executor, logger *log.Logger) *Poller {
	return &Poller{cfg: cfg, relay: rc, state: state, executor: ex, logger: logger}
}

// Run ticks until the daemon shuts down. Sessions within a tick are
// processed serially; a slow or failing session never poisons the next
// tick.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	for _, sess := range p.state.Sessions() {
		if ctx.Err() != nil {
			return
		}
		// Order within a session is fixed: approvals, then the inbox, then
		// the heartbeat. Each action is best-effort on its own.
		p.pollApprovals(ctx, sess.ID)
		p.pollInbox(ctx, sess)
		p.heartbeat(ctx, sess.ID)
	}
}

// pollApprovals ingests allowed approvals into the queue, skipping any
// already queued, already executed, or already acknowledged.
func (p *Poller) pollApprovals(ctx context.Context, sessionID string) {
	callCtx, cancel := context.WithTimeout(ctx, relay.DefaultTimeout)
	defer cancel()
	approvals, err := p.relay.ListAllowedApprovals(callCtx, sessionID)
	if err != nil {
		p.logger.Printf("poller: listing approvals for %s: %v", sessionID, err)
		return
	}

	woke := false
	for i := range approvals {
		a := approvals[i]
		if a.Acknowledged || p.state.Tracked(a.ID) {
			continue
		}
		if err := p.state.Enqueue(&a); err != nil {
			p.logger.Printf("poller: enqueue %s: %v", a.ID, err)
			continue
		}
		woke = true
	}
	if woke {
		p.executor.Wake()
	}
}

// pollInbox processes at most one pending message addressed to the daemon.
// Command messages invalidate the session's in-flight approvals first so a
// stale approval cannot race the fresh command.
func (p *Poller) pollInbox(ctx context.Context, sess Session) {
	callCtx, cancel := context.WithTimeout(ctx, relay.DefaultTimeout)
	msg, err := p.relay.PendingMessage(callCtx, sess.ID, DaemonAgentID)
	cancel()
	if err != nil {
		p.logger.Printf("poller: fetching inbox for %s: %v", sess.ID, err)
		return
	}
	if msg == nil {
		return
	}

	if msg.Meta.Type == relay.MessageCommand {
		p.handleCommand(ctx, sess, msg)
	} else {
		p.logger.Printf("poller: ignoring %s message %s for %s", msg.Meta.Type, msg.ID, sess.ID)
	}

	ackCtx, cancel := context.WithTimeout(ctx, relay.DefaultTimeout)
	defer cancel()
	if err := p.relay.AckMessage(ackCtx, msg.ID); err != nil {
		p.logger.Printf("poller: acking message %s: %v", msg.ID, err)
	}
}

func (p *Poller) handleCommand(ctx context.Context, sess Session, msg *relay.InboxMessage) {
	invCtx, cancel := context.WithTimeout(ctx, relay.DefaultTimeout)
	err := p.relay.InvalidateApprovals(invCtx, sess.ID, "superseded by inbox command")
	cancel()
	if err != nil {
		p.logger.Printf("poller: invalidating approvals for %s: %v", sess.ID, err)
	}

	p.logger.Printf("poller: dispatching inbox command %s for %s", msg.ID, sess.ID)
	output := p.executor.ExecuteCommand(&sess, msg.Text)

	if msg.Meta.ReplyAgentID == "" {
		return
	}
	reply := &relay.OutboundMessage{
		SessionID: sess.ID,
		AgentID:   msg.Meta.ReplyAgentID,
		Text:      output,
		Meta: relay.MessageMeta{
			Type:    relay.MessageResult,
			ReplyTo: msg.ID,
		},
	}
	replyCtx, cancel := context.WithTimeout(ctx, relay.DefaultTimeout)
	defer cancel()
	if err := p.relay.PostMessage(replyCtx, reply); err != nil {
		p.logger.Printf("poller: posting reply for %s: %v", msg.ID, err)
	}
}

// heartbeat pings the relay when the last heartbeat for a session is older
// than the configured interval. A 404 means the relay no longer knows the
// session and is silently ignored.
func (p *Poller) heartbeat(ctx context.Context, sessionID string) {
	if last, ok := p.state.LastHeartbeat(sessionID); ok {
		if time.Since(last) < p.cfg.HeartbeatInterval {
			return
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, relay.DefaultTimeout)
	defer cancel()
	err := p.relay.Heartbeat(callCtx, sessionID)
	switch {
	case err == nil:
		p.state.SetHeartbeat(sessionID, time.Now())
	case errors.Is(err, relay.ErrNotFound):
		// Session unknown at the relay; nothing to do.
	default:
		p.logger.Printf("poller: heartbeat for %s: %v", sessionID, err)
	}
}
