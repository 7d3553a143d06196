package daemon

import (
	"context"
	"time"
)

// runIdleSupervisor shuts the daemon down after the registry has been
// empty for the idle timeout. The emptiness re-check and the decision to
// exit happen atomically inside the state lock, so a registration racing
// the check keeps the daemon alive.
func (d *Daemon) runIdleSupervisor(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.IdleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.state.TryBeginIdleShutdown(time.Now(), d.cfg.IdleTimeout) {
				close(d.idleExit)
				return
			}
		}
	}
}
