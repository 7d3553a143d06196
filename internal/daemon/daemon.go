package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xcawolfe-amzn/teleport/internal/config"
	"github.com/xcawolfe-amzn/teleport/internal/lock"
	"github.com/xcawolfe-amzn/teleport/internal/relay"
)

// sweepInterval is how often the execution cache TTL sweep runs.
const sweepInterval = time.Hour

// shutdownDrain bounds how long the control server drains on shutdown.
const shutdownDrain = 5 * time.Second

// Daemon is the persistent per-user background process. It owns the state,
// the control server, the poller, the executor, and the idle supervisor.
type Daemon struct {
	cfg      *config.Config
	relay    *relay.Client
	state    *State
	executor *Executor
	poller   *Poller
	server   *Server
	logger   *log.Logger

	// idleExit is signalled by the idle supervisor when it wins the
	// atomic emptiness re-check.
	idleExit chan struct{}
}

// New builds a daemon from resolved configuration. The log file is opened
// in append mode under the per-user directory.
func New(cfg *config.Config) (*Daemon, error) {
	if err := config.EnsureDir(); err != nil {
		return nil, fmt.Errorf("creating teleport directory: %w", err)
	}
	logFile, err := os.OpenFile(config.DaemonLogFile(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	logger := log.New(logFile, "", log.LstdFlags)

	rc := relay.New(cfg.RelayURL, cfg.RelayKey)
	state := NewState()
	ex := NewExecutor(cfg, rc, state, logger)

	return &Daemon{
		cfg:      cfg,
		relay:    rc,
		state:    state,
		executor: ex,
		poller:   NewPoller(cfg, rc, state, ex, logger),
		server:   NewServer(state, ex, logger),
		logger:   logger,
		idleExit: make(chan struct{}),
	}, nil
}

// Run acquires the PID lock and runs the daemon until a signal or idle
// shutdown. Returns nil on a clean exit so the process exits 0.
func (d *Daemon) Run() error {
	pid := os.Getpid()
	pidFile := config.PIDFile()

	if err := lock.Acquire(pidFile, pid); err != nil {
		return err
	}
	// Release on every exit path; signal and idle shutdown both return
	// through here.
	defer func() {
		if err := lock.Release(pidFile, pid); err != nil {
			d.logger.Printf("daemon: releasing pid lock: %v", err)
		}
	}()

	ln, err := d.server.Listen(d.cfg.DaemonPort)
	if err != nil {
		return err
	}

	d.logger.Printf("daemon: starting (PID %d, port %d)", pid, d.cfg.DaemonPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.server.Serve(ln) }()
	go d.poller.Run(ctx)
	go d.executor.Run(ctx)
	go d.runIdleSupervisor(ctx)
	go d.runSweeper(ctx)

	select {
	case <-ctx.Done():
		d.logger.Print("daemon: signal received, shutting down")
	case <-d.idleExit:
		d.logger.Printf("daemon: idle for %s with no sessions, shutting down", d.cfg.IdleTimeout)
	case err := <-serveErr:
		if err != nil {
			d.logger.Printf("daemon: control server failed: %v", err)
			stop()
			return err
		}
	}

	// Stop scheduling new work, then drain the control server. Running
	// child processes are left to finish; the executor timeout bounds them.
	stop()
	if err := d.server.Shutdown(shutdownDrain); err != nil {
		d.logger.Printf("daemon: draining control server: %v", err)
	}
	d.logger.Print("daemon: stopped")
	return nil
}

// runSweeper evicts expired execution records and orphaned heartbeat
// entries on a fixed interval.
func (d *Daemon) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			records, heartbeats := d.state.Sweep(time.Now())
			if records > 0 || heartbeats > 0 {
				d.logger.Printf("daemon: swept %d execution records, %d orphaned heartbeats", records, heartbeats)
			}
		}
	}
}

// daemonPID is the current process id; indirected for readability at the
// call sites that stamp it into session records and health responses.
func daemonPID() int { return os.Getpid() }

// contextWithTimeout is a thin wrapper so the server package-side code
// doesn't import context at every call site.
func contextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// IsRunning reports whether a daemon holds a live PID lock, and its PID.
func IsRunning() (bool, int) {
	pid, alive := lock.HolderPID(config.PIDFile())
	if !alive {
		return false, 0
	}
	return true, pid
}

// Stop signals the running daemon with SIGTERM and waits for it to exit,
// escalating to SIGKILL if it lingers past the grace period.
func Stop(grace time.Duration) error {
	running, pid := IsRunning()
	if !running {
		return fmt.Errorf("daemon is not running")
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM: %w", err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if proc.Signal(syscall.Signal(0)) != nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	// Still alive past the grace period.
	_ = proc.Signal(syscall.SIGKILL)
	return nil
}
