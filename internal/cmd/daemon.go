package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/xcawolfe-amzn/teleport/internal/config"
	"github.com/xcawolfe-amzn/teleport/internal/daemon"
	"github.com/xcawolfe-amzn/teleport/internal/lock"
	"github.com/xcawolfe-amzn/teleport/internal/style"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: GroupServices,
	Short:   "Manage the teleport daemon",
	RunE:    requireSubcommand,
	Long: `Manage the teleport background daemon.

The daemon polls the relay for remotely approved commands, executes them
on this machine, and reports the results back. It starts on demand from
the session-start hook and shuts itself down after the registry has been
idle for a while, so you rarely need these commands directly.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Long: `Stop the running teleport daemon.

Sends SIGTERM and waits for the process to exit, escalating to SIGKILL
after the grace period.`,
	RunE: runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE:  runDaemonStatus,
}

var daemonLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View daemon logs",
	Long: `View the daemon log file.

Examples:
  tp daemon logs           # Show last 50 lines
  tp daemon logs -n 200    # Show last 200 lines
  tp daemon logs -f        # Follow log output in real time`,
	RunE: runDaemonLogs,
}

var daemonRunCmd = &cobra.Command{
	Use:    "run",
	Short:  "Run daemon in foreground (internal)",
	Hidden: true,
	RunE:   runDaemonRun,
}

var (
	daemonLogLines  int
	daemonLogFollow bool
)

const daemonStopGrace = 10 * time.Second

func init() {
	daemonLogsCmd.Flags().IntVarP(&daemonLogLines, "lines", "n", 50, "Number of log lines to show")
	daemonLogsCmd.Flags().BoolVarP(&daemonLogFollow, "follow", "f", false, "Follow log output")

	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonLogsCmd)
	daemonCmd.AddCommand(daemonRunCmd)
	rootCmd.AddCommand(daemonCmd)
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	if running, pid := daemon.IsRunning(); running {
		return fmt.Errorf("daemon already running (PID %d)", pid)
	}

	tpPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding executable: %w", err)
	}

	// 'tp daemon run' is the actual daemon process, detached from the
	// terminal.
	spawn := exec.Command(tpPath, "daemon", "run")
	spawn.Stdin = nil
	spawn.Stdout = nil
	spawn.Stderr = nil
	if err := spawn.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	// Give it a moment to acquire the PID lock.
	time.Sleep(200 * time.Millisecond)

	running, pid := daemon.IsRunning()
	if !running {
		return fmt.Errorf("daemon failed to start (check logs with 'tp daemon logs')")
	}

	// If a concurrent start won the lock race, our spawn exited and the
	// lock holds a different PID. That daemon is just as good.
	if pid != spawn.Process.Pid {
		fmt.Printf("%s Daemon already running (PID %d)\n", style.Bold.Render("●"), pid)
		return nil
	}

	fmt.Printf("%s Daemon started (PID %d)\n", style.Bold.Render("✓"), pid)
	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	running, pid := daemon.IsRunning()
	if !running {
		return fmt.Errorf("daemon is not running")
	}
	if err := daemon.Stop(daemonStopGrace); err != nil {
		return fmt.Errorf("stopping daemon: %w", err)
	}
	fmt.Printf("%s Daemon stopped (was PID %d)\n", style.Bold.Render("✓"), pid)
	return nil
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	running, pid := daemon.IsRunning()
	if !running {
		fmt.Printf("%s Daemon is not running\n", style.Dim.Render("○"))
		if stalePID, alive := lock.HolderPID(config.PIDFile()); stalePID != 0 && !alive {
			fmt.Printf("  %s Stale PID file (PID %d is dead); next start cleans it up\n",
				style.Warn.Render("⚠"), stalePID)
		}
		fmt.Printf("\nStart with: %s\n", style.Dim.Render("tp daemon start"))
		return nil
	}

	fmt.Printf("%s Daemon is %s (PID %d, port %d)\n",
		style.Bold.Render("●"), style.Bold.Render("running"), pid, cfg.DaemonPort)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	health, err := daemon.NewControlClient(cfg.DaemonPort, 2*time.Second).Health(ctx)
	if err != nil {
		fmt.Printf("  %s Control port not answering: %v\n", style.Warn.Render("⚠"), err)
		return nil
	}

	startedAt := time.Now().Add(-time.Duration(health.UptimeSeconds) * time.Second)
	fmt.Printf("  Started: %s (up %s)\n",
		startedAt.Format("2006-01-02 15:04:05"),
		(time.Duration(health.UptimeSeconds) * time.Second).String())
	fmt.Printf("  Sessions: %d  Queue: %d  Executions cached: %d\n",
		health.Sessions, health.Queue, health.Executions)

	if binaryModTime, err := getBinaryModTime(); err == nil && binaryModTime.After(startedAt) {
		fmt.Printf("  %s Binary is newer than process - consider '%s'\n",
			style.Bold.Render("⚠"),
			style.Dim.Render("tp daemon stop && tp daemon start"))
	}
	return nil
}

// getBinaryModTime returns the modification time of the current executable.
func getBinaryModTime() (time.Time, error) {
	exePath, err := os.Executable()
	if err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(exePath)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func runDaemonLogs(cmd *cobra.Command, args []string) error {
	logFile := config.DaemonLogFile()
	if _, err := os.Stat(logFile); os.IsNotExist(err) {
		return fmt.Errorf("no log file found at %s", logFile)
	}

	if daemonLogFollow {
		tailCmd := exec.Command("tail", "-f", logFile)
		tailCmd.Stdout = os.Stdout
		tailCmd.Stderr = os.Stderr
		return tailCmd.Run()
	}

	tailCmd := exec.Command("tail", "-n", fmt.Sprintf("%d", daemonLogLines), logFile)
	tailCmd.Stdout = os.Stdout
	tailCmd.Stderr = os.Stderr
	return tailCmd.Run()
}

func runDaemonRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("creating daemon: %w", err)
	}
	return d.Run()
}
