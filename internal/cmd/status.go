package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xcawolfe-amzn/teleport/internal/config"
	"github.com/xcawolfe-amzn/teleport/internal/daemon"
	"github.com/xcawolfe-amzn/teleport/internal/style"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: GroupDiag,
	Short:   "Show teleport status at a glance",
	RunE:    runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	t := style.NewTable(
		style.Column{Name: "COMPONENT", Width: 12},
		style.Column{Name: "STATE", Width: 14},
		style.Column{Name: "DETAIL", Width: 48},
	)

	if running, pid := daemon.IsRunning(); running {
		detail := fmt.Sprintf("PID %d, port %d", pid, cfg.DaemonPort)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		health, err := daemon.NewControlClient(cfg.DaemonPort, 2*time.Second).Health(ctx)
		cancel()
		if err == nil {
			detail = fmt.Sprintf("PID %d, %d sessions, %d queued", pid, health.Sessions, health.Queue)
		}
		t.AddRow("daemon", style.Good.Render("running"), detail)
	} else {
		t.AddRow("daemon", style.Dim.Render("stopped"), "starts on demand from session-start")
	}

	if cfg.RelayURL != "" {
		t.AddRow("relay", style.Good.Render("configured"), cfg.RelayURL)
	} else {
		t.AddRow("relay", style.Warn.Render("unset"), "run 'tp login' or set RELAY_API_URL")
	}

	if cfg.AllowAllCommands && cfg.DangerZone && !cfg.Production {
		t.AddRow("whitelist", style.Warn.Render("bypassed"), "all commands allowed (danger zone)")
	} else {
		t.AddRow("whitelist", style.Good.Render("enforced"), "")
	}

	fmt.Print(t.Render())
	return nil
}
