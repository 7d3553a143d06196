package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xcawolfe-amzn/teleport/internal/config"
	"github.com/xcawolfe-amzn/teleport/internal/doctor"
)

var doctorCmd = &cobra.Command{
	Use:     "doctor",
	GroupID: GroupDiag,
	Short:   "Run health checks on the teleport setup",
	Long: `Run diagnostic checks on the local teleport setup.

Checks:
  config-dir    ~/.teleport exists with owner-only permissions
  credentials   Relay URL and API key are configured
  daemon        Daemon is running and its control port answers
  pid-lock      PID file is live or absent (stale lock detection)
  relay         Relay answers authenticated requests
  whitelist     Command whitelist enforcement state`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	errs := doctor.Run(&doctor.CheckContext{Config: cfg}, doctor.AllChecks(), os.Stdout)
	if errs > 0 {
		return fmt.Errorf("%d check(s) failed", errs)
	}
	return nil
}
