// Package cmd implements the tp CLI: operator commands for the teleport
// daemon plus the hook entry points invoked by the assistant.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Command groups shown in help output.
const (
	GroupServices = "services"
	GroupSetup    = "setup"
	GroupDiag     = "diag"
)

var rootCmd = &cobra.Command{
	Use:   "tp",
	Short: "Remote execution bridge for assistant sessions",
	Long: `tp manages the teleportation daemon and its hooks.

The daemon watches a relay service for remotely approved commands and
executes them on this machine while you are away. Hook subcommands are
invoked by the assistant at session lifecycle points; you normally only
run the daemon, status, doctor and login commands yourself.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          requireSubcommand,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: GroupServices, Title: "Service Commands:"},
		&cobra.Group{ID: GroupSetup, Title: "Setup Commands:"},
		&cobra.Group{ID: GroupDiag, Title: "Diagnostic Commands:"},
	)
}

// requireSubcommand is the RunE for commands that only group subcommands.
func requireSubcommand(cmd *cobra.Command, args []string) error {
	return cmd.Help()
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tp: %v\n", err)
		return 1
	}
	return 0
}
