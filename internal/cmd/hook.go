package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xcawolfe-amzn/teleport/internal/config"
	"github.com/xcawolfe-amzn/teleport/internal/hook"
)

// hookEvents maps CLI subcommand names to hook events.
var hookEvents = map[string]string{
	"session-start":      hook.EventSessionStart,
	"pre-tool-use":       hook.EventPreToolUse,
	"post-tool-use":      hook.EventPostToolUse,
	"permission-request": hook.EventPermissionRequest,
	"session-end":        hook.EventSessionEnd,
}

var hookCmd = &cobra.Command{
	Use:     "hook <event>",
	GroupID: GroupServices,
	Short:   "Run a lifecycle hook (invoked by the assistant)",
	Long: `Run one of the lifecycle hooks. The assistant invokes these with a
JSON payload on stdin; they respond with JSON on stdout and always exit
zero so a teleport fault can never block the session.

Events: session-start, pre-tool-use, post-tool-use, permission-request,
session-end.`,
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	Run:    runHook,
}

func init() {
	rootCmd.AddCommand(hookCmd)
}

func runHook(cmd *cobra.Command, args []string) {
	event, ok := hookEvents[args[0]]
	if !ok {
		// Still exit zero: an unknown event must not break the session.
		fmt.Fprintf(os.Stderr, "teleport: unknown hook event %q\n", args[0])
		fmt.Fprintln(os.Stdout, "{}")
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "teleport: loading config: %v\n", err)
		fmt.Fprintln(os.Stdout, "{}")
		return
	}

	hook.NewDispatcher(cfg).Run(event, os.Stdin, os.Stdout, os.Stderr)
}
