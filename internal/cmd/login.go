package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/xcawolfe-amzn/teleport/internal/config"
	"github.com/xcawolfe-amzn/teleport/internal/style"
)

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: GroupSetup,
	Short:   "Store relay credentials",
	Long: `Store the relay URL and API key in ~/.teleport/credentials.json.

The API key is read without echo. Credentials are written with
owner-only permissions. A running session picks up new credentials on
its next restart.`,
	RunE: runLogin,
}

func init() {
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Print("Relay URL: ")
	relayURL, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading relay URL: %w", err)
	}
	relayURL = strings.TrimSpace(relayURL)
	if relayURL == "" {
		return fmt.Errorf("relay URL must not be empty")
	}

	fmt.Print("API key: ")
	var key string
	if term.IsTerminal(int(os.Stdin.Fd())) {
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("reading API key: %w", err)
		}
		key = string(raw)
	} else {
		// Piped input, e.g. in scripts.
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("reading API key: %w", err)
		}
		key = line
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("API key must not be empty")
	}

	err = config.SaveCredentials(&config.Credentials{
		RelayURL: strings.TrimRight(relayURL, "/"),
		RelayKey: key,
	})
	if err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}

	fmt.Printf("%s Credentials saved to %s\n", style.Bold.Render("✓"), config.CredentialsFile())
	return nil
}
