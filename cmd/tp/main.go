// tp is the teleport CLI for the remote execution daemon and its hooks.
package main

import (
	"os"

	"github.com/xcawolfe-amzn/teleport/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
