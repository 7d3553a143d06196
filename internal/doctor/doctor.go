// Package doctor runs local diagnostic checks for the teleport setup:
// configuration, credentials, the daemon, and the relay.
package doctor

import (
	"fmt"
	"io"

	"github.com/xcawolfe-amzn/teleport/internal/config"
	"github.com/xcawolfe-amzn/teleport/internal/style"
)

// Status is the outcome of a single check.
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
)

// CheckResult is what a check reports back.
type CheckResult struct {
	Name    string
	Status  Status
	Message string
	Details []string
	FixHint string
}

// Check is a single diagnostic.
type Check interface {
	Name() string
	Description() string
	Run(ctx *CheckContext) *CheckResult
}

// CheckContext carries shared state into checks.
type CheckContext struct {
	Config *config.Config
}

// BaseCheck provides the Name/Description boilerplate.
type BaseCheck struct {
	CheckName        string
	CheckDescription string
}

func (b *BaseCheck) Name() string        { return b.CheckName }
func (b *BaseCheck) Description() string { return b.CheckDescription }

// AllChecks returns the standard check set in run order.
func AllChecks() []Check {
	return []Check{
		NewConfigDirCheck(),
		NewCredentialsCheck(),
		NewDaemonCheck(),
		NewStaleLockCheck(),
		NewRelayCheck(),
		NewBypassCheck(),
	}
}

// Run executes the checks and renders results to w. It returns the number
// of errors encountered.
func Run(ctx *CheckContext, checks []Check, w io.Writer) int {
	errorCount := 0
	for _, c := range checks {
		res := c.Run(ctx)
		fmt.Fprintf(w, "%s %-18s %s\n", marker(res.Status), res.Name, res.Message)
		for _, d := range res.Details {
			fmt.Fprintf(w, "    %s\n", style.Dim.Render(d))
		}
		if res.FixHint != "" && res.Status != StatusOK {
			fmt.Fprintf(w, "    %s %s\n", style.Dim.Render("fix:"), res.FixHint)
		}
		if res.Status == StatusError {
			errorCount++
		}
	}
	return errorCount
}

func marker(s Status) string {
	switch s {
	case StatusOK:
		return style.Good.Render("✓")
	case StatusWarning:
		return style.Warn.Render("⚠")
	default:
		return style.Bad.Render("✗")
	}
}
