// Package cmdguard validates shell commands before the daemon executes them
// on behalf of a remote approval. Commands must match a whitelist prefix and
// contain no shell metacharacters that enable chaining or substitution.
package cmdguard

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// ErrInjection marks a command rejected for containing shell
// metacharacters. Callers that must distinguish an injection denial from a
// plain whitelist miss test with errors.Is.
var ErrInjection = errors.New("shell injection pattern")

// whitelist is the ordered list of allowed command prefixes. A command is
// allowed when it equals a prefix or starts with the prefix plus a space.
var whitelist = []string{
	"git", "npm", "npx", "node",
	"ls", "cat", "head", "tail", "grep", "find", "pwd", "echo",
	"mkdir", "touch", "cp", "mv", "chmod",
	"wc", "sort", "uniq", "cut", "diff",
	"which", "env", "date", "whoami", "hostname",
}

// metacharacters enable command chaining, substitution, or redirection and
// are denied unconditionally, bypass or not.
var metacharacters = []string{
	";", "|", "&", "`", "$(", "${", "\n", "\r", ">>", "<<",
}

const previewLen = 80

// Policy controls guard behavior beyond the built-in whitelist.
type Policy struct {
	// AllowAll requests the whitelist bypass. It requires DangerZone and is
	// void in production. Metacharacter denial still applies.
	AllowAll bool
	// DangerZone is the second, independent opt-in signal for the bypass.
	DangerZone bool
	// Production disables the bypass regardless of the other two flags.
	Production bool

	// AuditLogger receives a line for every bypass use. Nil falls back to
	// the stdlib default logger.
	AuditLogger *log.Logger
}

// Validate checks a command against the metacharacter denylist and the
// whitelist. A nil error means the command may run on the fast path.
func Validate(command string, pol Policy) error {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return fmt.Errorf("empty command")
	}

	// Metacharacter denial comes first and is never bypassed.
	for _, meta := range metacharacters {
		if strings.Contains(command, meta) {
			return fmt.Errorf("%w: command contains %q", ErrInjection, printable(meta))
		}
	}

	if matchesWhitelist(trimmed) {
		return nil
	}

	if pol.bypassActive() {
		pol.auditBypass(trimmed)
		return nil
	}

	return fmt.Errorf("command not in whitelist: %q", firstWord(trimmed))
}

// matchesWhitelist reports whether the command equals a whitelist prefix or
// begins with one followed by a space.
func matchesWhitelist(command string) bool {
	for _, prefix := range whitelist {
		if command == prefix || strings.HasPrefix(command, prefix+" ") {
			return true
		}
	}
	return false
}

// bypassActive requires both opt-in signals and a non-production environment.
func (p Policy) bypassActive() bool {
	return p.AllowAll && p.DangerZone && !p.Production
}

// auditBypass records every use of the whitelist bypass.
func (p Policy) auditBypass(command string) {
	preview := command
	if len(preview) > previewLen {
		preview = preview[:previewLen] + "..."
	}
	line := fmt.Sprintf("AUDIT whitelist bypass at %s: %q",
		time.Now().UTC().Format(time.RFC3339), preview)
	if p.AuditLogger != nil {
		p.AuditLogger.Print(line)
		return
	}
	log.Print(line)
}

// firstWord returns the command's leading token for error messages.
func firstWord(command string) string {
	word, _, _ := strings.Cut(command, " ")
	return word
}

// printable renders control characters readably in denial reasons.
func printable(meta string) string {
	switch meta {
	case "\n":
		return "\\n"
	case "\r":
		return "\\r"
	}
	return meta
}
