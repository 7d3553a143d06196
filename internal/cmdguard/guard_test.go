package cmdguard

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"
)

func TestValidateWhitelist(t *testing.T) {
	tests := []struct {
		name    string
		command string
		wantOK  bool
	}{
		{"bare git", "git", true},
		{"git with args", "git status --short", true},
		{"ls with flags", "ls -la", true},
		{"leading whitespace", "  ls -la", true},
		{"npm install", "npm install", true},
		{"echo", "echo hello world", true},
		{"hostname", "hostname", true},
		{"prefix without space", "gitk", false},
		{"rm denied", "rm -rf /tmp/x", false},
		{"curl denied", "curl https://example.com", false},
		{"empty", "", false},
		{"whitespace only", "   ", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.command, Policy{})
			if (err == nil) != tt.wantOK {
				t.Errorf("Validate(%q) = %v, want ok=%v", tt.command, err, tt.wantOK)
			}
		})
	}
}

func TestValidateMetacharacters(t *testing.T) {
	tests := []struct {
		name    string
		command string
	}{
		{"semicolon chain", "ls; rm -rf /"},
		{"pipe", "cat /etc/passwd | grep root"},
		{"background", "ls &"},
		{"backtick", "echo `whoami`"},
		{"dollar paren", "echo $(whoami)"},
		{"dollar brace", "echo ${HOME}"},
		{"newline", "ls\nrm -rf /"},
		{"carriage return", "ls\rrm -rf /"},
		{"append redirect", "echo x >> /etc/passwd"},
		{"heredoc", "cat << EOF"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.command, Policy{})
			if err == nil {
				t.Fatalf("Validate(%q) allowed an injection pattern", tt.command)
			}
			if !errors.Is(err, ErrInjection) {
				t.Errorf("denial = %v, want ErrInjection", err)
			}
			if !strings.Contains(err.Error(), "shell injection pattern") {
				t.Errorf("denial reason = %q, want it to mention the injection pattern", err)
			}
		})
	}
}

func TestWhitelistMissIsNotInjection(t *testing.T) {
	// A plain whitelist miss must stay distinguishable from an injection
	// denial; the executor delegates the former and aborts on the latter.
	err := Validate("terraform apply", Policy{})
	if err == nil {
		t.Fatal("non-whitelisted command allowed")
	}
	if errors.Is(err, ErrInjection) {
		t.Errorf("whitelist miss = %v, want non-injection denial", err)
	}
}

func TestBypassRequiresBothSignals(t *testing.T) {
	tests := []struct {
		name   string
		pol    Policy
		wantOK bool
	}{
		{"neither", Policy{}, false},
		{"allow only", Policy{AllowAll: true}, false},
		{"danger only", Policy{DangerZone: true}, false},
		{"both", Policy{AllowAll: true, DangerZone: true}, true},
		{"both but production", Policy{AllowAll: true, DangerZone: true, Production: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate("terraform apply", tt.pol)
			if (err == nil) != tt.wantOK {
				t.Errorf("Validate with %+v = %v, want ok=%v", tt.pol, err, tt.wantOK)
			}
		})
	}
}

func TestBypassNeverSkipsMetacharacterDenial(t *testing.T) {
	pol := Policy{AllowAll: true, DangerZone: true}
	if err := Validate("ls; rm -rf /", pol); err == nil {
		t.Fatal("bypass allowed a command with metacharacters")
	}
}

func TestBypassIsAudited(t *testing.T) {
	var buf bytes.Buffer
	pol := Policy{
		AllowAll:    true,
		DangerZone:  true,
		AuditLogger: log.New(&buf, "", 0),
	}
	long := "terraform apply " + strings.Repeat("x", 200)
	if err := Validate(long, pol); err != nil {
		t.Fatalf("Validate() = %v", err)
	}

	line := buf.String()
	if !strings.Contains(line, "AUDIT whitelist bypass") {
		t.Errorf("audit line missing marker: %q", line)
	}
	if !strings.Contains(line, "...") {
		t.Errorf("audit line should truncate the command preview: %q", line)
	}
	if len(line) > 200 {
		t.Errorf("audit line too long (%d bytes): preview not truncated", len(line))
	}
}

func TestWhitelistedCommandNotAudited(t *testing.T) {
	var buf bytes.Buffer
	pol := Policy{
		AllowAll:    true,
		DangerZone:  true,
		AuditLogger: log.New(&buf, "", 0),
	}
	if err := Validate("ls -la", pol); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("whitelisted command was audited: %q", buf.String())
	}
}
