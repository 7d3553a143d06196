package style

import (
	"strings"
	"testing"
)

func TestTableRender(t *testing.T) {
	tbl := NewTable(
		Column{Name: "NAME", Width: 8},
		Column{Name: "STATE", Width: 10},
	)
	tbl.AddRow("daemon", "running")
	tbl.AddRow("relay", "configured")

	out := tbl.Render()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	// Header, separator, two rows.
	if len(lines) != 4 {
		t.Fatalf("rendered %d lines, want 4:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[0], "NAME") || !strings.Contains(lines[0], "STATE") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[2], "daemon") {
		t.Errorf("first row = %q", lines[2])
	}
}

func TestTableRowPadding(t *testing.T) {
	tbl := NewTable(
		Column{Name: "A", Width: 4},
		Column{Name: "B", Width: 4},
	)
	// Short rows are padded with empty cells.
	tbl.AddRow("x")
	out := tbl.Render()
	if !strings.Contains(out, "x") {
		t.Errorf("row value missing:\n%s", out)
	}
}

func TestTableTruncatesLongValues(t *testing.T) {
	tbl := NewTable(Column{Name: "A", Width: 8}).SetHeaderSeparator(false)
	tbl.AddRow("averylongvalue")
	out := tbl.Render()
	if !strings.Contains(out, "...") {
		t.Errorf("long value not truncated:\n%s", out)
	}
}

func TestStripAnsi(t *testing.T) {
	in := "\x1b[1mbold\x1b[0m"
	if got := stripAnsi(in); got != "bold" {
		t.Errorf("stripAnsi = %q, want bold", got)
	}
}
