package style

import "github.com/charmbracelet/lipgloss"

// Shared terminal styles for operator-facing output.
var (
	Bold = lipgloss.NewStyle().Bold(true)
	Dim  = lipgloss.NewStyle().Faint(true)

	Good = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	Warn = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	Bad  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)
