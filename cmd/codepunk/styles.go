package main

import "github.com/charmbracelet/lipgloss"

// roleStyles holds the label styling used in the non-TUI console shell:
// just the role-label colors, not pane borders or backgrounds, which only
// make sense in a full bubbletea layout.
type roleStyles struct {
	user      lipgloss.Style
	assistant lipgloss.Style
	tool      lipgloss.Style
	errorText lipgloss.Style
}

func newRoleStyles() roleStyles {
	return roleStyles{
		user:      lipgloss.NewStyle().Foreground(lipgloss.Color("#F952F9")).Bold(true),
		assistant: lipgloss.NewStyle().Foreground(lipgloss.Color("#01FAFA")).Bold(true),
		tool:      lipgloss.NewStyle().Foreground(lipgloss.Color("#F4DB53")),
		errorText: lipgloss.NewStyle().Foreground(lipgloss.Color("#F54545")),
	}
}

// plainRoleStyles renders labels with no ANSI styling, for piped/non-tty
// output where escape codes would just be noise in the captured text.
func plainRoleStyles() roleStyles {
	return roleStyles{
		user:      lipgloss.NewStyle(),
		assistant: lipgloss.NewStyle(),
		tool:      lipgloss.NewStyle(),
		errorText: lipgloss.NewStyle(),
	}
}
