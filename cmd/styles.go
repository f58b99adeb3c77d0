package cmd

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	bannerStyle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 2).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("61"))
	labelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("189"))
	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))
	headingStyle = lipgloss.NewStyle().
			Bold(true).
			Underline(true).
			Foreground(lipgloss.Color("214"))
	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("203"))
	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))
)

// field is one label/value row of console output.
type field struct {
	label string
	value string
}

// renderFields aligns labels into a column.
func renderFields(fields []field) string {
	width := 0
	for _, f := range fields {
		width = max(width, len(f.label))
	}

	lines := make([]string, 0, len(fields))
	for _, f := range fields {
		label := labelStyle.Render(fmt.Sprintf("%-*s", width, f.label))
		lines = append(lines, label+"  "+valueStyle.Render(f.value))
	}
	return strings.Join(lines, "\n")
}
