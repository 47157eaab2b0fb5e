package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Shared styles for command output
var (
	TitleStyle  = lipgloss.NewStyle().Bold(true)
	LabelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	AccentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	OKStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	WarnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	ErrorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	DimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	HeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("4"))
)

// Field renders a "label: value" line with the label padded to width
func Field(label string, width int, value string) string {
	return LabelStyle.Render(pad(label+":", width)) + " " + value
}

// Table renders rows in aligned columns. Cells may already be styled;
// widths are measured without ANSI sequences.
func Table(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(cell))
			}
		}
	}

	var b strings.Builder
	writeRow := func(cells []string, style *lipgloss.Style) {
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			if style != nil {
				cell = style.Render(cell)
			}
			if i < len(widths)-1 {
				cell = pad(cell, widths[i]) + "  "
			}
			b.WriteString(cell)
		}
		b.WriteString("\n")
	}

	writeRow(headers, &HeaderStyle)
	for _, row := range rows {
		writeRow(row, nil)
	}
	return b.String()
}

func pad(s string, width int) string {
	if n := width - lipgloss.Width(s); n > 0 {
		return s + strings.Repeat(" ", n)
	}
	return s
}
