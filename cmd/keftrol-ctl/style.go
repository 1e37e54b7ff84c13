package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	accentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("76"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("204"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

// renderState renders a snapshot as aligned "key: value" lines.
func renderState(s deviceState) string {
	source := s.Source
	if source == "" {
		source = "unknown"
	}

	muted := successStyle.Render("no")
	if s.Muted {
		muted = warnStyle.Render("yes")
	}

	link := successStyle.Render("connected")
	if !s.Connected {
		link = errorStyle.Render("disconnected")
	}

	pairs := [][2]string{
		{"source", accentStyle.Render(source)},
		{"volume", fmt.Sprintf("%s %s", accentStyle.Render(fmt.Sprintf("%3d", s.Volume)), volumeBar(s.Volume, 20))},
		{"muted", muted},
		{"speaker", link},
	}
	if s.LastError != "" {
		pairs = append(pairs, [2]string{"error", errorStyle.Render(s.LastError)})
	}

	var sb strings.Builder
	for _, p := range pairs {
		sb.WriteString(labelStyle.Render(fmt.Sprintf("%-8s", p[0]+":")) + " " + p[1] + "\n")
	}
	return sb.String()
}

// renderChange renders one line for a watch update.
func renderChange(kind string, s deviceState) string {
	tag := accentStyle.Render("[" + kind + "]")
	line := fmt.Sprintf("%s source=%s volume=%d muted=%v", tag, orUnknown(s.Source), s.Volume, s.Muted)
	if !s.Connected {
		line += " " + errorStyle.Render("disconnected")
		if s.LastError != "" {
			line += errorStyle.Render(": " + s.LastError)
		}
	}
	return line
}

func volumeBar(volume, width int) string {
	filled := volume * width / 100
	if filled < 0 {
		filled = 0
	}
	if filled > width {
		filled = width
	}
	return successStyle.Render(strings.Repeat("█", filled)) + labelStyle.Render(strings.Repeat("░", width-filled))
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
