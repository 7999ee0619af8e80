package ui

import (
	"image/color"
	"strings"

	"charm.land/lipgloss/v2"
)

var (
	daySeparatorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	timeStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	ownNameStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	otherNameStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("4")).Bold(true)
	placeholderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)

	dimColor       = lipgloss.Color("240")
	highlightColor = lipgloss.Color("#FF5FAF")

	// Focused border gradient, wrapping back to the first color.
	rainbowBlend = []color.Color{
		lipgloss.Color("#FF6B9D"),
		lipgloss.Color("#9B59B6"),
		lipgloss.Color("#3498DB"),
		lipgloss.Color("#2ECC71"),
		lipgloss.Color("#FF6B9D"),
	}
)

// applyBorderColor applies either the rainbow blend (focused) or dim border color.
func applyBorderColor(s lipgloss.Style, focused bool) lipgloss.Style {
	if focused {
		return s.BorderForegroundBlend(rainbowBlend...)
	}
	return s.BorderForeground(dimColor)
}

// truncateHeight limits s to at most maxLines lines.
func truncateHeight(s string, maxLines int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= maxLines {
		return s
	}
	return strings.Join(lines[:maxLines], "\n")
}

// centerOffset returns the offset that centers box within w x h.
func centerOffset(box string, w, h int) (int, int) {
	x := max((w-lipgloss.Width(box))/2, 0)
	y := max((h-lipgloss.Height(box))/2, 0)
	return x, y
}
