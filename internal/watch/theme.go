package watch

import "github.com/charmbracelet/lipgloss"

// Status colors.
var (
	ColorStarting  = lipgloss.Color("#7c3aed")
	ColorActive    = lipgloss.Color("#2563eb")
	ColorCompleted = lipgloss.Color("#16a34a")
	ColorCancelled = lipgloss.Color("#d97706")
	ColorErrored   = lipgloss.Color("#dc2626")
	ColorDefault   = lipgloss.Color("#9ca3af")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorDanger  = lipgloss.Color("#dc2626")
)

var (
	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleSelected = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)
)

// StatusColor returns the color for a session status or message type.
func StatusColor(status string) lipgloss.Color {
	switch status {
	case "starting":
		return ColorStarting
	case "active":
		return ColorActive
	case "completed":
		return ColorCompleted
	case "cancelled":
		return ColorCancelled
	case "errored", "error":
		return ColorErrored
	default:
		return ColorDefault
	}
}

// StatusGlyph returns a glyph for a session status.
func StatusGlyph(status string) string {
	switch status {
	case "starting":
		return "◎"
	case "active":
		return "●>"
	case "completed":
		return "✓"
	case "cancelled":
		return "○"
	case "errored":
		return "✗"
	default:
		return "·"
	}
}
