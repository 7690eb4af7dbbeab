// Package interactive provides the operator-facing terminal components for
// a restore run (spec §6 "interactive" operating mode): a progress display
// driven by restoresession.ProgressSink/StatusSink updates, and a reattach
// prompt implementing transition.OperatorPrompter. Adapted from the teacher
// codebase's tui package, trimmed to this core's phases and built on the
// same bubbletea/bubbles/lipgloss stack.
package interactive

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	ColorPrimary   = lipgloss.Color("#7D56F4")
	ColorSecondary = lipgloss.Color("#6C757D")
	ColorSuccess   = lipgloss.Color("#28A745")
	ColorWarning   = lipgloss.Color("#FFC107")
	ColorError     = lipgloss.Color("#DC3545")
	ColorInfo      = lipgloss.Color("#17A2B8")
	ColorMuted     = lipgloss.Color("#6C757D")
)

const (
	SymbolSuccess    = "✓"
	SymbolError      = "✗"
	SymbolInProgress = "⟳"
	SymbolPending    = "○"
)

// Styles is the shared lipgloss style set for the progress display and the
// reattach prompt.
type Styles struct {
	Title   lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	Info    lipgloss.Style
	Muted   lipgloss.Style
	Box     lipgloss.Style
}

// DefaultStyles returns the default style configuration.
func DefaultStyles() *Styles {
	return &Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorPrimary).MarginBottom(1),
		Success: lipgloss.NewStyle().Foreground(ColorSuccess),
		Error:   lipgloss.NewStyle().Foreground(ColorError),
		Info:    lipgloss.NewStyle().Foreground(ColorInfo),
		Muted:   lipgloss.NewStyle().Foreground(ColorMuted),
		Box: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorSecondary).
			Padding(1, 2),
	}
}

// StatusIcon renders the glyph for a phase status.
func (s *Styles) StatusIcon(status string) string {
	switch status {
	case "success", "done":
		return s.Success.Render(SymbolSuccess)
	case "error", "failed":
		return s.Error.Render(SymbolError)
	case "active":
		return s.Info.Render(SymbolInProgress)
	default:
		return s.Muted.Render(SymbolPending)
	}
}

// FormatDuration formats a duration the way the progress display's elapsed
// timer is rendered.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
