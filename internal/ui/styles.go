// Package ui holds terminal rendering helpers for the kgbridge CLI.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/portside-labs/kgbridge/internal/ledger"
)

var (
	accentStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	failStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	statusStyles = map[string]lipgloss.Style{
		ledger.StatusPending:    warnStyle,
		ledger.StatusInProgress: lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
		ledger.StatusSynced:     passStyle,
		ledger.StatusFailed:     failStyle,
		ledger.StatusAbandoned:  mutedStyle,
	}

	outcomeStyles = map[string]lipgloss.Style{
		ledger.OutcomeSynced:     passStyle,
		ledger.OutcomeFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		ledger.OutcomeAbandoned:  mutedStyle,
		ledger.OutcomeSuperseded: lipgloss.NewStyle().Foreground(lipgloss.Color("5")),
	}
)

// Init pins the lipgloss color profile to plain text when stdout is
// not a color-capable terminal or NO_COLOR is set.
func Init() {
	if !colorEnabled() {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

func colorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return false
	}
	return termenv.EnvColorProfile() != termenv.Ascii
}

// RenderAccent renders emphasized text such as section markers.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass renders success markers.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders warning markers.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders failure markers.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderMuted renders secondary detail text.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// StatusBadge colors a ledger status for terminal output. Unknown
// statuses pass through unstyled.
func StatusBadge(status string) string {
	if style, ok := statusStyles[status]; ok {
		return style.Render(status)
	}
	return status
}

// OutcomeBadge colors a sync outcome for terminal output.
func OutcomeBadge(outcome string) string {
	if style, ok := outcomeStyles[outcome]; ok {
		return style.Render(outcome)
	}
	return outcome
}

// KeyValue renders a "key: value" summary line.
func KeyValue(key, value string) string {
	return mutedStyle.Render(key+":") + " " + value
}
