package ui

import (
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/ncar/dsquasar/internal/catalog"
)

// Catppuccin Mocha palette.
var (
	colorGreen  = lipgloss.Color("#a6e3a1")
	colorBlue   = lipgloss.Color("#89b4fa")
	colorYellow = lipgloss.Color("#f9e2af")
	colorRed    = lipgloss.Color("#f38ba8")
	colorTeal   = lipgloss.Color("#94e2d5")
	colorMauve  = lipgloss.Color("#cba6f7")
	colorMuted  = lipgloss.Color("#5a6278")
	colorBright = lipgloss.Color("#cdd6f4")
)

var (
	styleHeader    = lipgloss.NewStyle().Bold(true).Foreground(colorMauve)
	styleLabel     = lipgloss.NewStyle().Foreground(colorMuted)
	styleValue     = lipgloss.NewStyle().Foreground(colorBright)
	styleIconDone  = lipgloss.NewStyle().Foreground(colorGreen)
	styleIconFail  = lipgloss.NewStyle().Foreground(colorRed)
	styleError     = lipgloss.NewStyle().Foreground(colorRed)
	styleErrorPath = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	styleSpeed     = lipgloss.NewStyle().Foreground(colorTeal)
)

var stateStyles = map[catalog.State]lipgloss.Style{
	catalog.Unbacked:   lipgloss.NewStyle().Foreground(colorMuted),
	catalog.Pending:    lipgloss.NewStyle().Foreground(colorBlue),
	catalog.InTransfer: lipgloss.NewStyle().Foreground(colorTeal),
	catalog.Verified:   lipgloss.NewStyle().Foreground(colorGreen),
	catalog.Failed:     lipgloss.NewStyle().Foreground(colorRed).Bold(true),
	catalog.Stale:      lipgloss.NewStyle().Foreground(colorYellow),
}

// IsTTY reports whether the given file descriptor refers to a terminal.
func IsTTY(fd uintptr) bool {
	return term.IsTerminal(int(fd))
}

// TermWidth returns the terminal width in columns, or 80 if it cannot be determined.
func TermWidth(fd uintptr) int {
	w, _, err := term.GetSize(int(fd))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}

// paint renders s with st when styled is set.
func paint(styled bool, st lipgloss.Style, s string) string {
	if !styled {
		return s
	}
	return st.Render(s)
}
