package output

import "github.com/charmbracelet/lipgloss"

// Styles holds the lipgloss styles of a renderer. Plain styles render
// their input unchanged.
type Styles struct {
	Header1 lipgloss.Style
	Header2 lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Info    lipgloss.Style
	Asset   lipgloss.Style

	StatusSuccess lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusPending lipgloss.Style
	StatusRunning lipgloss.Style
}

// NewStyles returns colored styles, or plain ones when color is false.
func NewStyles(color bool) *Styles {
	plain := lipgloss.NewStyle()
	if !color {
		return &Styles{
			Header1: plain, Header2: plain, Bold: plain, Muted: plain,
			Success: plain, Warning: plain, Error: plain, Info: plain, Asset: plain,
			StatusSuccess: plain.SetString("ok"),
			StatusFailed:  plain.SetString("x"),
			StatusPending: plain.SetString("-"),
			StatusRunning: plain.SetString("~"),
		}
	}
	green := lipgloss.Color("#22c55e")
	red := lipgloss.Color("#ef4444")
	yellow := lipgloss.Color("#eab308")
	blue := lipgloss.Color("#3b82f6")
	gray := lipgloss.Color("#6b7280")
	return &Styles{
		Header1: plain.Bold(true).Underline(true),
		Header2: plain.Bold(true).Foreground(blue),
		Bold:    plain.Bold(true),
		Muted:   plain.Foreground(gray),
		Success: plain.Foreground(green),
		Warning: plain.Foreground(yellow),
		Error:   plain.Foreground(red).Bold(true),
		Info:    plain.Foreground(blue),
		Asset:   plain.Foreground(lipgloss.Color("#06b6d4")),

		StatusSuccess: plain.Foreground(green).SetString("✓"),
		StatusFailed:  plain.Foreground(red).SetString("✗"),
		StatusPending: plain.Foreground(gray).SetString("○"),
		StatusRunning: plain.Foreground(yellow).SetString("●"),
	}
}
