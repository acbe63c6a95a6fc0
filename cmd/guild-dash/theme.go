package main

import "github.com/charmbracelet/lipgloss"

// Theme defines the visual styling for the guild dashboard.
type Theme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
}

// DefaultTheme returns the default theme for guild dash.
func DefaultTheme() Theme {
	return Theme{
		Primary: lipgloss.Color("12"),  // Blue
		Success: lipgloss.Color("10"),  // Green
		Warning: lipgloss.Color("11"),  // Yellow
		Error:   lipgloss.Color("9"),   // Red
		Muted:   lipgloss.Color("240"), // Gray
	}
}

// Styles holds the pre-built lipgloss styles derived from a theme.
type Styles struct {
	Header    lipgloss.Style
	TabActive lipgloss.Style
	TabIdle   lipgloss.Style
	Col       lipgloss.Style
	Muted     lipgloss.Style
	StatusOK  lipgloss.Style
	StatusWarn lipgloss.Style
	StatusBad lipgloss.Style
}

// NewStyles builds the style set for a theme.
func NewStyles(theme Theme) Styles {
	return Styles{
		Header:    lipgloss.NewStyle().Bold(true).Foreground(theme.Primary),
		TabActive: lipgloss.NewStyle().Bold(true).Foreground(theme.Primary).Underline(true),
		TabIdle:   lipgloss.NewStyle().Foreground(theme.Muted),
		Col:       lipgloss.NewStyle(),
		Muted:     lipgloss.NewStyle().Foreground(theme.Muted),
		StatusOK:  lipgloss.NewStyle().Foreground(theme.Success),
		StatusWarn: lipgloss.NewStyle().Foreground(theme.Warning),
		StatusBad: lipgloss.NewStyle().Foreground(theme.Error),
	}
}
