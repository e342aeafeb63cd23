package tui

import "github.com/charmbracelet/lipgloss"

var (
	// Brand colors
	brandOrange  = lipgloss.Color("#d97757") // Primary accent
	brandBlue    = lipgloss.Color("#6a9bcc") // Secondary accent
	brandGreen   = lipgloss.Color("#788c5d") // Tertiary accent
	brandMidGray = lipgloss.Color("#b0aea5") // Secondary elements

	primaryColor = brandOrange
	accentColor  = brandBlue
	successColor = brandGreen
	errorColor   = lipgloss.Color("#c45c4a")
	warningColor = brandOrange
	dimTextColor = brandMidGray

	// Task title
	logoStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(accentColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true)

	// Status indicators
	statusOK = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	statusFail = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	statusRunning = lipgloss.NewStyle().
			Foreground(warningColor).
			Bold(true)

	statusPending = lipgloss.NewStyle().
			Foreground(dimTextColor)

	// Misc
	subtitleStyle = lipgloss.NewStyle().
			Foreground(dimTextColor).
			Italic(true)

	// Box for empty state
	emptyBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(dimTextColor).
			Foreground(dimTextColor).
			Padding(1, 4).
			Align(lipgloss.Center)

	// Divider
	dividerStyle = lipgloss.NewStyle().
			Foreground(dimTextColor)
)
