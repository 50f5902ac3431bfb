package tui

import "github.com/charmbracelet/lipgloss"

var (
	// Dracula palette
	colorPrimary   = lipgloss.Color("#bd93f9")
	colorSecondary = lipgloss.Color("#ff79c6")
	colorSuccess   = lipgloss.Color("#50fa7b")
	colorError     = lipgloss.Color("#ff5555")
	colorWarning   = lipgloss.Color("#ffb86c")
	colorText      = lipgloss.Color("#f8f8f2")
	colorSubtext   = lipgloss.Color("#6272a4")
	colorBorder    = lipgloss.Color("#44475a")

	// Styles
	AppStyle = lipgloss.NewStyle().
			Padding(DefaultPaddingX, 2).
			Foreground(colorText)

	TitleStyle = lipgloss.NewStyle().
			Foreground(colorPrimary).
			Bold(true).
			Padding(DefaultPaddingY, DefaultPaddingX).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPrimary)

	ItemStyle = lipgloss.NewStyle().
			Foreground(colorText)

	// Status Bar Styles
	StatusBarStyle = lipgloss.NewStyle().
			Foreground(colorSubtext).
			Padding(DefaultPaddingY, DefaultPaddingX)

	// Stats Style in Header
	StatsStyle = lipgloss.NewStyle().
			Foreground(colorSubtext).
			Padding(DefaultPaddingY, DefaultPaddingX)

	// Base Card Style
	CardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(DefaultPaddingY, DefaultPaddingX)

	// Running transfers get a highlighted border
	SelectedCardStyle = CardStyle.
				BorderForeground(colorSecondary)

	// Text inside the card
	CardTitleStyle = lipgloss.NewStyle().
			Foreground(colorPrimary).
			Bold(true)

	CardStatsStyle = lipgloss.NewStyle().
			Foreground(colorSubtext).
			Italic(true)

	// Phase labels
	SuccessStyle = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	ErrorStyle   = lipgloss.NewStyle().Foreground(colorError)
	WarningStyle = lipgloss.NewStyle().Foreground(colorWarning)
)
