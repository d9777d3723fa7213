// ABOUTME: lipgloss styles for the TUI panels, step statuses and event log lines.
package tui

import "github.com/charmbracelet/lipgloss"

var (
	BorderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62"))

	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("170"))

	PendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	RunningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	RetryingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	SucceededStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	FailedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	SkippedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	UnknownStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))

	LogTimestampStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	LogEventStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
	LogErrorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	LogSuccessStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	LogWarnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	StatusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("252")).
			Padding(0, 1)

	LabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Width(10)
	ValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))
)

// StyleForStatus maps a step status to its style.
func StyleForStatus(status StepStatus) lipgloss.Style {
	switch status {
	case StepRunning:
		return RunningStyle
	case StepRetrying:
		return RetryingStyle
	case StepSucceeded:
		return SucceededStyle
	case StepFailed:
		return FailedStyle
	case StepSkipped:
		return SkippedStyle
	case StepUnknown:
		return UnknownStyle
	default:
		return PendingStyle
	}
}
