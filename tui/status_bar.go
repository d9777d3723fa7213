// ABOUTME: Single-line status bar: plan name, elapsed time, finished/total steps, failures and the active step.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// StatusBarModel renders run progress in one line.
type StatusBarModel struct {
	planName   string
	startTime  time.Time
	totalSteps int
	finished   int
	failed     int
	skipped    int
	activeStep string
	width      int
}

// NewStatusBarModel creates a bar for a plan of totalSteps steps.
func NewStatusBarModel(planName string, totalSteps int) StatusBarModel {
	return StatusBarModel{planName: planName, totalSteps: totalSteps}
}

// Start records the run start time.
func (m *StatusBarModel) Start() {
	m.startTime = time.Now()
}

// SetProgress updates the step tallies.
func (m *StatusBarModel) SetProgress(finished, failed, skipped int) {
	m.finished = finished
	m.failed = failed
	m.skipped = skipped
}

// SetActiveStep sets the step currently executing.
func (m *StatusBarModel) SetActiveStep(id string) {
	m.activeStep = id
}

// SetWidth sets the render width.
func (m *StatusBarModel) SetWidth(w int) {
	m.width = w
}

// Elapsed is the time since Start, or zero.
func (m StatusBarModel) Elapsed() time.Duration {
	if m.startTime.IsZero() {
		return 0
	}
	return time.Since(m.startTime)
}

// formatElapsed renders "12s" or "2m30s".
func formatElapsed(d time.Duration) string {
	d = d.Truncate(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	minutes := int(d.Minutes())
	return fmt.Sprintf("%dm%ds", minutes, int(d.Seconds())-minutes*60)
}

// View renders the bar.
func (m StatusBarModel) View() string {
	active := m.activeStep
	if active == "" {
		active = "idle"
	}
	content := fmt.Sprintf("Plan: %s | Elapsed: %s | %d/%d steps | %d failed | %d skipped | Active: %s",
		m.planName, formatElapsed(m.Elapsed()), m.finished, m.totalSteps, m.failed, m.skipped, active)
	return lipgloss.PlaceHorizontal(m.width, lipgloss.Left, StatusBarStyle.Width(m.width).Render(content))
}
