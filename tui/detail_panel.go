// ABOUTME: Detail panel for the step currently in focus: operation, attempt, timeout, duration and last error.
package tui

import (
	"fmt"
	"strings"
)

// maxErrorLen bounds the error text shown in the panel.
const maxErrorLen = 160

// DetailPanelModel shows one step's details.
type DetailPanelModel struct {
	active *StepDetail
	width  int
	height int
}

// NewDetailPanelModel creates an empty panel.
func NewDetailPanelModel() DetailPanelModel {
	return DetailPanelModel{}
}

// SetActive shows detail.
func (m *DetailPanelModel) SetActive(detail StepDetail) {
	m.active = &detail
}

// Clear empties the panel.
func (m *DetailPanelModel) Clear() {
	m.active = nil
}

// SetSize sets the panel dimensions.
func (m *DetailPanelModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// View renders the panel.
func (m DetailPanelModel) View() string {
	title := TitleStyle.Render("STEP")

	var content string
	if m.active == nil {
		content = title + "\n\n" + ValueStyle.Render("No active step")
	} else {
		d := m.active
		timeout := "none"
		if d.Timeout > 0 {
			timeout = d.Timeout.String()
		}
		lines := []string{
			title,
			row("ID:", d.ID),
			row("Op:", d.Operation),
			LabelStyle.Render("Status:") + StyleForStatus(d.Status).Render(d.Status.String()),
			row("Attempt:", fmt.Sprintf("%d", d.Attempt)),
			row("Timeout:", timeout),
		}
		if d.Duration > 0 {
			lines = append(lines, row("Took:", formatDuration(d.Duration)))
		}
		if d.LastError != "" {
			lines = append(lines, LabelStyle.Render("Error:")+FailedStyle.Render(truncate(d.LastError, maxErrorLen)))
		}
		content = strings.Join(lines, "\n")
	}

	style := BorderStyle
	if m.width > 2 {
		style = style.Width(m.width - 2)
	}
	if m.height > 2 {
		style = style.Height(m.height - 2)
	}
	return style.Render(content)
}

func row(label, value string) string {
	return LabelStyle.Render(label) + ValueStyle.Render(value)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
