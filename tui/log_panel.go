// ABOUTME: Scrollable event log panel built on the bubbles viewport.
// ABOUTME: Shows engine events color-coded by type, newest at the bottom.
package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/2389-research/planrun/engine"
)

// LogPanelModel is a bounded, scrollable list of events.
type LogPanelModel struct {
	entries  []engine.Event
	max      int
	viewport viewport.Model
	focused  bool
	width    int
	height   int
}

// NewLogPanelModel keeps at most maxEntries events (default 200).
func NewLogPanelModel(maxEntries int) LogPanelModel {
	if maxEntries <= 0 {
		maxEntries = 200
	}
	return LogPanelModel{
		entries:  make([]engine.Event, 0, maxEntries),
		max:      maxEntries,
		viewport: viewport.New(80, 10),
	}
}

// Append adds evt, evicting the oldest entry at capacity.
func (m *LogPanelModel) Append(evt engine.Event) {
	if len(m.entries) >= m.max {
		m.entries = m.entries[1:]
	}
	m.entries = append(m.entries, evt)
	m.syncViewport()
}

// Len returns the number of retained entries.
func (m LogPanelModel) Len() int {
	return len(m.entries)
}

// SetFocused toggles keyboard scrolling.
func (m *LogPanelModel) SetFocused(focused bool) {
	m.focused = focused
}

// IsFocused reports whether the panel takes keys.
func (m LogPanelModel) IsFocused() bool {
	return m.focused
}

// Update scrolls the viewport when focused.
func (m LogPanelModel) Update(msg tea.Msg) (LogPanelModel, tea.Cmd) {
	if !m.focused {
		return m, nil
	}
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// SetSize sets the panel dimensions, leaving room for border and title.
func (m *LogPanelModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(w-2, 1)
	m.viewport.Height = max(h-3, 1)
	m.syncViewport()
}

// View renders the panel.
func (m LogPanelModel) View() string {
	title := "EVENTS"
	if m.focused {
		title = "EVENTS (scroll)"
	}
	content := "No events yet"
	if len(m.entries) > 0 {
		content = m.viewport.View()
	}
	style := BorderStyle
	if m.width > 2 {
		style = style.Width(m.width - 2)
	}
	if m.height > 2 {
		style = style.Height(m.height - 2)
	}
	return style.Render(TitleStyle.Render(title) + "\n" + content)
}

func (m *LogPanelModel) syncViewport() {
	lines := make([]string, 0, len(m.entries))
	for _, evt := range m.entries {
		lines = append(lines, formatEntry(evt))
	}
	m.viewport.SetContent(strings.Join(lines, "\n"))
	m.viewport.GotoBottom()
}

// formatEntry renders "15:04:05 step.failed [id] k=v ...".
func formatEntry(evt engine.Event) string {
	parts := []string{
		LogTimestampStyle.Render(evt.Timestamp.Format("15:04:05")),
		eventStyle(evt.Type).Render(string(evt.Type)),
	}
	if evt.StepID != "" {
		parts = append(parts, fmt.Sprintf("[%s]", evt.StepID))
	}
	if len(evt.Data) > 0 {
		parts = append(parts, formatData(evt.Data))
	}
	return strings.Join(parts, " ")
}

// formatData renders data as sorted key=value pairs.
func formatData(data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%v", k, data[k]))
	}
	return strings.Join(pairs, " ")
}

func eventStyle(t engine.EventType) lipgloss.Style {
	switch t {
	case engine.EventRunCompleted, engine.EventStepCompleted, engine.EventCheckpointSaved:
		return LogSuccessStyle
	case engine.EventStepFailed, engine.EventRunCancelled, engine.EventCircuitOpened:
		return LogErrorStyle
	case engine.EventStepRetrying, engine.EventStepSkipped, engine.EventStepStalled,
		engine.EventStepUnknown, engine.EventRunPaused:
		return LogWarnStyle
	default:
		return LogEventStyle
	}
}
