// ABOUTME: Step list panel: every plan step in declaration order with live status, attempts and duration.
// ABOUTME: Folds engine events into per-step rows; the app reads counts and details back from it.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/2389-research/planrun/engine"
)

// StepDetail is everything the TUI knows about one step.
type StepDetail struct {
	ID        string
	Operation string
	Status    StepStatus
	Attempt   int
	Timeout   time.Duration
	StartedAt time.Time
	Duration  time.Duration
	LastError string
	// Previous marks steps completed before this process resumed the run.
	Previous bool
}

// StepsPanelModel renders the plan's steps.
type StepsPanelModel struct {
	rows    []StepDetail
	index   map[string]int
	spinner int
	width   int
	height  int
	now     func() time.Time
}

// NewStepsPanelModel lists plan's steps. When state is non-nil (a resumed
// run) its completed and skipped steps are shown as already finished.
func NewStepsPanelModel(plan *engine.Plan, state *engine.ExecutionState) StepsPanelModel {
	m := StepsPanelModel{index: make(map[string]int), now: time.Now}
	if plan == nil {
		return m
	}
	for i, step := range plan.Steps {
		m.index[step.ID] = i
		m.rows = append(m.rows, StepDetail{ID: step.ID, Operation: step.Operation, Timeout: step.Timeout()})
	}
	if state == nil {
		return m
	}
	for _, id := range state.CompletedIDs {
		if i, ok := m.index[id]; ok {
			m.rows[i].Status = StepSucceeded
			if _, failed := state.LastErrors[id]; failed {
				m.rows[i].Status = StepFailed
				m.rows[i].LastError = state.LastErrors[id]
			}
			m.rows[i].Previous = true
		}
	}
	for _, id := range state.SkippedIDs {
		if i, ok := m.index[id]; ok {
			m.rows[i].Status = StepSkipped
		}
	}
	for _, id := range state.UnknownIDs {
		if i, ok := m.index[id]; ok {
			m.rows[i].Status = StepUnknown
		}
	}
	return m
}

// Apply folds one engine event into the rows. It reports the step the event
// concerned, or "" when it touched none.
func (m *StepsPanelModel) Apply(evt engine.Event) string {
	i, ok := m.index[evt.StepID]
	if !ok {
		return ""
	}
	row := &m.rows[i]
	switch evt.Type {
	case engine.EventStepStarted:
		row.Status = StepRunning
		row.Attempt = 1
		row.StartedAt = m.now()
		row.Previous = false
	case engine.EventStepRetrying:
		row.Status = StepRetrying
		row.Attempt = intValue(evt.Data["attempt"]) + 1
		row.LastError = stringValue(evt.Data["error"])
	case engine.EventStepCompleted:
		row.Status = StepSucceeded
		row.Duration = m.since(row.StartedAt)
		row.LastError = ""
	case engine.EventStepFailed:
		row.Status = StepFailed
		row.Duration = m.since(row.StartedAt)
		row.LastError = stringValue(evt.Data["error"])
	case engine.EventStepSkipped:
		row.Status = StepSkipped
	case engine.EventStepUnknown:
		row.Status = StepUnknown
	default:
		return ""
	}
	return row.ID
}

func (m *StepsPanelModel) since(t time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	return m.now().Sub(t)
}

// Detail returns the row for id.
func (m StepsPanelModel) Detail(id string) (StepDetail, bool) {
	i, ok := m.index[id]
	if !ok {
		return StepDetail{}, false
	}
	return m.rows[i], true
}

// Status returns the status of id (pending when unknown to the plan).
func (m StepsPanelModel) Status(id string) StepStatus {
	d, _ := m.Detail(id)
	return d.Status
}

// Counts tallies rows by status.
func (m StepsPanelModel) Counts() map[StepStatus]int {
	counts := make(map[StepStatus]int)
	for _, row := range m.rows {
		counts[row.Status]++
	}
	return counts
}

// Finished counts rows in a terminal status.
func (m StepsPanelModel) Finished() int {
	n := 0
	for _, row := range m.rows {
		if row.Status.Terminal() {
			n++
		}
	}
	return n
}

// Len is the number of steps in the plan.
func (m StepsPanelModel) Len() int { return len(m.rows) }

// AdvanceSpinner moves running steps to the next frame.
func (m *StepsPanelModel) AdvanceSpinner() { m.spinner++ }

// SetSize sets the panel dimensions.
func (m *StepsPanelModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// View renders one line per step. When the plan is taller than the panel
// the window follows the first unfinished step.
func (m StepsPanelModel) View() string {
	lines := make([]string, 0, len(m.rows))
	first := -1
	for i, row := range m.rows {
		if first < 0 && !row.Status.Terminal() {
			first = i
		}
		lines = append(lines, m.renderRow(row))
	}
	if len(lines) == 0 {
		lines = append(lines, PendingStyle.Render("(empty plan)"))
	}

	visible := m.height - 3
	if visible > 0 && len(lines) > visible {
		start := 0
		if first > visible/2 {
			start = min(first-visible/2, len(lines)-visible)
		}
		lines = lines[start : start+visible]
	}

	content := TitleStyle.Render("STEPS") + "\n" + strings.Join(lines, "\n")
	style := BorderStyle
	if m.width > 2 {
		style = style.Width(m.width - 2)
	}
	if m.height > 2 {
		style = style.Height(m.height - 2)
	}
	return style.Render(content)
}

func (m StepsPanelModel) renderRow(row StepDetail) string {
	style := StyleForStatus(row.Status)
	icon := row.Status.Icon()
	if row.Status == StepRunning || row.Status == StepRetrying {
		icon = " " + SpinnerFrames[m.spinner%len(SpinnerFrames)] + " "
	}
	line := fmt.Sprintf("%s %s  %s", icon, row.ID, PendingStyle.Render(row.Operation))

	var suffix string
	switch row.Status {
	case StepRunning:
		suffix = "running " + formatDuration(m.since(row.StartedAt))
	case StepRetrying:
		suffix = fmt.Sprintf("retrying, attempt %d", row.Attempt)
	case StepSucceeded:
		if row.Previous {
			suffix = "(previous run)"
		} else {
			suffix = formatDuration(row.Duration)
		}
	case StepFailed:
		suffix = "failed"
		if row.Attempt > 1 {
			suffix = fmt.Sprintf("failed after %d attempts", row.Attempt)
		}
	case StepSkipped:
		suffix = "skipped, circuit open"
	case StepUnknown:
		suffix = "no handler"
	}
	if suffix == "" {
		return style.Render(line)
	}
	return style.Render(line + "  " + suffix)
}

// formatDuration renders d as "0.4s", "12s" or "2m05s".
func formatDuration(d time.Duration) string {
	secs := d.Seconds()
	if secs < 10 {
		return fmt.Sprintf("%.1fs", secs)
	}
	if secs < 60 {
		return fmt.Sprintf("%.0fs", secs)
	}
	return fmt.Sprintf("%dm%02ds", int(secs)/60, int(secs)%60)
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}
