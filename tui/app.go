// ABOUTME: Top-level Bubble Tea model for `planrun run --tui`: step list, step detail, event log and status bar.
// ABOUTME: Runs the engine via RunCmd and folds EventMsg updates into the panels.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/2389-research/planrun/engine"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// FocusTarget is the panel receiving keyboard input.
type FocusTarget int

const (
	FocusSteps FocusTarget = iota
	FocusLog
)

const tickInterval = 100 * time.Millisecond

// AppModel composes the panels and owns the run lifecycle.
type AppModel struct {
	steps     StepsPanelModel
	detail    DetailPanelModel
	log       LogPanelModel
	statusBar StatusBarModel

	run    RunFunc
	ctx    context.Context
	cancel context.CancelFunc

	focus  FocusTarget
	done   bool
	result *engine.RunResult
	err    error
	width  int
	height int
}

// NewAppModel builds the model. state is the resumed state, or nil for a fresh run.
func NewAppModel(ctx context.Context, plan *engine.Plan, state *engine.ExecutionState, run RunFunc) AppModel {
	ctx, cancel := context.WithCancel(ctx)
	name, total := "", 0
	if plan != nil {
		name = plan.Name
		if name == "" {
			name = plan.ID
		}
		total = len(plan.Steps)
	}
	m := AppModel{
		steps:     NewStepsPanelModel(plan, state),
		detail:    NewDetailPanelModel(),
		log:       NewLogPanelModel(500),
		statusBar: NewStatusBarModel(name, total),
		run:       run,
		ctx:       ctx,
		cancel:    cancel,
		focus:     FocusSteps,
	}
	m.refreshProgress()
	return m
}

// Init starts the run and the tick loop.
func (m AppModel) Init() tea.Cmd {
	return tea.Batch(RunCmd(m.ctx, m.run), TickCmd(tickInterval))
}

// Update routes messages to panels.
func (m AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil
	case EventMsg:
		return m.handleEvent(msg.Event)
	case RunResultMsg:
		return m.handleResult(msg)
	case TickMsg:
		m.steps.AdvanceSpinner()
		if m.done {
			return m, nil
		}
		return m, TickCmd(tickInterval)
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m AppModel) handleEvent(evt engine.Event) (tea.Model, tea.Cmd) {
	m.log.Append(evt)
	if evt.Type == engine.EventRunStarted {
		m.statusBar.Start()
	}
	if id := m.steps.Apply(evt); id != "" {
		detail, _ := m.steps.Detail(id)
		m.detail.SetActive(detail)
		if detail.Status == StepRunning || detail.Status == StepRetrying {
			m.statusBar.SetActiveStep(id)
		} else {
			m.statusBar.SetActiveStep("")
		}
	}
	m.refreshProgress()
	return m, nil
}

func (m *AppModel) refreshProgress() {
	counts := m.steps.Counts()
	m.statusBar.SetProgress(m.steps.Finished(), counts[StepFailed], counts[StepSkipped])
}

func (m AppModel) handleResult(msg RunResultMsg) (tea.Model, tea.Cmd) {
	m.done = true
	m.result = msg.Result
	m.err = msg.Err
	m.statusBar.SetActiveStep("")
	return m, nil
}

func (m AppModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.cancel()
		if m.done {
			return m, tea.Quit
		}
		// The engine saves a final checkpoint; quit once RunResultMsg arrives.
		return m, nil
	case "q":
		if m.done {
			return m, tea.Quit
		}
		return m, nil
	case "tab":
		if m.focus == FocusSteps {
			m.focus = FocusLog
		} else {
			m.focus = FocusSteps
		}
		m.log.SetFocused(m.focus == FocusLog)
		return m, nil
	}
	var cmd tea.Cmd
	m.log, cmd = m.log.Update(msg)
	return m, cmd
}

// Done reports whether the run stopped.
func (m AppModel) Done() bool { return m.done }

// Result returns the run outcome once Done.
func (m AppModel) Result() (*engine.RunResult, error) { return m.result, m.err }

// View lays out steps and detail on top, events below, status bar last.
func (m AppModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if m.width < 40 || m.height < 10 {
		return fmt.Sprintf("Terminal too small (%dx%d). Minimum: 40x10.", m.width, m.height)
	}

	const statusHeight = 1
	topHeight := max((m.height-statusHeight)*55/100, 4)
	bottomHeight := max(m.height-statusHeight-topHeight, 3)
	detailWidth := max(m.width*35/100, 20)
	stepsWidth := max(m.width-detailWidth, 20)

	m.steps.SetSize(stepsWidth, topHeight)
	m.detail.SetSize(detailWidth, topHeight)
	m.log.SetSize(m.width, bottomHeight)
	m.statusBar.SetWidth(m.width)

	top := lipgloss.JoinHorizontal(lipgloss.Top, m.steps.View(), m.detail.View())

	status := m.statusBar.View()
	if m.done {
		status += " " + m.outcomeLabel() + PendingStyle.Render("  q to quit")
	}

	var b strings.Builder
	b.WriteString(top)
	b.WriteString("\n")
	b.WriteString(m.log.View())
	b.WriteString("\n")
	b.WriteString(status)
	return b.String()
}

func (m AppModel) outcomeLabel() string {
	switch {
	case errors.Is(m.err, engine.ErrPaused):
		return RetryingStyle.Render("PAUSED")
	case m.result != nil && m.result.Status == engine.StatusCancelled:
		return FailedStyle.Render("CANCELLED")
	case m.err != nil:
		return FailedStyle.Render(fmt.Sprintf("FAILED: %v", m.err))
	case m.steps.Counts()[StepFailed] > 0:
		return RetryingStyle.Render("DONE WITH FAILURES")
	default:
		return SucceededStyle.Render("DONE")
	}
}
