// ABOUTME: Bridge from the engine to the Bubble Tea message loop.
// ABOUTME: EventBridge forwards events; RunCmd and TickCmd are the tea.Cmd factories the app uses.
package tui

import (
	"context"
	"time"

	"github.com/2389-research/planrun/engine"
	tea "github.com/charmbracelet/bubbletea"
)

// RunFunc starts or resumes a run; the TUI does not care which.
type RunFunc func(ctx context.Context) (*engine.RunResult, error)

// EventBridge forwards engine events into a tea.Program.
type EventBridge struct {
	send func(msg tea.Msg)
}

// NewEventBridge wraps send, typically program.Send.
func NewEventBridge(send func(msg tea.Msg)) *EventBridge {
	return &EventBridge{send: send}
}

// HandleEvent matches engine.EngineConfig.EventHandler.
func (b *EventBridge) HandleEvent(evt engine.Event) {
	b.send(EventMsg{Event: evt})
}

// RunCmd runs fn and reports its outcome as a RunResultMsg.
func RunCmd(ctx context.Context, fn RunFunc) tea.Cmd {
	return func() tea.Msg {
		result, err := fn(ctx)
		return RunResultMsg{Result: result, Err: err}
	}
}

// TickCmd sends a TickMsg after interval.
func TickCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return TickMsg{Time: t}
	})
}
