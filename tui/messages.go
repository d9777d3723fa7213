// ABOUTME: Bubble Tea message types carrying engine events and run results into the TUI loop.
package tui

import (
	"time"

	"github.com/2389-research/planrun/engine"
)

// EventMsg wraps an engine event.
type EventMsg struct {
	Event engine.Event
}

// RunResultMsg signals that the run stopped.
type RunResultMsg struct {
	Result *engine.RunResult
	Err    error
}

// TickMsg drives spinners and elapsed timers.
type TickMsg struct {
	Time time.Time
}
