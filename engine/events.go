// ABOUTME: Engine lifecycle events delivered to EngineConfig.EventHandler.
// ABOUTME: Consumed by the watchdog, progress log, HTTP event stream and TUI.
package engine

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of engine lifecycle event.
type EventType string

const (
	EventRunStarted      EventType = "run.started"
	EventRunCompleted    EventType = "run.completed"
	EventRunCancelled    EventType = "run.cancelled"
	EventRunPaused       EventType = "run.paused"
	EventStepDispatched  EventType = "step.dispatched"
	EventStepStarted     EventType = "step.started"
	EventStepCompleted   EventType = "step.completed"
	EventStepFailed      EventType = "step.failed"
	EventStepRetrying    EventType = "step.retrying"
	EventStepSkipped     EventType = "step.skipped"
	EventStepUnknown     EventType = "step.unknown"
	EventStepStalled     EventType = "step.stalled"
	EventCircuitOpened   EventType = "circuit.opened"
	EventCheckpointSaved EventType = "checkpoint.saved"
)

// Event is a single lifecycle notification.
type Event struct {
	Type      EventType      `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	StepID    string         `json:"step_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Terminal reports whether the event ends a run.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventRunCompleted, EventRunCancelled, EventRunPaused:
		return true
	}
	return false
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// emitter stamps and forwards events.
type emitter struct {
	runID   string
	handler func(Event)
	now     func() time.Time
}

func (em emitter) emit(typ EventType, stepID string, data map[string]any) {
	if em.handler == nil {
		return
	}
	em.handler(Event{Type: typ, RunID: em.runID, StepID: stepID, Data: data, Timestamp: em.now()})
}
