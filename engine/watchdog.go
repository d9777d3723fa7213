// ABOUTME: Background watchdog that flags steps running longer than a stall threshold.
// ABOUTME: Purely observational: it emits step.stalled events and never cancels a step.
package engine

import (
	"context"
	"sync"
	"time"
)

// WatchdogConfig holds configuration for stall detection.
type WatchdogConfig struct {
	StallTimeout  time.Duration
	CheckInterval time.Duration
}

// DefaultWatchdogConfig warns after five minutes, checking every ten seconds.
func DefaultWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		StallTimeout:  5 * time.Minute,
		CheckInterval: 10 * time.Second,
	}
}

// Watchdog tracks in-flight steps from engine events.
type Watchdog struct {
	config WatchdogConfig
	emit   func(Event)
	now    func() time.Time

	mu     sync.Mutex
	active map[string]activeStep
	warned map[string]bool
}

type activeStep struct {
	runID   string
	started time.Time
}

// NewWatchdog creates a watchdog that reports stalls through emit.
func NewWatchdog(cfg WatchdogConfig, emit func(Event)) *Watchdog {
	return &Watchdog{
		config: cfg,
		emit:   emit,
		now:    time.Now,
		active: make(map[string]activeStep),
		warned: make(map[string]bool),
	}
}

// Start runs the check loop until ctx is done.
func (w *Watchdog) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.config.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.check()
			}
		}
	}()
}

// HandleEvent tracks step start and finish; it matches EngineConfig.EventHandler.
func (w *Watchdog) HandleEvent(evt Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch evt.Type {
	case EventStepStarted:
		w.active[evt.StepID] = activeStep{runID: evt.RunID, started: w.now()}
		delete(w.warned, evt.StepID)
	case EventStepCompleted, EventStepFailed:
		delete(w.active, evt.StepID)
		delete(w.warned, evt.StepID)
	case EventRunCompleted, EventRunCancelled, EventRunPaused:
		clear(w.active)
		clear(w.warned)
	}
}

// ActiveSteps returns the ids currently tracked, in no particular order.
func (w *Watchdog) ActiveSteps() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.active))
	for id := range w.active {
		ids = append(ids, id)
	}
	return ids
}

// check warns once per step start for steps past the stall threshold.
// Events are emitted outside the lock so handlers may call back in.
func (w *Watchdog) check() {
	w.mu.Lock()
	now := w.now()
	var stalled []Event
	for id, a := range w.active {
		if w.warned[id] {
			continue
		}
		if elapsed := now.Sub(a.started); elapsed > w.config.StallTimeout {
			w.warned[id] = true
			stalled = append(stalled, Event{
				Type:      EventStepStalled,
				RunID:     a.runID,
				StepID:    id,
				Timestamp: now,
				Data: map[string]any{
					"elapsed":       elapsed.String(),
					"stall_timeout": w.config.StallTimeout.String(),
				},
			})
		}
	}
	w.mu.Unlock()

	if w.emit == nil {
		return
	}
	for _, evt := range stalled {
		w.emit(evt)
	}
}
