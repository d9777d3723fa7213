// ABOUTME: Fans engine events out to the watchdog, progress log, log lines and the TUI bridge.
package main

import (
	"context"
	"sync"

	"github.com/2389-research/planrun/engine"
	"github.com/2389-research/planrun/internal/log"
)

// observers owns every event consumer attached to one run.
type observers struct {
	mu       sync.RWMutex
	handlers []func(engine.Event)
	watchdog *engine.Watchdog
	progress *engine.ProgressLogger
	stop     context.CancelFunc
}

func (a *app) observers(ctx context.Context, f *runFlags, logger *log.Logger) (*observers, error) {
	o := &observers{}
	o.Add(logEvent(logger))

	dir := f.progressDir
	if dir == "" {
		dir = a.cfg.ProgressDir
	}
	if dir != "" {
		p, err := engine.NewProgressLogger(dir, logger)
		if err != nil {
			return nil, err
		}
		o.progress = p
		o.Add(p.HandleEvent)
	}

	if a.cfg.Watchdog.StallTimeout > 0 {
		wctx, stop := context.WithCancel(ctx)
		o.stop = stop
		o.watchdog = engine.NewWatchdog(engine.WatchdogConfig{
			StallTimeout:  a.cfg.Watchdog.StallTimeout,
			CheckInterval: a.cfg.Watchdog.CheckInterval,
		}, o.notify)
		o.watchdog.Start(wctx)
	}
	return o, nil
}

// Add attaches another handler.
func (o *observers) Add(h func(engine.Event)) {
	o.mu.Lock()
	o.handlers = append(o.handlers, h)
	o.mu.Unlock()
}

// HandleEvent is installed as the engine's event handler.
func (o *observers) HandleEvent(evt engine.Event) {
	if o.watchdog != nil {
		o.watchdog.HandleEvent(evt)
	}
	o.notify(evt)
}

func (o *observers) notify(evt engine.Event) {
	o.mu.RLock()
	handlers := o.handlers
	o.mu.RUnlock()
	for _, h := range handlers {
		h(evt)
	}
}

// Close stops the watchdog and flushes the progress log.
func (o *observers) Close() error {
	if o.stop != nil {
		o.stop()
	}
	if o.progress != nil {
		return o.progress.Close()
	}
	return nil
}

// logEvent turns step events into log lines.
func logEvent(logger *log.Logger) func(engine.Event) {
	return func(evt engine.Event) {
		l := logger
		if evt.StepID != "" {
			l = l.With("step_id", evt.StepID)
		}
		args := make([]any, 0, 2*len(evt.Data))
		for k, v := range evt.Data {
			args = append(args, k, v)
		}
		switch evt.Type {
		case engine.EventStepFailed, engine.EventStepRetrying, engine.EventStepSkipped,
			engine.EventStepStalled, engine.EventCircuitOpened, engine.EventStepUnknown:
			l.Warn(string(evt.Type), args...)
		case engine.EventStepStarted, engine.EventStepCompleted, engine.EventRunStarted, engine.EventRunCompleted:
			l.Info(string(evt.Type), args...)
		default:
			l.Debug(string(evt.Type), args...)
		}
	}
}
