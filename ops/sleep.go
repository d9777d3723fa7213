// ABOUTME: Sleep operation: waits params.seconds, returning early when the context is cancelled.
package ops

import (
	"context"
	"time"

	"github.com/2389-research/planrun/engine"
)

// SleepHandler pauses for a configured duration.
type SleepHandler struct{}

// Execute waits params.seconds (default 1).
func (SleepHandler) Execute(ctx context.Context, in *engine.Input) (engine.Delta, error) {
	seconds, err := floatParam(in.Step.Params, "seconds")
	if err != nil {
		return nil, engine.Permanent(err)
	}
	if _, set := in.Step.Params["seconds"]; !set {
		seconds = 1
	}
	d := time.Duration(seconds * float64(time.Second))

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return engine.Delta{outputKey(in): map[string]any{"slept_ms": d.Milliseconds()}}, nil
	}
}
