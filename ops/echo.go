// ABOUTME: Echo operation: copies a step's params into results, optionally failing on demand.
// ABOUTME: Useful for plan smoke tests and for exercising retries and breakers.
package ops

import (
	"context"
	"errors"
	"maps"

	"github.com/2389-research/planrun/engine"
)

// EchoHandler returns the step's params as its result.
type EchoHandler struct{}

// Execute copies params (minus control keys) under the output key. A string
// params.fail makes the step fail with that message.
func (EchoHandler) Execute(ctx context.Context, in *engine.Input) (engine.Delta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if msg, ok := in.Step.Params["fail"].(string); ok && msg != "" {
		return nil, errors.New(msg)
	}
	value := maps.Clone(in.Step.Params)
	delete(value, "output")
	delete(value, "fail")
	if value == nil {
		value = map[string]any{}
	}
	return engine.Delta{outputKey(in): value}, nil
}
