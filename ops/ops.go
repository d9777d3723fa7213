// ABOUTME: Built-in operations shipped with planrun: shell, echo and sleep.
// ABOUTME: Register installs them on a registry; all are transferable to the isolation worker.
package ops

import (
	"fmt"

	"github.com/2389-research/planrun/engine"
)

// Register installs the built-in operations. Shell prefers process isolation
// so a runaway command is killed at its step timeout.
func Register(reg *engine.Registry) {
	reg.Register(engine.KindShell, &ShellHandler{}, engine.WithIsolation(true))
	reg.Register(engine.KindEcho, EchoHandler{})
	reg.Register(engine.KindSleep, SleepHandler{})
}

// outputKey is where a step's result lands: params.output, else the step id.
func outputKey(in *engine.Input) string {
	if key, ok := in.Step.Params["output"].(string); ok && key != "" {
		return key
	}
	return in.Step.ID
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("param %q must be a string, got %T", key, v)
	}
	return s, nil
}

func floatParam(params map[string]any, key string) (float64, error) {
	switch v := params[key].(type) {
	case nil:
		return 0, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	default:
		return 0, fmt.Errorf("param %q must be a number, got %T", key, v)
	}
}
