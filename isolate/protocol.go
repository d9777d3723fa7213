// ABOUTME: Wire protocol between the engine and an isolated worker process: one JSON request in, one response out.
// ABOUTME: Handler errors travel in the response; only protocol failures are process-level errors.
package isolate

import "github.com/2389-research/planrun/engine"

// EnvWorker is set in the worker's environment so a re-executed binary knows its role.
const EnvWorker = "PLANRUN_ISOLATED_WORKER"

// Request asks the worker to run one operation.
type Request struct {
	Kind  engine.OperationKind `json:"kind"`
	Input *engine.Input        `json:"input"`
}

// Response carries the handler's delta or error.
type Response struct {
	Delta     engine.Delta `json:"delta,omitempty"`
	Error     string       `json:"error,omitempty"`
	Permanent bool         `json:"permanent,omitempty"`
}

// WorkerError is a handler error reported by the worker.
type WorkerError struct {
	Kind    engine.OperationKind
	Message string
}

func (e *WorkerError) Error() string {
	return string(e.Kind) + ": " + e.Message
}
