// ABOUTME: Hard-timeout runner: bounds a handler call by isolating it in a worker process or a timed goroutine wait.
// ABOUTME: Deadline breaches surface as *HardTimeoutError, distinct from errors the handler returns.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/2389-research/planrun/internal/log"
)

var (
	// ErrNotTransferable means a call cannot be shipped to an isolated worker.
	ErrNotTransferable = errors.New("engine: call is not transferable to an isolated worker")
	// ErrIsolationUnavailable means the isolated worker could not be started.
	ErrIsolationUnavailable = errors.New("engine: isolated worker unavailable")
)

// HardTimeoutError reports a call that exceeded its hard timeout.
type HardTimeoutError struct {
	Operation OperationKind
	StepID    string
	Timeout   time.Duration
	// Isolated is true when the call ran in a worker process that was killed.
	Isolated bool
}

func (e *HardTimeoutError) Error() string {
	where := "in-process"
	if e.Isolated {
		where = "isolated"
	}
	if e.StepID == "" {
		return fmt.Sprintf("hard timeout after %s (%s)", e.Timeout, where)
	}
	return fmt.Sprintf("step %q (%s) hit hard timeout after %s (%s)", e.StepID, e.Operation, e.Timeout, where)
}

// Call is a single handler invocation.
type Call struct {
	Kind    OperationKind
	Handler Handler
	Input   *Input
}

// Isolator runs a call in a separate process. Invoke must stop the worker
// when ctx is done, and must return an error wrapping ErrNotTransferable or
// ErrIsolationUnavailable when the call could not be isolated at all.
type Isolator interface {
	Invoke(ctx context.Context, kind OperationKind, in *Input) (Delta, error)
}

// TimeoutRunner enforces hard timeouts on handler calls.
type TimeoutRunner struct {
	Isolator Isolator
	Logger   *log.Logger
}

// Run executes call. A non-positive timeout runs the handler directly. With
// preferIsolation and a configured Isolator the call goes to a worker process
// that is killed at the deadline; when that is impossible the runner falls
// back to a timed wait, which stops waiting at the deadline but cannot stop
// the handler goroutine if it ignores its context.
func (r *TimeoutRunner) Run(ctx context.Context, call Call, timeout time.Duration, preferIsolation bool) (Delta, error) {
	if timeout <= 0 {
		return safeExecute(ctx, call)
	}

	if preferIsolation && r != nil && r.Isolator != nil {
		delta, err := r.runIsolated(ctx, call, timeout)
		if !errors.Is(err, ErrNotTransferable) && !errors.Is(err, ErrIsolationUnavailable) {
			return delta, err
		}
		log.OrNop(r.Logger).Debug("isolation unavailable, using timed wait",
			"step_id", call.Input.Step.ID, "op", string(call.Kind), "reason", err.Error())
	}

	delta, err := RunWithTimeout(ctx, func(ctx context.Context) (Delta, error) {
		return safeExecute(ctx, call)
	}, timeout)
	var hte *HardTimeoutError
	if errors.As(err, &hte) {
		hte.Operation = call.Kind
		hte.StepID = call.Input.Step.ID
	}
	return delta, err
}

func (r *TimeoutRunner) runIsolated(ctx context.Context, call Call, timeout time.Duration) (Delta, error) {
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	delta, err := r.Isolator.Invoke(ictx, call.Kind, call.Input)
	if err == nil {
		return delta, nil
	}
	if ctx.Err() == nil && errors.Is(ictx.Err(), context.DeadlineExceeded) {
		return nil, &HardTimeoutError{Operation: call.Kind, StepID: call.Input.Step.ID, Timeout: timeout, Isolated: true}
	}
	return nil, err
}

// RunWithTimeout runs fn on its own goroutine and waits at most timeout for it.
// fn's context is cancelled at the deadline.
func RunWithTimeout(ctx context.Context, fn Func, timeout time.Duration) (Delta, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		delta Delta
		err   error
	}
	done := make(chan result, 1)
	go func() {
		delta, err := fn(tctx)
		done <- result{delta, err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return nil, &HardTimeoutError{Timeout: timeout}
		}
		return res.delta, res.err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// A call that finished right at the deadline still counts.
		select {
		case res := <-done:
			if res.err == nil {
				return res.delta, nil
			}
		default:
		}
		return nil, &HardTimeoutError{Timeout: timeout}
	}
}

// safeExecute calls the handler, converting a panic into an error.
func safeExecute(ctx context.Context, call Call) (delta Delta, err error) {
	defer func() {
		if r := recover(); r != nil {
			id := ""
			if call.Input != nil {
				id = call.Input.Step.ID
			}
			err = fmt.Errorf("handler panic in step %q: %v\n%s", id, r, debug.Stack())
			delta = nil
		}
	}()
	return call.Handler.Execute(ctx, call.Input)
}
