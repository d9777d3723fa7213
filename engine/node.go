// ABOUTME: Node wrapper running one step: resolve handler, retry around the hard-timeout runner, record the outcome.
// ABOUTME: Handler errors are absorbed into breaker counters; only cancellation escapes as an error.
package engine

import (
	"context"
	"fmt"
	"maps"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389-research/planrun/internal/log"
)

const tracerName = "github.com/2389-research/planrun/engine"

// StepOutcome is how a wrapped step finished.
type StepOutcome string

const (
	OutcomeSucceeded StepOutcome = "succeeded"
	OutcomeFailed    StepOutcome = "failed"
	OutcomeSkipped   StepOutcome = "skipped"
	OutcomeUnknown   StepOutcome = "unknown"
)

// NodeWrapper executes single steps against an ExecutionState.
type NodeWrapper struct {
	Registry *Registry
	Runner   *TimeoutRunner
	Breaker  BreakerOptions
	// DefaultRetry applies to kinds registered without WithDefaultRetry.
	DefaultRetry RetryPolicy
	// PreferIsolation isolates every timed step, not only kinds registered WithIsolation.
	PreferIsolation bool

	Clock        func() time.Time
	Sleep        func(ctx context.Context, d time.Duration) error
	EventHandler func(Event)
	Logger       *log.Logger
	Metrics      *Metrics
	Tracer       trace.Tracer
}

func (w *NodeWrapper) now() time.Time {
	if w.Clock != nil {
		return w.Clock()
	}
	return time.Now()
}

// Run executes stepID once. On success the handler's delta is merged into
// results and the step is recorded complete; on final failure the breaker
// counters are updated and the step is completed without merging. The
// returned error is non-nil only when ctx was cancelled before the step
// finished, in which case state is left as it was before the call.
func (w *NodeWrapper) Run(ctx context.Context, plan *Plan, state *ExecutionState, results map[string]any, stepID string) (StepOutcome, error) {
	state.ensure()
	step, ok := plan.Step(stepID)
	if !ok {
		return "", fmt.Errorf("engine: step %q not in plan", stepID)
	}

	em := emitter{runID: state.RunID, handler: w.EventHandler, now: w.now}
	logger := log.OrNop(w.Logger).With("run_id", state.RunID, "step_id", step.ID, "op", step.Operation)

	kind, handler := w.Registry.Resolve(step.Operation)
	if kind == KindUnknown {
		state.markUnknown(step.ID)
		logger.Warn("no operation registered, step completed as no-op")
		em.emit(EventStepUnknown, step.ID, map[string]any{"op": step.Operation})
		w.Metrics.stepFinished(kind, OutcomeUnknown, 0)
		return OutcomeUnknown, nil
	}

	tracer := w.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	ctx, span := tracer.Start(ctx, "planrun.step", trace.WithAttributes(
		attribute.String("planrun.run_id", state.RunID),
		attribute.String("planrun.step_id", step.ID),
		attribute.String("planrun.operation", string(kind)),
	))
	defer span.End()

	reg, _ := w.Registry.entry(kind)
	policy := w.DefaultRetry
	if reg.defaultRetry != nil {
		policy = *reg.defaultRetry
	}
	if policy.Sleep == nil {
		policy.Sleep = w.Sleep
	}
	userOnRetry := policy.OnRetry
	attempts := 1
	policy.OnRetry = func(err error, attempt int) {
		attempts = attempt + 1
		logger.Warn("retrying step", "attempt", attempt, "error", err.Error())
		em.emit(EventStepRetrying, step.ID, map[string]any{"attempt": attempt, "error": err.Error()})
		w.Metrics.retried(kind)
		if userOnRetry != nil {
			userOnRetry(err, attempt)
		}
	}

	callCtx := ctx
	if step.RetryPolicy != nil {
		callCtx = WithRetryOverride(ctx, RetryOverride{
			MaxRetries:    step.RetryPolicy.MaxRetries,
			BackoffFactor: step.RetryPolicy.BackoffSeconds,
			Jitter:        step.RetryPolicy.Jitter,
		})
	}

	isolate := w.PreferIsolation || reg.isolate
	// Each attempt gets its own Input: a timed-out attempt may still be running.
	attempt := func(ctx context.Context) (Delta, error) {
		call := Call{
			Kind:    kind,
			Handler: handler,
			Input: &Input{
				RunID:   state.RunID,
				Step:    step,
				Plan:    plan,
				State:   state.Clone(),
				Results: maps.Clone(results),
			},
		}
		return w.Runner.Run(ctx, call, step.Timeout(), isolate)
	}

	em.emit(EventStepStarted, step.ID, map[string]any{"op": string(kind)})
	logger.Debug("step started", "timeout", step.Timeout().String(), "isolate", isolate)
	started := time.Now()
	delta, err := WithRetry(attempt, policy)(callCtx)
	elapsed := time.Since(started)

	if err != nil && ctx.Err() != nil {
		span.SetStatus(codes.Error, "cancelled")
		return "", ctx.Err()
	}

	span.SetAttributes(attribute.Int("planrun.attempts", attempts))
	if err != nil {
		trip := RecordFailure(state, step.ID, string(kind), step.CircuitBreaker, w.now(), w.Breaker)
		state.markCompleted(step.ID)
		state.LastErrors[step.ID] = err.Error()

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("step failed", "attempts", attempts, "error", err.Error(),
			"failure_count", state.FailureCounts[step.ID])
		em.emit(EventStepFailed, step.ID, map[string]any{
			"error":         err.Error(),
			"attempts":      attempts,
			"failure_count": state.FailureCounts[step.ID],
		})
		w.Metrics.stepFinished(kind, OutcomeFailed, elapsed)
		if trip.Any() {
			data := map[string]any{"step": trip.Step, "operation": trip.Operation, "op": string(kind)}
			if trip.Step {
				data["open_until"] = FromUnixSeconds(state.CircuitOpenUntil[step.ID]).UTC().Format(time.RFC3339)
			}
			logger.Warn("circuit opened", "step_scope", trip.Step, "op_scope", trip.Operation)
			em.emit(EventCircuitOpened, step.ID, data)
			w.Metrics.tripped(trip)
		}
		return OutcomeFailed, nil
	}

	maps.Copy(results, delta)
	RecordSuccess(state, step.ID)
	span.SetStatus(codes.Ok, "")
	logger.Info("step completed", "attempts", attempts, "duration", elapsed.String())
	em.emit(EventStepCompleted, step.ID, map[string]any{
		"attempts":    attempts,
		"duration_ms": elapsed.Milliseconds(),
		"keys":        len(delta),
	})
	w.Metrics.stepFinished(kind, OutcomeSucceeded, elapsed)
	return OutcomeSucceeded, nil
}
