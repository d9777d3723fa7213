// ABOUTME: Engine loop: seeds state, alternates Dispatcher and NodeWrapper until the plan is exhausted.
// ABOUTME: Supports cancellation, pause markers, automatic checkpoints and resume from a snapshot.
package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389-research/planrun/internal/log"
)

// ErrPaused is returned with a valid result when a run halts at a pause marker.
var ErrPaused = errors.New("engine: run paused")

// RunStatus is the final status of a run.
type RunStatus string

const (
	StatusCompleted RunStatus = "completed"
	StatusPaused    RunStatus = "paused"
	StatusCancelled RunStatus = "cancelled"
)

// EngineConfig holds configuration for the engine.
type EngineConfig struct {
	Registry        *Registry      // required
	Isolator        Isolator       // nil = timed goroutine waits only
	PreferIsolation bool           // isolate every timed step
	Breaker         BreakerOptions // failure counter behaviour
	DefaultRetry    RetryPolicy    // for kinds registered without a default
	Checkpointer    Checkpointer   // nil = no snapshots
	EventHandler    func(Event)    // optional event callback
	Logger          *log.Logger
	Metrics         *Metrics
	Tracer          trace.Tracer
	Clock           func() time.Time
	Sleep           func(ctx context.Context, d time.Duration) error
}

// RunOptions tune a single run.
type RunOptions struct {
	RunID string // empty = generated
	// PauseBefore lists step ids the loop halts in front of.
	PauseBefore []string
	// CheckpointEvery saves a snapshot after each step.
	CheckpointEvery bool
}

// RunResult is the final state of a run.
type RunResult struct {
	RunID   string
	Status  RunStatus
	State   *ExecutionState
	Results map[string]any
	// Checkpoint is the token of the last snapshot saved, if any.
	Checkpoint string
}

// Failed lists steps whose final outcome was a failure, in completion order.
func (r *RunResult) Failed() []string {
	var out []string
	for _, id := range r.State.CompletedIDs {
		if _, ok := r.State.LastErrors[id]; ok && !r.State.IsSkipped(id) {
			out = append(out, id)
		}
	}
	return out
}

// Skipped lists steps auto-completed behind an open circuit.
func (r *RunResult) Skipped() []string {
	return append([]string(nil), r.State.SkippedIDs...)
}

// Succeeded lists steps whose handler returned without error.
func (r *RunResult) Succeeded() []string {
	var out []string
	for _, id := range r.State.CompletedIDs {
		if _, failed := r.State.LastErrors[id]; failed || r.State.IsSkipped(id) || isUnknown(r.State, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func isUnknown(s *ExecutionState, id string) bool {
	for _, u := range s.UnknownIDs {
		if u == id {
			return true
		}
	}
	return false
}

// Engine runs plans.
type Engine struct {
	config     EngineConfig
	dispatcher *Dispatcher
	logger     *log.Logger
	tracer     trace.Tracer
}

// NewEngine creates an engine. A nil Registry gets an empty one, so every step resolves as unknown.
func NewEngine(config EngineConfig) *Engine {
	if config.Registry == nil {
		config.Registry = NewRegistry()
	}
	if config.DefaultRetry.BackoffBase == 0 && config.DefaultRetry.BackoffFactor == 0 {
		config.DefaultRetry = DefaultRetryPolicy()
	}
	tracer := config.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Engine{
		config:     config,
		dispatcher: NewDispatcher(config.Registry),
		logger:     log.OrNop(config.Logger),
		tracer:     tracer,
	}
}

// SetEventHandler replaces the event callback, e.g. to attach a TUI after construction.
func (e *Engine) SetEventHandler(h func(Event)) {
	e.config.EventHandler = h
}

// Registry returns the engine's operation registry.
func (e *Engine) Registry() *Registry {
	return e.config.Registry
}

func (e *Engine) now() time.Time {
	if e.config.Clock != nil {
		return e.config.Clock()
	}
	return time.Now()
}

// Run executes plan from a fresh state. Failed steps never make Run return
// an error; only cancellation, a pause marker (ErrPaused, with a valid
// result) and checkpoint failures at a pause do.
func (e *Engine) Run(ctx context.Context, plan *Plan, opts RunOptions) (*RunResult, error) {
	runID := opts.RunID
	if runID == "" {
		runID = NewRunID()
	}
	state := seedState(plan, runID)
	return e.execute(ctx, plan, state, make(map[string]any), opts)
}

// seedState loads the plan into a fresh execution state.
func seedState(plan *Plan, runID string) *ExecutionState {
	state := NewExecutionState()
	state.RunID = runID
	state.PlanID = plan.ID
	return state
}

// Resume loads the snapshot saved under token and continues it. A nil plan
// uses the plan stored in the snapshot; otherwise its digest must match.
func (e *Engine) Resume(ctx context.Context, plan *Plan, token string, opts RunOptions) (*RunResult, error) {
	if e.config.Checkpointer == nil {
		return nil, fmt.Errorf("engine: resume %s: no checkpointer configured", token)
	}
	snap, err := e.config.Checkpointer.Load(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("engine: resume %s: %w", token, err)
	}
	return e.ResumeFrom(ctx, plan, snap, opts)
}

// ResumeFrom continues a run from snap. The step the run paused before is allowed to run.
func (e *Engine) ResumeFrom(ctx context.Context, plan *Plan, snap *Snapshot, opts RunOptions) (*RunResult, error) {
	if plan == nil {
		plan = snap.Plan
	}
	if plan == nil {
		return nil, fmt.Errorf("engine: snapshot for run %s carries no plan", snap.RunID)
	}
	if snap.PlanDigest != "" && plan.Digest() != snap.PlanDigest {
		return nil, ErrPlanMismatch
	}

	state := snap.State.Clone()
	if state == nil {
		state = NewExecutionState()
	}
	if state.RunID == "" {
		state.RunID = snap.RunID
	}
	// A paused state may carry a stale terminal marker from a prior dispatch.
	state.CurrentOpKey = ""
	results := maps.Clone(snap.Results)
	if results == nil {
		results = make(map[string]any)
	}
	opts.RunID = state.RunID
	return e.execute(ctx, plan, state, results, opts)
}

func (e *Engine) execute(ctx context.Context, plan *Plan, state *ExecutionState, results map[string]any, opts RunOptions) (*RunResult, error) {
	em := emitter{runID: state.RunID, handler: e.config.EventHandler, now: e.now}
	logger := e.logger.With("run_id", state.RunID)
	result := &RunResult{RunID: state.RunID, State: state, Results: results}

	ctx, span := e.tracer.Start(ctx, "planrun.run", trace.WithAttributes(
		attribute.String("planrun.run_id", state.RunID),
		attribute.String("planrun.plan_id", plan.ID),
		attribute.Int("planrun.steps", len(plan.Steps)),
	))
	defer span.End()

	wrapper := &NodeWrapper{
		Registry:        e.config.Registry,
		Runner:          &TimeoutRunner{Isolator: e.config.Isolator, Logger: e.logger},
		Breaker:         e.config.Breaker,
		DefaultRetry:    e.config.DefaultRetry,
		PreferIsolation: e.config.PreferIsolation,
		Clock:           e.config.Clock,
		Sleep:           e.config.Sleep,
		EventHandler:    e.config.EventHandler,
		Logger:          e.logger,
		Metrics:         e.config.Metrics,
		Tracer:          e.tracer,
	}

	pauseAt := make(map[string]bool, len(opts.PauseBefore))
	for _, id := range opts.PauseBefore {
		pauseAt[id] = true
	}
	released := state.PausedBefore
	state.PausedBefore = ""

	logger.Info("run started", "steps", len(plan.Steps), "completed", len(state.CompletedIDs))
	em.emit(EventRunStarted, "", map[string]any{
		"plan_id":   plan.ID,
		"steps":     len(plan.Steps),
		"completed": len(state.CompletedIDs),
		"resumed":   len(state.CompletedIDs) > 0,
	})

	// Every pass either completes a step or ends the run, so the loop is bounded.
	for cycle := 0; cycle <= len(plan.Steps); cycle++ {
		if err := ctx.Err(); err != nil {
			return e.cancelled(ctx, plan, result, em, span, err)
		}

		skippedBefore := len(state.SkippedIDs)
		e.dispatcher.Dispatch(plan, state, e.now())
		for _, id := range state.SkippedIDs[skippedBefore:] {
			step, _ := plan.Step(id)
			kind, _ := e.config.Registry.Resolve(step.Operation)
			logger.Warn("step skipped, circuit open", "step_id", id)
			em.emit(EventStepSkipped, id, map[string]any{"op": string(kind), "reason": "circuit open"})
			e.config.Metrics.stepFinished(kind, OutcomeSkipped, 0)
		}
		if state.Done() {
			break
		}

		stepID := state.CurrentStepID
		if pauseAt[stepID] && stepID != released {
			return e.pause(ctx, plan, result, em, span, stepID)
		}

		em.emit(EventStepDispatched, stepID, map[string]any{"op": state.CurrentOp, "op_key": state.CurrentOpKey})
		if _, err := wrapper.Run(ctx, plan, state, results, stepID); err != nil {
			if ctx.Err() != nil {
				return e.cancelled(ctx, plan, result, em, span, ctx.Err())
			}
			span.RecordError(err)
			return result, err
		}

		if opts.CheckpointEvery && e.config.Checkpointer != nil {
			token, err := e.save(ctx, plan, state, results, em)
			if err != nil {
				logger.Warn("checkpoint save failed", "error", err.Error())
			} else {
				result.Checkpoint = token
			}
		}
	}

	if !state.Done() {
		err := fmt.Errorf("engine: run %s did not terminate within %d cycles", state.RunID, len(plan.Steps)+1)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	result.Status = StatusCompleted
	failed := len(result.Failed())
	logger.Info("run completed", "completed", len(state.CompletedIDs), "failed", failed, "skipped", len(state.SkippedIDs))
	em.emit(EventRunCompleted, "", map[string]any{
		"completed": len(state.CompletedIDs),
		"failed":    failed,
		"skipped":   len(state.SkippedIDs),
	})
	e.config.Metrics.runFinished(StatusCompleted)
	return result, nil
}

func (e *Engine) pause(ctx context.Context, plan *Plan, result *RunResult, em emitter, span trace.Span, stepID string) (*RunResult, error) {
	state := result.State
	state.PausedBefore = stepID
	result.Status = StatusPaused

	if e.config.Checkpointer != nil {
		token, err := e.save(ctx, plan, state, result.Results, em)
		if err != nil {
			span.RecordError(err)
			return result, fmt.Errorf("engine: pause before %q: %w", stepID, err)
		}
		result.Checkpoint = token
	}

	e.logger.Info("run paused", "run_id", state.RunID, "step_id", stepID, "checkpoint", result.Checkpoint)
	em.emit(EventRunPaused, stepID, map[string]any{"checkpoint": result.Checkpoint})
	e.config.Metrics.runFinished(StatusPaused)
	span.SetAttributes(attribute.String("planrun.paused_before", stepID))
	return result, ErrPaused
}

func (e *Engine) cancelled(ctx context.Context, plan *Plan, result *RunResult, em emitter, span trace.Span, cause error) (*RunResult, error) {
	result.Status = StatusCancelled
	if e.config.Checkpointer != nil {
		// The run context is already done; the final snapshot still needs to land.
		if token, err := e.save(context.WithoutCancel(ctx), plan, result.State, result.Results, em); err == nil {
			result.Checkpoint = token
		} else {
			e.logger.Warn("checkpoint on cancel failed", "run_id", result.RunID, "error", err.Error())
		}
	}
	e.logger.Warn("run cancelled", "run_id", result.RunID, "completed", len(result.State.CompletedIDs))
	em.emit(EventRunCancelled, "", map[string]any{"error": cause.Error(), "checkpoint": result.Checkpoint})
	e.config.Metrics.runFinished(StatusCancelled)
	span.SetStatus(codes.Error, "cancelled")
	return result, cause
}

func (e *Engine) save(ctx context.Context, plan *Plan, state *ExecutionState, results map[string]any, em emitter) (string, error) {
	snap := NewSnapshot(plan, state, results, e.now())
	token, err := e.config.Checkpointer.Save(ctx, snap)
	if err != nil {
		return "", err
	}
	em.emit(EventCheckpointSaved, state.CurrentStepID, map[string]any{"token": token})
	e.config.Metrics.checkpointSaved()
	return token, nil
}
