// ABOUTME: Tests for the engine run loop: ordering, retries, breakers, pause, resume and cancellation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func scenarioRegistry() *Registry {
	reg := NewRegistry()
	reg.Register(KindCollect, okHandler("collected"))
	reg.Register(KindAnalyze, okHandler("analyzed"))
	reg.Register(KindReport, okHandler("reported"))
	return reg
}

func newTestEngine(reg *Registry, clock *fakeClock, rec *eventRecorder, cp Checkpointer) *Engine {
	return NewEngine(EngineConfig{
		Registry:     reg,
		Clock:        clock.Now,
		Sleep:        (&recordingSleeper{}).Sleep,
		EventHandler: rec.Handle,
		Checkpointer: cp,
	})
}

func TestRunLinearPlanSucceeds(t *testing.T) {
	plan := &Plan{Steps: []Step{
		{ID: "s1", Operation: "collect", DependsOn: []string{}},
		{ID: "s2", Operation: "analyze", DependsOn: []string{"s1"}},
		{ID: "s3", Operation: "report", DependsOn: []string{"s2"}},
	}}
	rec := &eventRecorder{}
	eng := newTestEngine(scenarioRegistry(), newFakeClock(), rec, nil)

	result, err := eng.Run(context.Background(), plan, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !reflect.DeepEqual(result.State.CompletedIDs, []string{"s1", "s2", "s3"}) {
		t.Errorf("completed = %v", result.State.CompletedIDs)
	}
	if len(result.State.SkippedIDs) != 0 {
		t.Errorf("skipped = %v", result.State.SkippedIDs)
	}
	if result.State.CurrentOpKey != EndKey || result.Status != StatusCompleted {
		t.Errorf("op key = %q status = %q", result.State.CurrentOpKey, result.Status)
	}
	if result.Results["collected"] != "s1" || result.Results["reported"] != "s3" {
		t.Errorf("results = %v", result.Results)
	}
	if !reflect.DeepEqual(result.Succeeded(), []string{"s1", "s2", "s3"}) || len(result.Failed()) != 0 {
		t.Errorf("succeeded = %v failed = %v", result.Succeeded(), result.Failed())
	}
	types := rec.Types()
	if types[0] != EventRunStarted || types[len(types)-1] != EventRunCompleted {
		t.Errorf("events = %v", types)
	}
}

func TestRunBreakerOpensAndDependentProceeds(t *testing.T) {
	reg := NewRegistry()
	failing := &countingHandler{always: errBoom}
	reg.Register(KindCollect, failing)
	reg.Register(KindAnalyze, okHandler("analyzed"))
	plan := &Plan{Steps: []Step{
		{ID: "s1", Operation: "collect", DependsOn: []string{},
			CircuitBreaker: CircuitBreaker{FailureThreshold: 1, ResetSeconds: 60}},
		{ID: "s2", Operation: "analyze", DependsOn: []string{"s1"}},
	}}
	clock := newFakeClock()
	eng := newTestEngine(reg, clock, &eventRecorder{}, nil)

	result, err := eng.Run(context.Background(), plan, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	state := result.State
	if !state.IsCompleted("s1") || !state.IsCompleted("s2") {
		t.Fatalf("completed = %v", state.CompletedIDs)
	}
	if until := FromUnixSeconds(state.CircuitOpenUntil["s1"]); !until.After(clock.Now()) {
		t.Errorf("open-until %v not in the future", until)
	}
	if result.Results["analyzed"] != "s2" {
		t.Error("dependent of a failed step should still run")
	}
	if !reflect.DeepEqual(result.Failed(), []string{"s1"}) {
		t.Errorf("failed = %v", result.Failed())
	}
	if failing.Calls() != 1 {
		t.Errorf("calls = %d", failing.Calls())
	}
}

func TestRunOperationScopeWaitsForStepThreshold(t *testing.T) {
	reg := NewRegistry()
	collect := &countingHandler{always: errBoom}
	reg.Register(KindCollect, collect)
	cb := CircuitBreaker{FailureThreshold: 2, ResetSeconds: 300}
	plan := &Plan{Steps: []Step{
		{ID: "c1", Operation: "collect.a", DependsOn: []string{}, CircuitBreaker: cb},
		{ID: "c2", Operation: "collect.b", DependsOn: []string{}, CircuitBreaker: cb},
		{ID: "c3", Operation: "collect.c", DependsOn: []string{}, CircuitBreaker: cb},
	}}
	eng := newTestEngine(reg, newFakeClock(), &eventRecorder{}, nil)

	result, err := eng.Run(context.Background(), plan, RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if collect.Calls() != 3 {
		t.Errorf("handler calls = %d; no step reached its own threshold", collect.Calls())
	}
	if len(result.State.SkippedIDs) != 0 {
		t.Errorf("skipped = %v", result.State.SkippedIDs)
	}
	if n := result.State.FailureCountsOp["collect"]; n != 0 {
		t.Errorf("operation counter = %d, want 0", n)
	}
}

func TestRunThresholdKSkipsNextDispatch(t *testing.T) {
	reg := NewRegistry()
	collect := &countingHandler{always: errBoom}
	reg.Register(KindCollect, collect)
	cb := CircuitBreaker{FailureThreshold: 2, ResetSeconds: 300}
	plan := &Plan{Steps: []Step{
		{ID: "c1", Operation: "collect.a", DependsOn: []string{}, CircuitBreaker: CircuitBreaker{FailureThreshold: 1, ResetSeconds: 300}},
		{ID: "c2", Operation: "collect.b", DependsOn: []string{}, CircuitBreaker: cb},
		{ID: "c3", Operation: "collect.c", DependsOn: []string{}, CircuitBreaker: cb},
	}}
	rec := &eventRecorder{}
	eng := newTestEngine(reg, newFakeClock(), rec, nil)

	result, err := eng.Run(context.Background(), plan, RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if collect.Calls() != 1 {
		t.Errorf("handler calls = %d; c1 tripping must open the operation circuit", collect.Calls())
	}
	if !reflect.DeepEqual(result.State.SkippedIDs, []string{"c2", "c3"}) {
		t.Errorf("skipped = %v", result.State.SkippedIDs)
	}
	if rec.Count(EventStepSkipped) != 2 {
		t.Errorf("events = %v", rec.Types())
	}
}

func TestRunAggregateOperationCounting(t *testing.T) {
	reg := NewRegistry()
	collect := &countingHandler{always: errBoom}
	reg.Register(KindCollect, collect)
	cb := CircuitBreaker{FailureThreshold: 2, ResetSeconds: 300}
	plan := &Plan{Steps: []Step{
		{ID: "c1", Operation: "collect.a", DependsOn: []string{}, CircuitBreaker: cb},
		{ID: "c2", Operation: "collect.b", DependsOn: []string{}, CircuitBreaker: cb},
		{ID: "c3", Operation: "collect.c", DependsOn: []string{}, CircuitBreaker: cb},
	}}
	clock := newFakeClock()
	eng := NewEngine(EngineConfig{
		Registry:     reg,
		Clock:        clock.Now,
		Sleep:        (&recordingSleeper{}).Sleep,
		EventHandler: (&eventRecorder{}).Handle,
		Breaker:      BreakerOptions{AggregateOp: true},
	})

	result, err := eng.Run(context.Background(), plan, RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if collect.Calls() != 2 {
		t.Errorf("handler calls = %d; two failures of the operation should open it", collect.Calls())
	}
	if !reflect.DeepEqual(result.State.SkippedIDs, []string{"c3"}) {
		t.Errorf("skipped = %v", result.State.SkippedIDs)
	}
}

func TestRunThresholdKResumedStepCounter(t *testing.T) {
	reg := NewRegistry()
	h := &countingHandler{always: errBoom}
	reg.Register(KindCollect, h)
	plan := &Plan{Steps: []Step{{ID: "s1", Operation: "collect", DependsOn: []string{},
		CircuitBreaker: CircuitBreaker{FailureThreshold: 3, ResetSeconds: 60}}}}
	clock := newFakeClock()
	state := NewExecutionState()
	state.FailureCounts["s1"] = 2

	w := newTestWrapper(reg, clock, &eventRecorder{})
	w.Run(context.Background(), plan, state, map[string]any{}, "s1")
	if !IsOpen(state, "s1", "", clock.Now()) {
		t.Fatal("third failure should open the step circuit")
	}
	// A fresh attempt at the same step id (e.g. a re-queued run) is skipped, not invoked.
	state.CompletedIDs = nil
	state.CurrentOpKey = ""
	Dispatch(plan, state, clock.Now())
	if !state.IsSkipped("s1") || h.Calls() != 1 {
		t.Errorf("skipped = %v calls = %d", state.SkippedIDs, h.Calls())
	}
}

func TestRunTerminatesWithinPlanSize(t *testing.T) {
	reg := NewRegistry()
	reg.Register(KindEcho, HandlerFunc(func(ctx context.Context, in *Input) (Delta, error) {
		if in.Step.ID[len(in.Step.ID)-1]%2 == 0 {
			return nil, errBoom
		}
		return Delta{in.Step.ID: true}, nil
	}))
	const n = 12
	steps := make([]Step, n)
	for i := range steps {
		steps[i] = Step{ID: fmt.Sprintf("s%02d", i), Operation: "echo", DependsOn: []string{},
			CircuitBreaker: CircuitBreaker{FailureThreshold: 2, ResetSeconds: 10}}
		if i >= 2 {
			steps[i].DependsOn = []string{steps[i-2].ID}
		}
	}
	steps[n-1].DependsOn = []string{"s00", "s05"}
	plan := &Plan{Steps: steps}
	rec := &eventRecorder{}
	eng := newTestEngine(reg, newFakeClock(), rec, nil)

	result, err := eng.Run(context.Background(), plan, RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if dispatched := rec.Count(EventStepDispatched); dispatched > n {
		t.Errorf("dispatched %d steps for a plan of %d", dispatched, n)
	}
	if len(result.State.CompletedIDs) != n {
		t.Errorf("completed %d of %d", len(result.State.CompletedIDs), n)
	}
	seen := map[string]bool{}
	for _, id := range result.State.CompletedIDs {
		if seen[id] {
			t.Errorf("%s completed twice", id)
		}
		seen[id] = true
	}
	for _, id := range result.State.SkippedIDs {
		if !seen[id] {
			t.Errorf("skipped %s is not completed", id)
		}
	}
}

func TestRunCancelledBetweenSteps(t *testing.T) {
	reg := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	reg.Register(KindCollect, HandlerFunc(func(context.Context, *Input) (Delta, error) {
		cancel()
		return Delta{"c": 1}, nil
	}))
	reg.Register(KindReport, okHandler("r"))
	plan := &Plan{Steps: []Step{
		{ID: "s1", Operation: "collect", DependsOn: []string{}},
		{ID: "s2", Operation: "report", DependsOn: []string{"s1"}},
	}}
	cp := NewMemoryCheckpointer()
	rec := &eventRecorder{}
	eng := newTestEngine(reg, newFakeClock(), rec, cp)

	result, err := eng.Run(ctx, plan, RunOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if result.Status != StatusCancelled || result.State.IsCompleted("s2") {
		t.Errorf("status = %v completed = %v", result.Status, result.State.CompletedIDs)
	}
	if result.Checkpoint == "" || rec.Count(EventRunCancelled) != 1 {
		t.Errorf("checkpoint = %q events = %v", result.Checkpoint, rec.Types())
	}

	resumed, err := eng.Resume(context.Background(), plan, result.Checkpoint, RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(resumed.State.CompletedIDs, []string{"s1", "s2"}) {
		t.Errorf("resumed completed = %v", resumed.State.CompletedIDs)
	}
}

func TestPauseAndResume(t *testing.T) {
	reg := scenarioRegistry()
	plan := &Plan{Steps: []Step{
		{ID: "s1", Operation: "collect", DependsOn: []string{}},
		{ID: "s2", Operation: "analyze", DependsOn: []string{"s1"}},
		{ID: "s3", Operation: "report", DependsOn: []string{"s2"}},
	}}
	cp := NewMemoryCheckpointer()
	eng := newTestEngine(reg, newFakeClock(), &eventRecorder{}, cp)
	opts := RunOptions{RunID: "run-1", PauseBefore: []string{"s2"}}

	result, err := eng.Run(context.Background(), plan, opts)
	if !errors.Is(err, ErrPaused) {
		t.Fatalf("err = %v, want ErrPaused", err)
	}
	if result.Status != StatusPaused || result.State.PausedBefore != "s2" || result.Checkpoint == "" {
		t.Fatalf("result = %+v", result)
	}
	if !reflect.DeepEqual(result.State.CompletedIDs, []string{"s1"}) {
		t.Errorf("completed = %v", result.State.CompletedIDs)
	}

	resumed, err := eng.Resume(context.Background(), plan, result.Checkpoint, opts)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.RunID != "run-1" || resumed.Status != StatusCompleted {
		t.Errorf("resumed = %+v", resumed)
	}
	if !reflect.DeepEqual(resumed.State.CompletedIDs, []string{"s1", "s2", "s3"}) {
		t.Errorf("completed = %v", resumed.State.CompletedIDs)
	}
	if resumed.Results["collected"] != "s1" || resumed.Results["reported"] != "s3" {
		t.Errorf("results = %v", resumed.Results)
	}
}

func TestResumeRejectsDifferentPlan(t *testing.T) {
	plan := NormalizeLegacy([]string{"collect", "report"})
	cp := NewMemoryCheckpointer()
	eng := newTestEngine(scenarioRegistry(), newFakeClock(), &eventRecorder{}, cp)
	result, _ := eng.Run(context.Background(), plan, RunOptions{PauseBefore: []string{"tp2"}})

	other := NormalizeLegacy([]string{"collect", "notify"})
	if _, err := eng.Resume(context.Background(), other, result.Checkpoint, RunOptions{}); !errors.Is(err, ErrPlanMismatch) {
		t.Errorf("err = %v, want ErrPlanMismatch", err)
	}
	if _, err := eng.Resume(context.Background(), nil, result.Checkpoint, RunOptions{}); err != nil {
		t.Errorf("resume with stored plan: %v", err)
	}
	if _, err := eng.Resume(context.Background(), plan, "nope", RunOptions{}); !errors.Is(err, ErrCheckpointNotFound) {
		t.Errorf("err = %v, want ErrCheckpointNotFound", err)
	}
}

func TestCheckpointEvery(t *testing.T) {
	cp := NewMemoryCheckpointer()
	rec := &eventRecorder{}
	eng := newTestEngine(scenarioRegistry(), newFakeClock(), rec, cp)
	plan := NormalizeLegacy([]string{"collect", "analyze", "report"})

	result, err := eng.Run(context.Background(), plan, RunOptions{CheckpointEvery: true})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Count(EventCheckpointSaved) != 3 {
		t.Errorf("checkpoints = %d", rec.Count(EventCheckpointSaved))
	}
	snap, err := cp.Load(context.Background(), result.Checkpoint)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.State.CompletedIDs) != 3 || snap.PlanDigest != plan.Digest() {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestRunRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	ops := NewRegistry()
	ops.Register(KindCollect, &countingHandler{always: errBoom})
	ops.Register(KindReport, okHandler("r"))
	eng := NewEngine(EngineConfig{Registry: ops, Metrics: metrics, Sleep: (&recordingSleeper{}).Sleep})
	plan := &Plan{Steps: []Step{
		{ID: "a", Operation: "collect", DependsOn: []string{}},
		{ID: "b", Operation: "report", DependsOn: []string{}},
		{ID: "c", Operation: "mystery", DependsOn: []string{}},
	}}
	if _, err := eng.Run(context.Background(), plan, RunOptions{}); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(metrics.Steps.WithLabelValues("collect", "failed")); got != 1 {
		t.Errorf("collect failed = %v", got)
	}
	if got := testutil.ToFloat64(metrics.Steps.WithLabelValues("report", "succeeded")); got != 1 {
		t.Errorf("report succeeded = %v", got)
	}
	if got := testutil.ToFloat64(metrics.Steps.WithLabelValues("unknown", "unknown")); got != 1 {
		t.Errorf("unknown = %v", got)
	}
	if got := testutil.ToFloat64(metrics.Runs.WithLabelValues("completed")); got != 1 {
		t.Errorf("runs = %v", got)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	plan := NormalizeLegacy([]string{"collect"})
	state := NewExecutionState()
	state.FailureCounts["tp1"] = 1
	results := map[string]any{"k": "v"}
	snap := NewSnapshot(plan, state, results, time.Now())
	state.FailureCounts["tp1"] = 9
	results["k"] = "changed"
	if snap.State.FailureCounts["tp1"] != 1 || snap.Results["k"] != "v" {
		t.Error("snapshot shares storage with the live run")
	}
}
