// ABOUTME: Tests for run summaries: outcome counts, Markdown table and HTML rendering.
package report

import (
	"strings"
	"testing"
	"time"

	"github.com/2389-research/planrun/engine"
)

func sampleRun() (*engine.Plan, *engine.RunResult) {
	plan := &engine.Plan{ID: "nightly", Steps: []engine.Step{
		{ID: "a", Operation: "collect"},
		{ID: "b", Operation: "analyze"},
		{ID: "c", Operation: "analyze"},
		{ID: "d", Operation: "teleport"},
		{ID: "e", Operation: "notify"},
	}}
	until := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	state := engine.NewExecutionState()
	state.CompletedIDs = []string{"a", "b", "c", "d"}
	state.SkippedIDs = []string{"c"}
	state.UnknownIDs = []string{"d"}
	state.FailureCounts["b"] = 2
	state.LastErrors["b"] = "boom | bad\nline2 <script>alert(1)</script>"
	state.CircuitOpenUntil["b"] = float64(until.Unix())
	state.CircuitOpenUntilOp["analyze"] = float64(until.Unix())
	return plan, &engine.RunResult{RunID: "run-1", Status: engine.StatusCancelled, State: state}
}

func TestBuild(t *testing.T) {
	s := Build(sampleRun())

	want := map[string]engine.StepOutcome{
		"a": engine.OutcomeSucceeded,
		"b": engine.OutcomeFailed,
		"c": engine.OutcomeSkipped,
		"d": engine.OutcomeUnknown,
		"e": OutcomePending,
	}
	if len(s.Steps) != len(want) {
		t.Fatalf("rows = %d", len(s.Steps))
	}
	for _, row := range s.Steps {
		if row.Outcome != want[row.ID] {
			t.Errorf("%s outcome = %s, want %s", row.ID, row.Outcome, want[row.ID])
		}
	}
	if s.Steps[1].Failures != 2 || s.Steps[1].CircuitOpenUntil.IsZero() {
		t.Errorf("row b = %+v", s.Steps[1])
	}
	if s.Counts[engine.OutcomeSucceeded] != 1 || s.Counts[OutcomePending] != 1 {
		t.Errorf("counts = %v", s.Counts)
	}
	if _, ok := s.OpenOperations["analyze"]; !ok {
		t.Errorf("open ops = %v", s.OpenOperations)
	}
	if !s.Partial() {
		t.Error("expected partial")
	}
}

func TestMarkdown(t *testing.T) {
	md := Build(sampleRun()).Markdown()
	for _, want := range []string{
		"# Run run-1",
		"Status **cancelled**: 1 succeeded, 1 failed, 1 skipped, 1 unknown, 1 pending.",
		"| b | analyze | failed | 2 | 2026-05-01T10:00:00Z | boom \\| bad line2",
		"- `analyze` until 2026-05-01T10:00:00Z",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
}

func TestHTML(t *testing.T) {
	html, err := Build(sampleRun()).HTML()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"<table>", "<td>succeeded</td>", "<h1>Run run-1</h1>"} {
		if !strings.Contains(html, want) {
			t.Errorf("html missing %q:\n%s", want, html)
		}
	}
	if strings.Contains(html, "<script>") {
		t.Error("raw HTML passed through")
	}
}

func TestAllSucceededIsNotPartial(t *testing.T) {
	plan := &engine.Plan{Steps: []engine.Step{{ID: "a", Operation: "echo"}}}
	state := engine.NewExecutionState()
	state.CompletedIDs = []string{"a"}
	s := Build(plan, &engine.RunResult{RunID: "r", Status: engine.StatusCompleted, State: state})
	if s.Partial() {
		t.Errorf("summary = %+v", s)
	}
}
