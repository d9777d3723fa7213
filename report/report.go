// ABOUTME: Run summaries: a per-step outcome table as Markdown, rendered to HTML with goldmark.
// ABOUTME: Used by `planrun run` at the end of a run and by the server's summary endpoint.
package report

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/2389-research/planrun/engine"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// OutcomePending marks a step the run never reached.
const OutcomePending engine.StepOutcome = "pending"

// StepRow is one line of the summary table.
type StepRow struct {
	ID               string             `json:"id"`
	Operation        string             `json:"op"`
	Outcome          engine.StepOutcome `json:"outcome"`
	Failures         int                `json:"failures"`
	CircuitOpenUntil time.Time          `json:"circuit_open_until,omitzero"`
	LastError        string             `json:"last_error,omitempty"`
}

// Summary is the outcome of a run, step by step in plan order.
type Summary struct {
	RunID  string                     `json:"run_id"`
	PlanID string                     `json:"plan_id,omitempty"`
	Status engine.RunStatus           `json:"status"`
	Steps  []StepRow                  `json:"steps"`
	Counts map[engine.StepOutcome]int `json:"counts"`
	// OpenOperations maps operation keys to the time their circuit closes.
	OpenOperations map[string]time.Time `json:"open_operations,omitempty"`
}

// Build derives a summary from a finished, paused or cancelled run.
func Build(plan *engine.Plan, result *engine.RunResult) *Summary {
	state := result.State
	if state == nil {
		state = engine.NewExecutionState()
	}
	outcomes := make(map[string]engine.StepOutcome)
	for _, id := range result.Succeeded() {
		outcomes[id] = engine.OutcomeSucceeded
	}
	for _, id := range result.Failed() {
		outcomes[id] = engine.OutcomeFailed
	}
	for _, id := range result.Skipped() {
		outcomes[id] = engine.OutcomeSkipped
	}
	for _, id := range state.UnknownIDs {
		outcomes[id] = engine.OutcomeUnknown
	}

	s := &Summary{
		RunID:  result.RunID,
		PlanID: plan.ID,
		Status: result.Status,
		Counts: make(map[engine.StepOutcome]int),
	}
	for _, step := range plan.Steps {
		outcome, ok := outcomes[step.ID]
		if !ok {
			outcome = OutcomePending
		}
		row := StepRow{
			ID:        step.ID,
			Operation: step.Operation,
			Outcome:   outcome,
			Failures:  state.FailureCounts[step.ID],
			LastError: state.LastErrors[step.ID],
		}
		if until, ok := state.CircuitOpenUntil[step.ID]; ok {
			row.CircuitOpenUntil = engine.FromUnixSeconds(until).UTC()
		}
		s.Steps = append(s.Steps, row)
		s.Counts[outcome]++
	}
	for key, until := range state.CircuitOpenUntilOp {
		if s.OpenOperations == nil {
			s.OpenOperations = make(map[string]time.Time)
		}
		s.OpenOperations[key] = engine.FromUnixSeconds(until).UTC()
	}
	return s
}

// Partial reports whether anything other than success happened.
func (s *Summary) Partial() bool {
	return len(s.Steps) != s.Counts[engine.OutcomeSucceeded]
}

// Markdown renders the summary as a heading, a count line and a step table.
func (s *Summary) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Run %s\n\n", s.RunID)
	if s.PlanID != "" {
		fmt.Fprintf(&b, "Plan `%s`. ", s.PlanID)
	}
	fmt.Fprintf(&b, "Status **%s**: %d succeeded, %d failed, %d skipped, %d unknown, %d pending.\n\n",
		s.Status,
		s.Counts[engine.OutcomeSucceeded], s.Counts[engine.OutcomeFailed], s.Counts[engine.OutcomeSkipped],
		s.Counts[engine.OutcomeUnknown], s.Counts[OutcomePending])

	b.WriteString("| Step | Operation | Outcome | Failures | Circuit open until | Last error |\n")
	b.WriteString("|---|---|---|---|---|---|\n")
	for _, row := range s.Steps {
		until := ""
		if !row.CircuitOpenUntil.IsZero() {
			until = row.CircuitOpenUntil.Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %d | %s | %s |\n",
			cell(row.ID), cell(row.Operation), row.Outcome, row.Failures, until, cell(row.LastError))
	}

	if len(s.OpenOperations) > 0 {
		keys := make([]string, 0, len(s.OpenOperations))
		for k := range s.OpenOperations {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n## Open operation circuits\n\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- `%s` until %s\n", k, s.OpenOperations[k].Format(time.RFC3339))
		}
	}
	return b.String()
}

// HTML renders Markdown() to an HTML fragment.
func (s *Summary) HTML() (string, error) {
	return RenderHTML(s.Markdown())
}

// RenderHTML converts Markdown with GFM tables to HTML. Raw HTML in the input is not passed through.
func RenderHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	md := goldmark.New(goldmark.WithExtensions(extension.Table))
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("render summary: %w", err)
	}
	return buf.String(), nil
}

// cell keeps a value on one table row.
func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 200 {
		s = s[:200] + "…"
	}
	return s
}
