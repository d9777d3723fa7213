// ABOUTME: GET /runs/{id}/graph draws the plan DAG colored by step outcome, live while the run is in flight.
package server

import (
	"errors"
	"net/http"

	"github.com/2389-research/planrun/engine"
	"github.com/2389-research/planrun/render"
	"github.com/2389-research/planrun/report"
)

var graphContentTypes = map[string]string{
	render.FormatDOT: "text/vnd.graphviz; charset=utf-8",
	render.FormatSVG: "image/svg+xml",
	render.FormatPNG: "image/png",
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookup(w, r)
	if !ok {
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = render.FormatSVG
	}
	contentType, ok := graphContentTypes[format]
	if !ok {
		writeError(w, http.StatusBadRequest, "format must be dot, svg or png")
		return
	}

	summary, active := run.liveSummary()
	data, err := s.graphs.Render(r.Context(), render.ToDOTWithStatus(run.Plan, summary, active), format)
	if errors.Is(err, render.ErrGraphvizMissing) {
		writeError(w, http.StatusNotImplemented, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(data)
}

// liveSummary returns the final summary once the run stopped, otherwise one
// built from the events seen so far, plus the active step.
func (run *Run) liveSummary() (*report.Summary, string) {
	run.mu.RLock()
	defer run.mu.RUnlock()
	if run.result != nil && run.status != StatusRunning {
		return report.Build(run.Plan, run.result), ""
	}

	outcomes := make(map[string]engine.StepOutcome)
	for _, id := range run.progress.Completed {
		outcomes[id] = engine.OutcomeSucceeded
	}
	for _, id := range run.progress.Failed {
		outcomes[id] = engine.OutcomeFailed
	}
	for _, id := range run.progress.Skipped {
		outcomes[id] = engine.OutcomeSkipped
	}
	summary := &report.Summary{RunID: run.ID, PlanID: run.Plan.ID, Status: engine.RunStatus(run.status)}
	for _, step := range run.Plan.Steps {
		outcome, ok := outcomes[step.ID]
		if !ok {
			outcome = report.OutcomePending
		}
		summary.Steps = append(summary.Steps, report.StepRow{ID: step.ID, Operation: step.Operation, Outcome: outcome})
	}
	return summary, run.progress.Active
}
