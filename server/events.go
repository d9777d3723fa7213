// ABOUTME: SSE streaming of run events and the HTML/Markdown run summary endpoint.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2389-research/planrun/report"
)

// handleEvents streams every event of a run, replaying history first, and
// closes with a final status message once the run stops.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookup(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sent := 0
	for {
		run.mu.RLock()
		pending := run.events[sent:len(run.events):len(run.events)]
		status := run.status
		run.mu.RUnlock()

		for _, evt := range pending {
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			sent++
		}
		if len(pending) > 0 {
			flusher.Flush()
		}

		if status != StatusRunning {
			data, _ := json.Marshal(run.Status())
			fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
			flusher.Flush()
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// handleSummary renders the outcome table of a stopped run. ?format=md returns Markdown.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookup(w, r)
	if !ok {
		return
	}
	run.mu.RLock()
	result, status := run.result, run.status
	run.mu.RUnlock()
	if result == nil || status == StatusRunning {
		writeError(w, http.StatusConflict, "run has not stopped")
		return
	}

	summary := report.Build(run.Plan, result)
	if r.URL.Query().Get("format") == "md" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = w.Write([]byte(summary.Markdown()))
		return
	}
	html, err := summary.HTML()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!doctype html>\n<html><head><meta charset=\"utf-8\"><title>Run %s</title></head><body>\n%s</body></html>\n", run.ID, html)
}
