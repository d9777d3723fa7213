// ABOUTME: Tests for the HTTP run API: submit, status, events, cancel, resume, summary, graph and metrics.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/2389-research/planrun/engine"
	"github.com/2389-research/planrun/ops"
	"github.com/2389-research/planrun/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoStepPlan = `
id: demo
steps:
  - id: a
    op: echo
    params: {msg: first}
  - id: b
    op: echo
    depends_on: [a]
`

func newTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	reg := engine.NewRegistry()
	ops.Register(reg)
	cfg := Config{
		Engine:       engine.EngineConfig{Registry: reg},
		Gatherer:     prometheus.NewRegistry(),
		PollInterval: 5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s := New(cfg)
	t.Cleanup(s.CancelAll)
	return s
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func submit(t *testing.T, s *Server, query, plan string) string {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/runs"+query, plan)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["id"])
	return resp["id"]
}

func getStatus(t *testing.T, s *Server, id string) RunStatus {
	t.Helper()
	rec := do(t, s, http.MethodGet, "/runs/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st RunStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	return st
}

func waitFor(t *testing.T, s *Server, id, status string) RunStatus {
	t.Helper()
	require.Eventually(t, func() bool {
		return getStatus(t, s, id).Status == status
	}, 5*time.Second, 5*time.Millisecond, "run never reached %s", status)
	return getStatus(t, s, id)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSubmitAndComplete(t *testing.T) {
	s := newTestServer(t, nil)
	id := submit(t, s, "", twoStepPlan)

	st := waitFor(t, s, id, StatusCompleted)
	assert.Equal(t, "demo", st.PlanID)
	assert.Equal(t, []string{"a", "b"}, st.Completed)
	assert.Empty(t, st.Failed)

	rec := do(t, s, http.MethodGet, "/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []RunStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
}

func TestSubmitRejectsBadPlans(t *testing.T) {
	s := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/runs", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/runs", `steps: [{id: a, op: echo}, {id: a, op: echo}]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/runs", `steps: [{id: a, op: echo, depends_on: [b]}, {id: b, op: echo, depends_on: [a]}]`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "cycle")
}

func TestUnknownRun(t *testing.T) {
	s := newTestServer(t, nil)
	for _, path := range []string{"/runs/nope", "/runs/nope/events", "/runs/nope/summary"} {
		assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, path, "").Code, path)
	}
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/runs/nope/cancel", "").Code)
}

func TestPauseAndResume(t *testing.T) {
	s := newTestServer(t, func(c *Config) {
		c.Engine.Checkpointer = engine.NewMemoryCheckpointer()
	})
	id := submit(t, s, "?pause_before=b", twoStepPlan)

	st := waitFor(t, s, id, StatusPaused)
	assert.Equal(t, "b", st.PausedBefore)
	assert.Equal(t, []string{"a"}, st.Completed)
	require.NotEmpty(t, st.Checkpoint)

	rec := do(t, s, http.MethodGet, "/runs/"+id+"/summary?format=md", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "| b | echo | pending |")

	rec = do(t, s, http.MethodPost, "/runs/"+id+"/resume", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	st = waitFor(t, s, id, StatusCompleted)
	assert.Equal(t, []string{"a", "b"}, st.Completed)

	rec = do(t, s, http.MethodPost, "/runs/"+id+"/resume", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestResumeNeedsStore(t *testing.T) {
	s := newTestServer(t, nil)
	id := submit(t, s, "?pause_before=b", twoStepPlan)
	waitFor(t, s, id, StatusPaused)
	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, "/runs/"+id+"/resume", "").Code)
}

func TestCancel(t *testing.T) {
	started := make(chan struct{})
	s := newTestServer(t, func(c *Config) {
		c.Engine.Registry.Register(engine.KindCollect, engine.HandlerFunc(func(ctx context.Context, in *engine.Input) (engine.Delta, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}))
		c.Engine.Checkpointer = engine.NewMemoryCheckpointer()
	})
	id := submit(t, s, "", `["collect", "echo"]`)
	<-started

	rec := do(t, s, http.MethodPost, "/runs/"+id+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var st RunStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, StatusCancelled, st.Status)
	assert.NotEmpty(t, st.Checkpoint)

	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, "/runs/"+id+"/cancel", "").Code)
}

func TestEventsStream(t *testing.T) {
	s := newTestServer(t, nil)
	id := submit(t, s, "", twoStepPlan)
	waitFor(t, s, id, StatusCompleted)

	rec := do(t, s, http.MethodGet, "/runs/"+id+"/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "event: run.started\n")
	assert.Contains(t, body, "event: step.completed\n")
	assert.Contains(t, body, "event: run.completed\n")
	assert.True(t, strings.HasSuffix(body, "\n\n"))
	assert.Contains(t, body, "event: status\ndata: {\"id\":\""+id)
}

func TestEventsStreamFollowsLiveRun(t *testing.T) {
	release := make(chan struct{})
	s := newTestServer(t, func(c *Config) {
		c.Engine.Registry.Register(engine.KindCollect, engine.HandlerFunc(func(ctx context.Context, in *engine.Input) (engine.Delta, error) {
			<-release
			return engine.Delta{"ok": true}, nil
		}))
	})
	srv := httptest.NewServer(s)
	defer srv.Close()

	id := submit(t, s, "", `["collect"]`)
	resp, err := http.Get(srv.URL + "/runs/" + id + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	close(release)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "event: run.completed")
	assert.Contains(t, buf.String(), `"status":"completed"`)
}

func TestSummaryHTML(t *testing.T) {
	s := newTestServer(t, nil)
	id := submit(t, s, "", twoStepPlan)
	waitFor(t, s, id, StatusCompleted)

	rec := do(t, s, http.MethodGet, "/runs/"+id+"/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "<table>")
	assert.Contains(t, rec.Body.String(), "<td>succeeded</td>")
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := newTestServer(t, func(c *Config) {
		c.Gatherer = reg
		c.Engine.Metrics = engine.NewMetrics(reg)
	})
	id := submit(t, s, "", twoStepPlan)
	waitFor(t, s, id, StatusCompleted)

	rec := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `planrun_runs_total{status="completed"} 1`)
}

func TestGraphDOT(t *testing.T) {
	s := newTestServer(t, nil)
	id := submit(t, s, "", twoStepPlan)
	waitFor(t, s, id, StatusCompleted)

	rec := do(t, s, http.MethodGet, "/runs/"+id+"/graph?format=dot", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/vnd.graphviz")
	body := rec.Body.String()
	assert.Contains(t, body, "digraph demo {")
	assert.Contains(t, body, "a -> b")
	assert.Contains(t, body, render.ColorSucceeded)
}

func TestGraphRejectsUnknownFormat(t *testing.T) {
	s := newTestServer(t, nil)
	id := submit(t, s, "", twoStepPlan)
	rec := do(t, s, http.MethodGet, "/runs/"+id+"/graph?format=gif", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGraphWhilePaused(t *testing.T) {
	s := newTestServer(t, nil)
	id := submit(t, s, "?pause_before=b", twoStepPlan)
	waitFor(t, s, id, StatusPaused)

	rec := do(t, s, http.MethodGet, "/runs/"+id+"/graph?format=dot", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), render.ColorPending)
}
