// ABOUTME: HTTP API for submitting plans, following runs over SSE, and cancelling, resuming and summarizing them.
// ABOUTME: Built on a chi router; each run executes on its own engine instance sharing the configured stack.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/2389-research/planrun/engine"
	"github.com/2389-research/planrun/internal/log"
	"github.com/2389-research/planrun/render"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run states reported by the API.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusPaused    = "paused"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// defaultMaxPlanBytes bounds request bodies for POST /runs.
const defaultMaxPlanBytes = 1 << 20

// Config wires the server to an engine stack.
type Config struct {
	Addr string // listen address (default: "127.0.0.1:2390")
	// Engine is copied for every run; EventHandler is replaced per run.
	Engine engine.EngineConfig
	Logger *log.Logger
	// Gatherer backs /metrics (default: prometheus.DefaultGatherer).
	Gatherer     prometheus.Gatherer
	MaxPlanBytes int64
	// PollInterval is how often SSE streams check for new events (default: 100ms).
	PollInterval time.Duration
}

// Server serves the run API.
type Server struct {
	cfg    Config
	logger *log.Logger
	router chi.Router

	graphs *render.Cache

	mu   sync.RWMutex
	runs map[string]*Run
}

// Run is one submitted plan and everything observed about it.
type Run struct {
	ID        string
	Plan      *engine.Plan
	CreatedAt time.Time

	mu       sync.RWMutex
	status   string
	err      string
	result   *engine.RunResult
	events   []engine.Event
	progress progress
	cancel   context.CancelFunc
	done     chan struct{}
}

// progress is the live view built from events while the engine owns the state.
type progress struct {
	Active    string   `json:"active_step,omitempty"`
	Completed []string `json:"completed"`
	Failed    []string `json:"failed"`
	Skipped   []string `json:"skipped"`
}

// RunStatus is the JSON shape of GET /runs/{id}.
type RunStatus struct {
	ID           string    `json:"id"`
	PlanID       string    `json:"plan_id,omitempty"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	ActiveStep   string    `json:"active_step,omitempty"`
	Completed    []string  `json:"completed"`
	Failed       []string  `json:"failed"`
	Skipped      []string  `json:"skipped"`
	PausedBefore string    `json:"paused_before,omitempty"`
	Checkpoint   string    `json:"checkpoint,omitempty"`
	Events       int       `json:"events"`
	CreatedAt    time.Time `json:"created_at"`
}

// New builds a server and its routes.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:2390"
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.MaxPlanBytes <= 0 {
		cfg.MaxPlanBytes = defaultMaxPlanBytes
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.Engine.Registry == nil {
		cfg.Engine.Registry = engine.NewRegistry()
	}
	s := &Server{
		cfg:    cfg,
		logger: log.OrNop(cfg.Logger).With("component", "server"),
		graphs: render.NewCache(nil, 30*time.Second),
		runs:   make(map[string]*Run),
	}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP delegates to the chi router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is done, then shuts down gracefully and cancels active runs.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("listening", "addr", s.cfg.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.CancelAll()
	return err
}

// CancelAll cancels every running run and waits for them to stop.
func (s *Server) CancelAll() {
	s.mu.RLock()
	runs := make([]*Run, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	s.mu.RUnlock()
	for _, run := range runs {
		run.mu.RLock()
		cancel, done := run.cancel, run.done
		run.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
		if done != nil {
			<-done
		}
	}
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/runs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Route("/{runID}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Get("/events", s.handleEvents)
			r.Post("/cancel", s.handleCancel)
			r.Post("/resume", s.handleResume)
			r.Get("/summary", s.handleSummary)
			r.Get("/graph", s.handleGraph)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSubmit accepts a plan body (JSON, YAML or a legacy list) and starts it.
// Query: pause_before=a,b and checkpoint_every=true.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxPlanBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "failed to read plan: "+err.Error())
		return
	}
	if strings.TrimSpace(string(body)) == "" {
		writeError(w, http.StatusBadRequest, "empty plan")
		return
	}
	plan, err := engine.ParsePlan(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if diags := engine.Lint(plan, s.cfg.Engine.Registry); engine.HasErrors(diags) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "plan has errors", "diagnostics": diags})
		return
	}

	opts := runOptions(r)
	if len(opts.PauseBefore) > 0 && s.cfg.Engine.Checkpointer == nil {
		s.logger.Warn("pause requested without a checkpoint store; the run cannot be resumed")
	}
	opts.RunID = engine.NewRunID()
	run := &Run{ID: opts.RunID, Plan: plan, CreatedAt: time.Now().UTC()}

	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()

	s.start(run, func(ctx context.Context, eng *engine.Engine) (*engine.RunResult, error) {
		return eng.Run(ctx, plan, opts)
	})
	s.logger.Info("run submitted", "run_id", run.ID, "steps", len(plan.Steps))
	writeJSON(w, http.StatusAccepted, map[string]string{"id": run.ID, "status": StatusRunning})
}

func runOptions(r *http.Request) engine.RunOptions {
	var opts engine.RunOptions
	for _, raw := range r.URL.Query()["pause_before"] {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				opts.PauseBefore = append(opts.PauseBefore, id)
			}
		}
	}
	opts.CheckpointEvery = r.URL.Query().Get("checkpoint_every") == "true"
	return opts
}

// start launches exec on a per-run engine whose events feed run.
func (s *Server) start(run *Run, exec func(context.Context, *engine.Engine) (*engine.RunResult, error)) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	run.mu.Lock()
	run.status = StatusRunning
	run.err = ""
	run.cancel = cancel
	run.done = done
	run.mu.Unlock()

	cfg := s.cfg.Engine
	cfg.EventHandler = run.record
	eng := engine.NewEngine(cfg)

	go func() {
		defer close(done)
		defer cancel()
		result, err := exec(ctx, eng)
		run.finish(result, err)
		s.logger.Info("run finished", "run_id", run.ID, "status", run.Status().Status)
	}()
}

func (run *Run) record(evt engine.Event) {
	run.mu.Lock()
	defer run.mu.Unlock()
	run.events = append(run.events, evt)
	p := &run.progress
	switch evt.Type {
	case engine.EventStepStarted:
		p.Active = evt.StepID
	case engine.EventStepCompleted, engine.EventStepUnknown:
		p.Active = ""
		p.Completed = append(p.Completed, evt.StepID)
	case engine.EventStepFailed:
		p.Active = ""
		p.Failed = append(p.Failed, evt.StepID)
	case engine.EventStepSkipped:
		p.Skipped = append(p.Skipped, evt.StepID)
	}
}

func (run *Run) finish(result *engine.RunResult, err error) {
	run.mu.Lock()
	defer run.mu.Unlock()
	if result != nil {
		run.result = result
	}
	run.progress.Active = ""
	switch {
	case errors.Is(err, engine.ErrPaused):
		run.status = StatusPaused
	case result != nil && result.Status == engine.StatusCancelled:
		run.status = StatusCancelled
	case err != nil:
		run.status = StatusFailed
		run.err = err.Error()
	default:
		run.status = StatusCompleted
	}
}

// Status snapshots the run for JSON responses.
func (run *Run) Status() RunStatus {
	run.mu.RLock()
	defer run.mu.RUnlock()
	st := RunStatus{
		ID:         run.ID,
		PlanID:     run.Plan.ID,
		Status:     run.status,
		Error:      run.err,
		ActiveStep: run.progress.Active,
		Completed:  nonNil(run.progress.Completed),
		Failed:     nonNil(run.progress.Failed),
		Skipped:    nonNil(run.progress.Skipped),
		Events:     len(run.events),
		CreatedAt:  run.CreatedAt,
	}
	if run.result != nil && run.status != StatusRunning {
		st.Completed = nonNil(run.result.Succeeded())
		st.Failed = nonNil(run.result.Failed())
		st.Skipped = nonNil(run.result.Skipped())
		st.PausedBefore = run.result.State.PausedBefore
		st.Checkpoint = run.result.Checkpoint
	}
	return st
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return append([]string(nil), s...)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*Run, bool) {
	id := chi.URLParam(r, "runID")
	s.mu.RLock()
	run, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
	}
	return run, ok
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	out := make([]RunStatus, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run.Status())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run.Status())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookup(w, r)
	if !ok {
		return
	}
	run.mu.RLock()
	status, cancel, done := run.status, run.cancel, run.done
	run.mu.RUnlock()
	if status != StatusRunning {
		writeError(w, http.StatusConflict, fmt.Sprintf("run is %s", status))
		return
	}
	cancel()
	select {
	case <-done:
	case <-r.Context().Done():
		return
	}
	writeJSON(w, http.StatusOK, run.Status())
}

// handleResume continues a paused or cancelled run from its last checkpoint.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if s.cfg.Engine.Checkpointer == nil {
		writeError(w, http.StatusConflict, "no checkpoint store configured")
		return
	}
	run.mu.RLock()
	status := run.status
	var token string
	if run.result != nil {
		token = run.result.Checkpoint
	}
	run.mu.RUnlock()
	if status != StatusPaused && status != StatusCancelled {
		writeError(w, http.StatusConflict, fmt.Sprintf("run is %s", status))
		return
	}
	if token == "" {
		writeError(w, http.StatusConflict, "run has no checkpoint")
		return
	}

	opts := runOptions(r)
	s.start(run, func(ctx context.Context, eng *engine.Engine) (*engine.RunResult, error) {
		return eng.Resume(ctx, run.Plan, token, opts)
	})
	s.logger.Info("run resumed", "run_id", run.ID, "checkpoint", token)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": run.ID, "status": StatusRunning, "checkpoint": token})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
