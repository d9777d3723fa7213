// ABOUTME: Append-only NDJSON progress log of engine events plus a live.json status file.
// ABOUTME: External tools can tail progress.ndjson or poll live.json while a run is in flight.
package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/2389-research/planrun/internal/log"
)

// LiveState is the current run snapshot written to live.json after each event.
type LiveState struct {
	RunID      string   `json:"run_id"`
	Status     string   `json:"status"`
	ActiveStep string   `json:"active_step"`
	Completed  []string `json:"completed"`
	Failed     []string `json:"failed"`
	Skipped    []string `json:"skipped"`
	StartedAt  string   `json:"started_at"`
	UpdatedAt  string   `json:"updated_at"`
	EventCount int      `json:"event_count"`
}

// ProgressLogger writes events to dir/progress.ndjson and dir/live.json.
type ProgressLogger struct {
	dir    string
	logger *log.Logger

	mu          sync.Mutex
	file        *os.File
	state       LiveState
	closed      bool
	writeErrors int
}

// NewProgressLogger opens dir/progress.ndjson for appending and writes a pending live.json.
func NewProgressLogger(dir string, logger *log.Logger) (*ProgressLogger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("progress dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "progress.ndjson"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	p := &ProgressLogger{
		dir:    dir,
		logger: log.OrNop(logger),
		file:   f,
		state: LiveState{
			Status:    "pending",
			Completed: []string{},
			Failed:    []string{},
			Skipped:   []string{},
		},
	}
	if err := p.writeLive(); err != nil {
		f.Close()
		return nil, err
	}
	return p, nil
}

// HandleEvent appends evt and refreshes live.json. Write failures are logged
// and counted; the in-memory state is updated regardless.
func (p *ProgressLogger) HandleEvent(evt Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	if line, err := json.Marshal(evt); err != nil {
		p.writeErrors++
		p.logger.Warn("progress marshal failed", "error", err.Error())
	} else if _, err := p.file.Write(append(line, '\n')); err != nil {
		p.writeErrors++
		p.logger.Warn("progress write failed", "error", err.Error())
	}

	ts := evt.Timestamp.UTC().Format(time.RFC3339)
	switch evt.Type {
	case EventRunStarted:
		p.state.RunID = evt.RunID
		p.state.Status = "running"
		p.state.StartedAt = ts
	case EventStepStarted:
		p.state.ActiveStep = evt.StepID
	case EventStepCompleted, EventStepUnknown:
		p.state.Completed = append(p.state.Completed, evt.StepID)
		p.state.ActiveStep = ""
	case EventStepFailed:
		p.state.Failed = append(p.state.Failed, evt.StepID)
		p.state.ActiveStep = ""
	case EventStepSkipped:
		p.state.Skipped = append(p.state.Skipped, evt.StepID)
	case EventRunCompleted:
		p.state.Status = string(StatusCompleted)
	case EventRunPaused:
		p.state.Status = string(StatusPaused)
	case EventRunCancelled:
		p.state.Status = string(StatusCancelled)
	}
	p.state.EventCount++
	p.state.UpdatedAt = ts

	if err := p.writeLive(); err != nil {
		p.writeErrors++
		p.logger.Warn("live.json write failed", "error", err.Error())
	}
}

// State returns a copy of the live state.
func (p *ProgressLogger) State() LiveState {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := p.state
	cp.Completed = slices.Clone(p.state.Completed)
	cp.Failed = slices.Clone(p.state.Failed)
	cp.Skipped = slices.Clone(p.state.Skipped)
	return cp
}

// WriteErrors reports how many writes failed.
func (p *ProgressLogger) WriteErrors() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeErrors
}

// Close closes the NDJSON file; later events are ignored.
func (p *ProgressLogger) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.file.Close()
}

// writeLive replaces live.json atomically. Caller holds p.mu.
func (p *ProgressLogger) writeLive() error {
	return writeJSONAtomic(filepath.Join(p.dir, "live.json"), p.state)
}

// writeJSONAtomic writes v to a temp file and renames it over path.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
