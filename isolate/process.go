// ABOUTME: Parent side of process isolation: runs each call in a fresh worker subprocess and kills it on deadline.
// ABOUTME: Implements engine.Isolator; untransferable calls fail fast so the runner can fall back.
package isolate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/2389-research/planrun/engine"
	"github.com/2389-research/planrun/internal/log"
)

// Process runs calls in a worker subprocess.
type Process struct {
	// Path is the worker executable, usually os.Executable().
	Path string
	// Args are passed to the worker, e.g. []string{"worker"}.
	Args []string
	// Env is appended to the parent's environment.
	Env []string
	// Transferable reports which kinds the worker can run; nil accepts all.
	Transferable func(engine.OperationKind) bool
	// WaitDelay bounds how long to wait for output pipes after a kill.
	WaitDelay time.Duration
	Logger    *log.Logger
}

// NewSelfProcess re-executes the running binary with args.
func NewSelfProcess(reg *engine.Registry, logger *log.Logger, args ...string) (*Process, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("isolate: locate executable: %w", err)
	}
	return &Process{
		Path: exe,
		Args: args,
		Transferable: func(k engine.OperationKind) bool {
			_, ok := reg.Lookup(k)
			return ok
		},
		Logger: logger,
	}, nil
}

// Invoke runs one call in a new worker and waits for its response or ctx.
func (p *Process) Invoke(ctx context.Context, kind engine.OperationKind, in *engine.Input) (engine.Delta, error) {
	if p.Transferable != nil && !p.Transferable(kind) {
		return nil, fmt.Errorf("%w: operation %q unknown to worker", engine.ErrNotTransferable, kind)
	}
	payload, err := json.Marshal(Request{Kind: kind, Input: in})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrNotTransferable, err)
	}

	cmd := exec.CommandContext(ctx, p.Path, p.Args...)
	cmd.Env = append(append(os.Environ(), EnvWorker+"=1"), p.Env...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = p.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = time.Second
	}
	configureKill(cmd)

	logger := log.OrNop(p.Logger).With("op", string(kind))
	if in != nil {
		logger = logger.With("step_id", in.Step.ID)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrIsolationUnavailable, err)
	}
	logger.Debug("worker started", "pid", cmd.Process.Pid)

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		logger.Warn("worker killed", "pid", cmd.Process.Pid, "reason", ctx.Err().Error())
		return nil, ctx.Err()
	}

	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
		if waitErr != nil {
			return nil, fmt.Errorf("isolate: worker exited: %w: %s", waitErr, strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("isolate: decode response: %w", err)
	}
	if resp.Error != "" {
		werr := error(&WorkerError{Kind: kind, Message: resp.Error})
		if resp.Permanent {
			werr = engine.Permanent(werr)
		}
		return nil, werr
	}
	return resp.Delta, nil
}

// IsWorker reports whether the current process was started as an isolated worker.
func IsWorker() bool {
	return os.Getenv(EnvWorker) == "1"
}

var errKilled = errors.New("isolate: worker killed")

var _ engine.Isolator = (*Process)(nil)
