// ABOUTME: Shell operation: runs params.command through sh -c and records stdout, stderr and exit code.
// ABOUTME: A non-zero exit is a retryable failure; a missing command is permanent.
package ops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/2389-research/planrun/engine"
)

// maxOutputBytes caps how much of each stream is kept in results.
const maxOutputBytes = 64 * 1024

// ShellHandler runs shell commands.
type ShellHandler struct {
	// Shell defaults to "sh".
	Shell string
}

// Execute runs the command. Params: command (required), working_dir, env (map of strings).
func (h *ShellHandler) Execute(ctx context.Context, in *engine.Input) (engine.Delta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	params := in.Step.Params
	command, err := stringParam(params, "command")
	if err != nil {
		return nil, engine.Permanent(err)
	}
	if command == "" {
		return nil, engine.Permanent(fmt.Errorf("step %s: shell operation needs params.command", in.Step.ID))
	}

	shell := h.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.WaitDelay = time.Second

	dir, err := stringParam(params, "working_dir")
	if err != nil {
		return nil, engine.Permanent(err)
	}
	if dir != "" {
		if _, err := os.Stat(dir); err != nil {
			return nil, engine.Permanent(fmt.Errorf("step %s: working_dir: %w", in.Step.ID, err))
		}
		cmd.Dir = dir
	}
	if env, ok := params["env"].(map[string]any); ok && len(env) > 0 {
		cmd.Env = buildEnv(env)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("step %s: %w", in.Step.ID, runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	out := map[string]any{
		"stdout":    truncate(stdout.String()),
		"stderr":    truncate(stderr.String()),
		"exit_code": exitCode,
	}
	if exitCode != 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("step %s: command exited with code %d: %s", in.Step.ID, exitCode, firstLine(stderr.String()))
	}
	return engine.Delta{outputKey(in): out}, nil
}

// buildEnv overlays env on the parent environment in key order.
func buildEnv(env map[string]any) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := os.Environ()
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%v", k, env[k]))
	}
	return out
}

func truncate(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "\n[truncated]"
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
