// ABOUTME: CLI entrypoint for planrun: runs, validates and serves step plans, and manages checkpoints.
// ABOUTME: Handles signals, .env loading and maps typed errors to exit codes.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	perrors "github.com/2389-research/planrun/internal/errors"
)

var version = "dev"

// Exit codes.
const (
	exitOK        = 0
	exitFailure   = 1
	exitUsage     = 2
	exitCancelled = 130
)

func main() {
	loadDotEnvAuto()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(exitCode(err))
}

// exitCode maps command errors to process exit codes.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case perrors.CodeOf(err) == perrors.CodeRunCancelled, errors.Is(err, context.Canceled):
		return exitCancelled
	case errors.Is(err, errUsage):
		return exitUsage
	default:
		return exitFailure
	}
}
