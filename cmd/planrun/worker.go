// ABOUTME: Hidden worker subcommand the engine re-executes to run one operation in a child process.
// ABOUTME: Reads a single request on stdin and writes the response to stdout.
package main

import (
	"os"

	"github.com/2389-research/planrun/engine"
	"github.com/2389-research/planrun/isolate"
	"github.com/2389-research/planrun/ops"
	"github.com/spf13/cobra"
)

// workerCommand is the argument the isolator passes when re-executing the binary.
const workerCommand = "worker"

func newWorkerCmd(_ *app) *cobra.Command {
	return &cobra.Command{
		Use:    workerCommand,
		Short:  "Run a single isolated operation (internal)",
		Hidden: true,
		Args:   cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !isolate.IsWorker() {
				return usageError("%s is started by planrun itself, not by hand", workerCommand)
			}
			return isolate.Serve(cmd.Context(), newRegistry(), os.Stdin, os.Stdout)
		},
	}
}

// newRegistry returns the operations every planrun process knows.
func newRegistry() *engine.Registry {
	reg := engine.NewRegistry()
	ops.Register(reg)
	return reg
}
