// ABOUTME: The graph subcommand: draws a plan's dependency DAG as DOT, SVG or PNG.
// ABOUTME: With --checkpoint, steps are colored by their outcome in that snapshot.
package main

import (
	"errors"
	"os"

	"github.com/2389-research/planrun/checkpoint"
	"github.com/2389-research/planrun/engine"
	perrors "github.com/2389-research/planrun/internal/errors"
	"github.com/2389-research/planrun/render"
	"github.com/2389-research/planrun/report"
	"github.com/spf13/cobra"
)

func newGraphCmd(a *app) *cobra.Command {
	var format, output, token string
	cmd := &cobra.Command{
		Use:   "graph [plan]",
		Short: "Draw a plan's dependency graph",
		Example: `  planrun graph build.yaml | dot -Tsvg > build.svg
  planrun graph build.yaml --format svg -o build.svg
  planrun graph --checkpoint 01J9Z3V8M4QK2B6T7R1N5XW0HC --format png -o run.png`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && token == "" {
				return usageError("a plan file is required unless --checkpoint is given")
			}
			var plan *engine.Plan
			if len(args) == 1 {
				p, err := loadPlan(args[0])
				if err != nil {
					return err
				}
				plan = p
			}

			dot := ""
			if token == "" {
				dot = render.ToDOT(plan)
			} else {
				err := a.withStore(cmd, func(store checkpoint.Store) error {
					snap, err := store.Load(cmd.Context(), token)
					if errors.Is(err, engine.ErrCheckpointNotFound) {
						return perrors.CheckpointNotFound(token, err)
					}
					if err != nil {
						return err
					}
					if plan == nil {
						plan = snap.Plan
					}
					if plan == nil {
						return perrors.PlanInvalid(errors.New("checkpoint carries no plan; pass the plan file"))
					}
					summary := report.Build(plan, &engine.RunResult{RunID: snap.RunID, Status: snapshotStatus(snap), State: snap.State, Results: snap.Results})
					dot = render.ToDOTWithStatus(plan, summary, "")
					return nil
				})
				if err != nil {
					return err
				}
			}

			data, err := render.Render(cmd.Context(), dot, format)
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(output, data, 0o644)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&format, "format", "f", render.FormatDOT, "dot, svg or png (svg and png need graphviz)")
	flags.StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	flags.StringVar(&token, "checkpoint", "", "color steps by outcome in this checkpoint")
	return cmd
}
