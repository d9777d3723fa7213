// ABOUTME: The validate subcommand: parses a plan and reports lint diagnostics without running it.
package main

import (
	"encoding/json"
	"fmt"

	"github.com/2389-research/planrun/engine"
	perrors "github.com/2389-research/planrun/internal/errors"
	"github.com/spf13/cobra"
)

func newValidateCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "validate <plan>",
		Short: "Check a plan for structural problems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := loadPlan(args[0])
			if err != nil {
				return err
			}
			diags := engine.Lint(plan, newRegistry())

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if diags == nil {
					diags = []engine.Diagnostic{}
				}
				if err := enc.Encode(diags); err != nil {
					return err
				}
			} else {
				for _, d := range diags {
					fmt.Fprintln(out, d.String())
				}
			}

			if engine.HasErrors(diags) {
				return perrors.PlanInvalid(fmt.Errorf("%d error(s) in %s", countErrors(diags), args[0]))
			}
			if !asJSON {
				fmt.Fprintf(out, "%s: %d steps, ok\n", args[0], len(plan.Steps))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print diagnostics as JSON")
	return cmd
}

func countErrors(diags []engine.Diagnostic) int {
	n := 0
	for _, d := range diags {
		if d.Severity == engine.SeverityError {
			n++
		}
	}
	return n
}
