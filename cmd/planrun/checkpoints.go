// ABOUTME: The checkpoints subcommand group: list, show and delete saved run snapshots.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/2389-research/planrun/checkpoint"
	"github.com/2389-research/planrun/engine"
	perrors "github.com/2389-research/planrun/internal/errors"
	"github.com/2389-research/planrun/report"
	"github.com/spf13/cobra"
)

func newCheckpointsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "checkpoints",
		Aliases: []string{"checkpoint", "ckpt"},
		Short:   "Manage saved checkpoints",
	}
	cmd.AddCommand(newCheckpointsListCmd(a), newCheckpointsShowCmd(a), newCheckpointsDeleteCmd(a))
	return cmd
}

// withStore opens the configured store for the duration of fn.
func (a *app) withStore(cmd *cobra.Command, fn func(checkpoint.Store) error) error {
	store, err := a.openStore(cmd.Context())
	if err != nil {
		return err
	}
	if store == nil {
		return perrors.New(perrors.CodeStoreConfig, "no checkpoint store configured").
			WithSuggestion("pass --store or set PLANRUN_STORE")
	}
	defer store.Close()
	return fn(store)
}

func newCheckpointsListCmd(a *app) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd, func(store checkpoint.Store) error {
				entries, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(entries) == 0 {
					fmt.Fprintln(out, "No checkpoints found.")
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "TOKEN\tRUN\tSAVED\tPLAN")
				for _, e := range entries {
					if runID != "" && e.RunID != runID {
						continue
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Token, e.RunID, e.SavedAt.Local().Format(time.DateTime), shortDigest(e.PlanDigest))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "only show checkpoints for this run id")
	return cmd
}

func newCheckpointsShowCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <token>",
		Short: "Show the run summary stored in a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(store checkpoint.Store) error {
				snap, err := store.Load(cmd.Context(), args[0])
				if errors.Is(err, engine.ErrCheckpointNotFound) {
					return perrors.CheckpointNotFound(args[0], err)
				}
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(snap)
				}
				if snap.Plan == nil {
					return fmt.Errorf("checkpoint %s carries no plan; use --json", args[0])
				}
				result := &engine.RunResult{
					RunID:      snap.RunID,
					Status:     snapshotStatus(snap),
					State:      snap.State,
					Results:    snap.Results,
					Checkpoint: args[0],
				}
				fmt.Fprint(out, report.Build(snap.Plan, result).Markdown())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw snapshot")
	return cmd
}

func newCheckpointsDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <token>...",
		Short: "Delete checkpoints",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(store checkpoint.Store) error {
				for _, token := range args {
					err := store.Delete(cmd.Context(), token)
					if errors.Is(err, engine.ErrCheckpointNotFound) {
						return perrors.CheckpointNotFound(token, err)
					}
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", token)
				}
				return nil
			})
		},
	}
}

// snapshotStatus infers a status for display: a snapshot is either paused or mid-run.
func snapshotStatus(snap *engine.Snapshot) engine.RunStatus {
	if snap.State != nil && snap.State.PausedBefore != "" {
		return engine.StatusPaused
	}
	if snap.Plan != nil && snap.State != nil && len(snap.State.CompletedIDs) == len(snap.Plan.Steps) {
		return engine.StatusCompleted
	}
	return engine.StatusCancelled
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

// redactedStore hides credentials in a store URL for logging.
func redactedStore(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	return u.Redacted()
}
