// ABOUTME: The run subcommand: executes or resumes a plan with checkpoints, observers and an optional TUI.
// ABOUTME: Prints a markdown run summary and maps pause, cancel and failures to exit codes.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/2389-research/planrun/checkpoint"
	"github.com/2389-research/planrun/engine"
	perrors "github.com/2389-research/planrun/internal/errors"
	"github.com/2389-research/planrun/internal/log"
	"github.com/2389-research/planrun/isolate"
	"github.com/2389-research/planrun/report"
	"github.com/2389-research/planrun/tui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

// errStepsFailed is returned when a run completed but some steps exhausted their retries.
var errStepsFailed = errors.New("one or more steps failed")

type runFlags struct {
	plan            string
	resume          string
	runID           string
	pauseBefore     []string
	checkpointEvery bool
	tui             bool
	isolateAll      bool
	noIsolation     bool
	progressDir     string
	summaryHTML     string
	quiet           bool
}

func newRunCmd(a *app) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [plan]",
		Short: "Execute a plan, or resume one from a checkpoint",
		Example: `  planrun run build.yaml
  planrun run build.yaml --pause-before deploy --store sqlite:///tmp/planrun.db
  planrun run --resume 01J9Z3V8M4QK2B6T7R1N5XW0HC --store sqlite:///tmp/planrun.db
  planrun run --tui build.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if f.plan != "" && f.plan != args[0] {
					return usageError("plan given both as argument %q and --plan %q", args[0], f.plan)
				}
				f.plan = args[0]
			}
			if f.plan == "" && f.resume == "" {
				return usageError("a plan file is required unless --resume is given")
			}
			if f.isolateAll && f.noIsolation {
				return usageError("--isolate-all and --no-isolation are mutually exclusive")
			}
			return a.run(cmd, f)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.plan, "plan", "p", "", "plan file (JSON or YAML)")
	flags.StringVar(&f.resume, "resume", "", "checkpoint token to resume from")
	flags.StringVar(&f.runID, "run-id", "", "run id for a new run (default: generated)")
	flags.StringSliceVar(&f.pauseBefore, "pause-before", nil, "step ids to pause in front of")
	flags.BoolVar(&f.checkpointEvery, "checkpoint-every", false, "save a checkpoint after every step")
	flags.BoolVar(&f.tui, "tui", false, "show an interactive terminal UI")
	flags.BoolVar(&f.isolateAll, "isolate-all", false, "run every timed step in a worker process")
	flags.BoolVar(&f.noIsolation, "no-isolation", false, "never start worker processes")
	flags.StringVar(&f.progressDir, "progress-dir", "", "write progress.ndjson and live.json here")
	flags.StringVar(&f.summaryHTML, "summary-html", "", "also write the run summary as HTML to this file")
	flags.BoolVarP(&f.quiet, "quiet", "q", false, "do not print the run summary")
	return cmd
}

func (a *app) run(cmd *cobra.Command, f *runFlags) error {
	ctx := cmd.Context()

	var plan *engine.Plan
	if f.plan != "" {
		p, err := loadPlan(f.plan)
		if err != nil {
			return err
		}
		plan = p
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	var snap *engine.Snapshot
	if f.resume != "" {
		if store == nil {
			return perrors.New(perrors.CodeStoreConfig, "--resume needs a checkpoint store").
				WithSuggestion("pass --store or set PLANRUN_STORE")
		}
		snap, err = store.Load(ctx, f.resume)
		if errors.Is(err, engine.ErrCheckpointNotFound) {
			return perrors.CheckpointNotFound(f.resume, err)
		}
		if err != nil {
			return err
		}
		if plan == nil {
			if snap.Plan == nil {
				return perrors.PlanInvalid(errors.New("checkpoint carries no plan; pass one with --plan"))
			}
			plan = snap.Plan
		}
	}

	reg := newRegistry()
	logger := a.logger
	if f.tui {
		// Log lines would tear the alternate screen.
		logger = log.Nop()
	}
	for _, d := range engine.Lint(plan, reg) {
		if d.Severity != engine.SeverityError {
			logger.Warn("plan lint", "rule", d.Rule, "step_id", d.StepID, "message", d.Message)
		}
	}

	cfg := engine.EngineConfig{
		Registry:        reg,
		PreferIsolation: f.isolateAll,
		Breaker:         a.cfg.Breaker.Options(),
		DefaultRetry:    a.cfg.RetryPolicy(),
		Logger:          logger,
	}
	if store != nil {
		cfg.Checkpointer = store
	}
	if a.cfg.Isolation && !f.noIsolation {
		iso, err := isolate.NewSelfProcess(reg, logger, workerCommand)
		if err != nil {
			logger.Warn("process isolation unavailable", "error", err.Error())
		} else {
			cfg.Isolator = iso
		}
	}
	eng := engine.NewEngine(cfg)

	obs, err := a.observers(ctx, f, logger)
	if err != nil {
		return err
	}
	defer obs.Close()
	eng.SetEventHandler(obs.HandleEvent)

	pauseBefore := f.pauseBefore
	if !cmd.Flags().Changed("pause-before") {
		pauseBefore = a.cfg.PauseBefore
	}
	opts := engine.RunOptions{RunID: f.runID, PauseBefore: pauseBefore, CheckpointEvery: f.checkpointEvery}
	exec := func(ctx context.Context) (*engine.RunResult, error) {
		if snap != nil {
			return eng.ResumeFrom(ctx, plan, snap, opts)
		}
		return eng.Run(ctx, plan, opts)
	}

	var result *engine.RunResult
	var runErr error
	if f.tui {
		var state *engine.ExecutionState
		if snap != nil {
			state = snap.State
		}
		result, runErr = runWithTUI(ctx, plan, state, obs, exec)
	} else {
		result, runErr = exec(ctx)
	}
	return a.finish(cmd, plan, result, runErr, f)
}

// runWithTUI drives the run from inside a bubbletea program and returns its outcome.
func runWithTUI(ctx context.Context, plan *engine.Plan, state *engine.ExecutionState, obs *observers, exec tui.RunFunc) (*engine.RunResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := tui.NewAppModel(ctx, plan, state, exec)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	bridge := tui.NewEventBridge(program.Send)
	obs.Add(bridge.HandleEvent)

	final, err := program.Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return nil, fmt.Errorf("terminal UI: %w", err)
	}
	app, ok := final.(tui.AppModel)
	if !ok || !app.Done() {
		return nil, perrors.RunCancelled(context.Canceled)
	}
	return app.Result()
}

// finish prints the summary and turns the outcome into the command error.
func (a *app) finish(cmd *cobra.Command, plan *engine.Plan, result *engine.RunResult, runErr error, f *runFlags) error {
	if result == nil {
		if errors.Is(runErr, engine.ErrPlanMismatch) {
			return perrors.PlanMismatch(runErr)
		}
		return runErr
	}

	summary := report.Build(plan, result)
	if !f.quiet {
		fmt.Fprint(cmd.OutOrStdout(), summary.Markdown())
	}
	if f.summaryHTML != "" {
		html, err := summary.HTML()
		if err != nil {
			return fmt.Errorf("render summary: %w", err)
		}
		if err := os.WriteFile(f.summaryHTML, []byte(html), 0o644); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}

	switch {
	case errors.Is(runErr, engine.ErrPaused):
		fmt.Fprintln(cmd.ErrOrStderr(), perrors.RunPaused(result.State.PausedBefore, result.Checkpoint))
		return nil
	case result.Status == engine.StatusCancelled:
		return perrors.RunCancelled(runErr).WithSuggestion(resumeHint(result.Checkpoint))
	case runErr != nil:
		return runErr
	}
	if failed := result.Failed(); len(failed) > 0 {
		return fmt.Errorf("%w: %s", errStepsFailed, strings.Join(failed, ", "))
	}
	return nil
}

func resumeHint(token string) string {
	if token == "" {
		return "configure a checkpoint store to make cancelled runs resumable"
	}
	return fmt.Sprintf("resume with `planrun run --resume %s`", token)
}

// loadPlan reads and parses a plan file.
func loadPlan(path string) (*engine.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, perrors.PlanNotFound(path, err)
	}
	plan, err := engine.ParsePlan(data)
	if err != nil {
		return nil, perrors.PlanInvalid(err)
	}
	return plan, nil
}

// openStore opens the configured checkpoint store. An empty URL means none.
func (a *app) openStore(ctx context.Context) (checkpoint.Store, error) {
	if a.cfg.Store == "" {
		return nil, nil
	}
	return checkpoint.Open(ctx, a.cfg.Store)
}
