// ABOUTME: Root cobra command with the persistent flags shared by every subcommand.
// ABOUTME: Loads configuration and builds the logger before any subcommand runs.
package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/2389-research/planrun/internal/log"
	"github.com/spf13/cobra"
)

// errUsage marks errors caused by bad invocation rather than a failed run.
var errUsage = errors.New("usage")

// app carries resolved configuration from the root command to subcommands.
type app struct {
	configPath string
	logLevel   string
	logFormat  string
	store      string

	cfg    Config
	logger *log.Logger
	stderr io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "planrun",
		Short: "Run step plans with retries, circuit breakers and checkpoints",
		Long: `planrun executes a plan of steps in dependency order. Each step runs an
operation with its own retry policy, timeout and circuit breaker. Runs can
pause at chosen steps and resume from a checkpoint in a file, SQLite,
Postgres or S3-compatible store.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default: $XDG_CONFIG_HOME/planrun/config.yaml)")
	flags.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error")
	flags.StringVar(&a.logFormat, "log-format", "", "text or json")
	flags.StringVar(&a.store, "store", "", "checkpoint store URL (file://, sqlite://, postgres://, s3://)")

	cmd.AddCommand(
		newRunCmd(a),
		newValidateCmd(a),
		newGraphCmd(a),
		newServeCmd(a),
		newCheckpointsCmd(a),
		newEnvCmd(a),
		newWorkerCmd(a),
		newVersionCmd(),
	)
	return cmd
}

// load merges the config file, environment and persistent flags.
func (a *app) load(cmd *cobra.Command) error {
	path, explicit := a.configPath, a.configPath != ""
	if !explicit {
		p, err := defaultConfigPath()
		if err == nil {
			path = p
		}
	}
	dataDir, err := defaultDataDir()
	if err != nil {
		dataDir = ""
	}

	cfg, err := LoadConfig(path, explicit, dataDir)
	if err != nil {
		return err
	}
	if changed(cmd, "log-level") {
		cfg.LogLevel = a.logLevel
	}
	if changed(cmd, "log-format") {
		cfg.LogFormat = a.logFormat
	}
	// An explicit empty --store disables checkpoints.
	if changed(cmd, "store") {
		cfg.Store = a.store
	}
	a.cfg = cfg

	a.stderr = cmd.ErrOrStderr()
	logCfg := cfg.LogConfig()
	logCfg.Output = a.stderr
	a.logger = log.New(logCfg)
	return nil
}

func changed(cmd *cobra.Command, name string) bool {
	f := cmd.Flag(name)
	return f != nil && f.Changed
}

// usageError wraps msg so main exits with the usage code.
func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}
