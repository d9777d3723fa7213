// ABOUTME: The env subcommand: shows which PLANRUN_* variables are set and the effective configuration.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// envKeys are the variables planrun reads, in display order.
var envKeys = []string{
	"PLANRUN_LOG_LEVEL",
	"PLANRUN_LOG_FORMAT",
	"PLANRUN_STORE",
	"PLANRUN_DATABASE_URL",
	"PLANRUN_S3_ENDPOINT",
	"PLANRUN_S3_BUCKET",
	"PLANRUN_S3_ACCESS_KEY",
	"PLANRUN_S3_SECRET_KEY",
	"PLANRUN_S3_PREFIX",
	"PLANRUN_S3_REGION",
	"PLANRUN_S3_USE_SSL",
	"PLANRUN_ISOLATION",
	"PLANRUN_MAX_RETRIES",
	"PLANRUN_RETRY_JITTER",
	"PLANRUN_BREAKER_RESET_ON_CLOSE",
	"PLANRUN_BREAKER_AGGREGATE_OP",
	"PLANRUN_STALL_TIMEOUT",
	"PLANRUN_PAUSE_BEFORE",
	"PLANRUN_PROGRESS_DIR",
	"PLANRUN_SERVE_ADDR",
}

func newEnvCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show planrun environment variables and effective settings",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printEnv(cmd.OutOrStdout(), a.cfg)
		},
	}
}

func printEnv(w io.Writer, cfg Config) {
	fmt.Fprintln(w, "Environment:")
	for _, key := range envKeys {
		fmt.Fprintf(w, "  %-24s %s\n", key, envStatus(key))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Effective:")
	fmt.Fprintf(w, "  store        %s\n", orNone(redactedStore(cfg.Store)))
	fmt.Fprintf(w, "  isolation    %t\n", cfg.Isolation)
	fmt.Fprintf(w, "  max retries  %d\n", cfg.Retry.MaxRetries)
	fmt.Fprintf(w, "  log          %s/%s\n", cfg.LogLevel, cfg.LogFormat)
	fmt.Fprintf(w, "  serve addr   %s\n", cfg.ServeAddr)
}

// envStatus returns "[set]" if the named environment variable is non-empty,
// or "[not set]" otherwise.
func envStatus(key string) string {
	if os.Getenv(key) != "" {
		return "[set]"
	}
	return "[not set]"
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
