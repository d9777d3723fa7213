// ABOUTME: The serve subcommand: starts the HTTP run API with metrics and the configured checkpoint store.
package main

import (
	"github.com/2389-research/planrun/engine"
	"github.com/2389-research/planrun/isolate"
	"github.com/2389-research/planrun/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API for submitting and following runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if addr == "" {
				addr = a.cfg.ServeAddr
			}

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			if store != nil {
				defer store.Close()
			}

			reg := newRegistry()
			ecfg := engine.EngineConfig{
				Registry:     reg,
				Breaker:      a.cfg.Breaker.Options(),
				DefaultRetry: a.cfg.RetryPolicy(),
				Logger:       a.logger,
				Metrics:      engine.NewMetrics(prometheus.DefaultRegisterer),
			}
			if store != nil {
				ecfg.Checkpointer = store
			}
			if a.cfg.Isolation {
				if iso, err := isolate.NewSelfProcess(reg, a.logger, workerCommand); err == nil {
					ecfg.Isolator = iso
				} else {
					a.logger.Warn("process isolation unavailable", "error", err.Error())
				}
			}

			srv := server.New(server.Config{
				Addr:     addr,
				Engine:   ecfg,
				Logger:   a.logger,
				Gatherer: prometheus.DefaultGatherer,
			})
			a.logger.Info("serving", "addr", addr, "store", redactedStore(a.cfg.Store))
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config, 127.0.0.1:2390)")
	return cmd
}
