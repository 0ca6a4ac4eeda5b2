package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"queryinsight/internal/config"
	"queryinsight/internal/http/handlers"
	"queryinsight/internal/pipeline"
)

func execute() int {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "queryinsight",
		Short:         "PostgreSQL fleet query observation",
		Long:          "Collects pg_stat_statements from monitored PostgreSQL targets, raises critical-time alerts, snapshots schemas and synthesizes suggestions.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newServeCmd(), newRunCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			return serve(ctx, a)
		},
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "run <job>",
		Short:     "Run one job once and exit",
		Long:      "Runs collect, alerts, schema or suggest once across all targets, honoring the overlap policy of a running server only within this process.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{pipeline.JobCollect, pipeline.JobAlerts, pipeline.JobSchema, pipeline.JobSuggest},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			return a.sched.RunNow(ctx, args[0])
		},
	}
}

func serve(ctx context.Context, a *app) error {
	a.sched.Start(ctx)

	srv := &fasthttp.Server{
		Handler:      handlers.NewHandler(a.cfg, a.pipeline, a.sched, prometheus.DefaultGatherer, a.log),
		Name:         "queryinsight",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("queryinsight listening", zap.String("addr", a.cfg.ListenAddr))
		errCh <- srv.ListenAndServe(a.cfg.ListenAddr)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
	case serveErr = <-errCh:
		a.log.Error("server error", zap.Error(serveErr))
	}

	if err := srv.Shutdown(); err != nil {
		a.log.Warn("http shutdown", zap.Error(err))
	}
	if err := a.sched.Shutdown(); err != nil {
		a.log.Warn("scheduler shutdown", zap.Error(err))
	}
	return serveErr
}

// loadConfig reads and validates the environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
