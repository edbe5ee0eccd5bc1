package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/csvmerge/internal/ingest"
	"github.com/JonMunkholm/csvmerge/internal/web"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve GitHub push webhooks and the runs API",
		Long: `Start the HTTP server.

Routes:
  POST /webhooks/github   start a run for the pushed head commit
  POST /api/runs          start a run for {"commit": "..."}
  GET  /api/runs          list recent runs
  GET  /api/runs/{id}     run status and report
  GET  /healthz           liveness and run slot usage

On SIGINT or SIGTERM the server stops accepting requests and waits for
in-flight runs up to SERVER_SHUTDOWN_TIMEOUT.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg

	p, err := buildPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.close()

	limiter := ingest.NewRunLimiter(cfg.Ingest.MaxConcurrentRuns, cfg.Ingest.RunWait)
	runs := web.NewRuns(p.orchestrator, limiter, cfg.Ingest.RunTimeout, cfg.Server.RunHistory)
	server := web.NewServer(runs, cfg)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"target", cfg.Target.Table,
		"max_concurrent_runs", cfg.Ingest.MaxConcurrentRuns,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", cfg.Server.Addr())
		errCh <- server.Start()
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-sigCtx.Done():
	}

	slog.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}

	if status := runs.Status(); status.Active > 0 {
		slog.Info("waiting for runs to complete", "active", status.Active)
		if err := runs.WaitForDrain(shutdownCtx); err != nil {
			slog.Warn("runs did not complete in time", "error", err)
			return err
		}
		slog.Info("all runs completed")
	}
	return nil
}
