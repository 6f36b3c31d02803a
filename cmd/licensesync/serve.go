package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func serveCommand(inst *instance) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the sync scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), inst)
		},
	}
}

func serve(parent context.Context, inst *instance) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(inst.cfg, inst.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	a.monitor.Start(ctx)
	defer a.monitor.Stop()

	go a.collector.Start(ctx)
	defer a.collector.Stop()

	if a.scheduler != nil {
		a.scheduler.Start(ctx)
	}

	cfg := inst.cfg.Server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      a.router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		inst.logger.Info("Starting API server", "addr", server.Addr, "version", version)
		if err := server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}

	inst.logger.Info("Shutting down server")

	if a.scheduler != nil {
		if err := a.scheduler.Stop(); err != nil {
			inst.logger.Warn("Scheduler did not stop cleanly", "error", err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	inst.logger.Info("Server exited")
	return nil
}
