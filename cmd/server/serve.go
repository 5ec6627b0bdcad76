package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ethank2222/TriniTeam/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP and WebSocket API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		client, err := newClient(cfg.Generation, logger)
		if err != nil {
			return err
		}
		a, err := newApp(cfg, client, logger)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return a.serve(ctx)
	},
}

// serve runs the HTTP server until ctx is done, then shuts down gracefully
func (a *app) serve(ctx context.Context) error {
	a.start(ctx)

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           api.NewServer(a.session, a.metrics.Handler(), a.hub, a.logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			a.logger.Error("HTTP server failed", zap.Error(err))
			return err
		}
	case <-ctx.Done():
		a.logger.Info("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if a.session.Project() != nil && a.session.Status().Running {
		if _, err := a.session.StopProject(shutdownCtx); err != nil {
			a.logger.Warn("Failed to stop project", zap.Error(err))
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}

	a.logger.Info("Server shutting down gracefully")
	return nil
}
