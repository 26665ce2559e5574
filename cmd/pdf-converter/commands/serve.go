package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/spherical/pdf-converter/internal/httpapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP conversion service",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg).WithOperation("serve")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// Nothing is in flight yet, so every upload directory is a leftover.
	if n, err := a.uploads.Sweep(0); err != nil {
		logger.Warn().Err(err).Msg("failed to sweep leftover uploads")
	} else if n > 0 {
		logger.Info().Int("removed", n).Msg("removed leftover upload directories")
	}

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	go a.janitor().Run(janitorCtx)

	deps := httpapi.Deps{
		Converter: a.pipeline,
		Manifests: a.manifests,
		Logger:    logger,
	}
	if a.local != nil {
		deps.Downloads = a.local.Handler()
	}

	router := httpapi.NewRouter(httpapi.Config{
		RequestTimeout: cfg.Server.RequestTimeout,
		MaxRequestSize: cfg.Limits.MaxRequestSize,
		RateLimit:      cfg.Limits.RateLimit.Requests,
		RateWindow:     cfg.Limits.RateLimit.Window,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	}, deps)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	logger.Info().
		Str("addr", srv.Addr).
		Str("storage", cfg.Storage.Driver).
		Str("cache", cfg.Cache.Driver).
		Bool("audit", cfg.Audit.Enabled).
		Int("workers", cfg.Conversion.Workers).
		Msg("Starting PDF converter")

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Server error")
			return err
		}
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	}

	stopJanitor()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
		if err := srv.Close(); err != nil {
			logger.Error().Err(err).Msg("Forced shutdown failed")
		}
	}

	logger.Info().Msg("Server stopped")
	return nil
}
