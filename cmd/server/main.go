package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/EscrowBox/server/internal/config"
	"github.com/EscrowBox/server/internal/logger"
	"github.com/EscrowBox/server/pkg/escrowbox"
)

func main() {
	// Local development convenience; a missing .env file is not an error.
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("ESCROWBOX_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "escrowbox-server",
		Environment: cfg.Logging.Environment,
	})

	app, err := escrowbox.NewApp(cfg)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("failed to assemble application")
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      app.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		appLogger.Info().
			Str("address", cfg.Server.Address).
			Str("storage_backend", cfg.Storage.Backend).
			Str("stripe_mode", cfg.Stripe.Mode).
			Msg("escrowbox server listening")
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		appLogger.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error().Err(err).Msg("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error().Err(err).Msg("http server shutdown failed")
	}
	if err := app.Close(); err != nil {
		appLogger.Error().Err(err).Msg("resource cleanup reported errors")
	}
	appLogger.Info().Msg("escrowbox server stopped")
}
