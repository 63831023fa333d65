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
	"github.com/rs/zerolog"

	"github.com/runyourtrip/server/internal/config"
	"github.com/runyourtrip/server/internal/logger"
	"github.com/runyourtrip/server/pkg/runyourtrip"
)

func main() {
	// .env is a local development convenience; absence is not an error.
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("RYT_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := bootstrapLogger()
		bootLog.Fatal().Err(err).Msg("server.config_load_failed")
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "runyourtrip-fulfillment",
		Environment: cfg.Logging.Environment,
	})

	app, err := runyourtrip.NewApp(cfg)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("server.init_failed")
	}
	defer func() {
		if err := app.Close(); err != nil {
			appLogger.Error().Err(err).Msg("server.cleanup_failed")
		}
	}()

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
		Handler:      app.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		appLogger.Info().
			Str("address", cfg.Server.Address).
			Str("route_prefix", cfg.Server.RoutePrefix).
			Str("stripe_mode", cfg.Stripe.Mode).
			Msg("server.listening")
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		appLogger.Info().Str("signal", sig.String()).Msg("server.shutdown_requested")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal().Err(err).Msg("server.listen_failed")
		}
		return
	}

	// In-flight downloads get a grace period to finish streaming.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error().Err(err).Msg("server.shutdown_failed")
		return
	}
	appLogger.Info().Msg("server.stopped")
}

// bootstrapLogger covers failures before the configured logger exists.
func bootstrapLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
