package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/support-desk/backend/internal/app"
	"github.com/zhouzirui/support-desk/backend/internal/config"
	"github.com/zhouzirui/support-desk/backend/internal/handler"
	"github.com/zhouzirui/support-desk/backend/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Caller: cfg.Log.Caller})
	log.Logger = logger
	if envErr != nil {
		logger.Warn().Err(envErr).Msg("no .env file loaded, continuing with system environment variables only")
	}

	desk, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize support desk")
	}
	defer func() {
		if err := desk.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close store")
		}
	}()
	logger.Info().
		Str("store", cfg.Store.Driver).
		Str("model", cfg.AI.Model).
		Int("max_tool_rounds", cfg.Pipeline.MaxToolRounds).
		Msg("support desk initialized")

	router := handler.NewRouter(handler.Dependencies{
		Sessions:       desk.Support,
		Health:         desk.Store,
		Metrics:        desk.Metrics,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logging.Component(logger, "http"),
	})

	if err := startServer(ctx, cfg.Server, router, logger); err != nil {
		logger.Error().Err(err).Msg("server error")
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info().Str("addr", serverCfg.Addr).Msg("support desk listening")
	return runServer(ctx, srv)
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
