package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/antoniostano/avatarcall/internal/config"
	"github.com/antoniostano/avatarcall/internal/history"
	"github.com/antoniostano/avatarcall/internal/httpapi"
	"github.com/antoniostano/avatarcall/internal/observability"
	"github.com/antoniostano/avatarcall/internal/realtime"
	"github.com/antoniostano/avatarcall/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat).With().Str("component", "avatar-proxy").Logger()
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	if cfg.APISecret == "" {
		logger.Warn().Msg("RUNWAYML_API_SECRET is not set; negotiation requests will be rejected upstream")
	}

	ctx := context.Background()
	store, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("history store init failed")
	}
	defer store.Close()
	logger.Info().Str("mode", store.Mode()).Msg("history store ready")

	client := realtime.New(
		realtime.WithBaseURL(cfg.BaseURL),
		realtime.WithAPIKey(cfg.APISecret),
		realtime.WithAPIVersion(cfg.APIVersion),
		realtime.WithModel(cfg.Model),
		realtime.WithLogger(logger.With().Str("component", "realtime").Logger()),
		realtime.WithObserver(metrics.ObserveAPIRequest),
	)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	api := httpapi.New(cfg, client, sessions, store, metrics, logger)
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Str("base_url", client.BaseURL()).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	logger.Info().Msg("shutdown complete")
}
