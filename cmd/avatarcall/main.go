package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/antoniostano/avatarcall/internal/config"
	"github.com/antoniostano/avatarcall/internal/coordinator"
	"github.com/antoniostano/avatarcall/internal/credentials"
	"github.com/antoniostano/avatarcall/internal/display"
	"github.com/antoniostano/avatarcall/internal/observability"
	"github.com/antoniostano/avatarcall/internal/realtime"
	"github.com/antoniostano/avatarcall/internal/reliability"
	"github.com/antoniostano/avatarcall/internal/transport"
	"github.com/antoniostano/avatarcall/internal/transport/livekit"
	"github.com/antoniostano/avatarcall/internal/widget"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat).With().Str("component", "avatarcall").Logger()
	os.Exit(run(cfg, logger))
}

func run(cfg config.Config, logger zerolog.Logger) int {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var tr transport.Transport
	switch cfg.CallTransport {
	case config.TransportMock:
		tr = &transport.MockTransport{AutoVideo: true}
	default:
		tr = livekit.New(logger.With().Str("component", "livekit").Logger())
	}

	selector := credentials.NewSelector(selectorConfig(cfg, logger))
	registry := widget.NewRegistry(widget.Deps{
		Transport: tr,
		Resolver:  selector,
		Cache:     coordinator.NewCache(metrics),
		Metrics:   metrics,
		Logger:    logger,
	})
	defer registry.Destroy()

	finished := make(chan error, 1)
	finish := func(err error) {
		select {
		case finished <- err:
		default:
		}
	}

	wcfg := widgetConfig(cfg)
	wcfg.OnReady = func() { logger.Info().Msg("call connected") }
	wcfg.OnEnd = func() { finish(nil) }
	wcfg.OnError = finish

	w, err := registry.Init(wcfg)
	if err != nil {
		logger.Error().Err(err).Msg("call configuration rejected")
		return 2
	}

	updates, unsubscribe := w.Subscribe()
	defer unsubscribe()
	go logDisplay(logger, updates)

	w.Open()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		logger.Info().Msg("hanging up")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.EndSession(ctx); err != nil && !errors.Is(err, coordinator.ErrClosed) {
			logger.Warn().Err(err).Msg("end call failed")
		}
	case err := <-finished:
		if err != nil {
			logger.Error().Err(err).Bool("retryable", reliability.Retryable(err)).Msg("call failed")
			return 1
		}
		logger.Info().Msg("call ended by the avatar")
	}

	for _, stage := range metrics.StageSnapshot().Stages {
		logger.Info().Str("stage", stage.Stage).Float64("last_ms", stage.LastMS).Msg("call timing")
	}
	return 0
}

func selectorConfig(cfg config.Config, logger zerolog.Logger) credentials.SelectorConfig {
	return credentials.SelectorConfig{
		Model:      cfg.Model,
		APIVersion: cfg.APIVersion,
		Wait: realtime.WaitOptions{
			Timeout:      cfg.SessionReadyTimeout,
			PollInterval: cfg.SessionPollInterval,
		},
		Logger: logger,
	}
}

// widgetConfig maps CALL_* settings to a widget. With the mock transport
// and no session source configured, a local connect function stands in for
// the negotiation API.
func widgetConfig(cfg config.Config) widget.Config {
	wcfg := widget.Config{
		SessionID:  cfg.CallSessionID,
		SessionKey: cfg.CallSessionKey,
		ServerURL:  cfg.CallConnectURL,
		APIKey:     cfg.APISecret,
		BaseURL:    cfg.BaseURL,
		AvatarID:   cfg.CallAvatarID,
		PresetID:   cfg.CallPresetID,
		Duration:   cfg.SessionDuration,
	}
	if cfg.CallTransport != config.TransportMock {
		return wcfg
	}
	if wcfg.SessionID == "" && wcfg.ServerURL == "" && wcfg.APIKey == "" {
		wcfg.Connect = func(_ context.Context, _ string) (credentials.Credentials, error) {
			id := uuid.NewString()
			return credentials.Credentials{
				SessionID: id,
				ServerURL: "wss://mock.invalid",
				Token:     "mock-token",
				RoomName:  "mock-" + id[:8],
			}, nil
		}
	}
	return wcfg
}

func logDisplay(logger zerolog.Logger, updates <-chan coordinator.Status) {
	var last display.Kind
	for st := range updates {
		view := display.FromStatus(st)
		if view.Kind == last {
			continue
		}
		last = view.Kind
		ev := logger.Info().Str("display", string(view.Kind)).Str("state", string(st.State))
		if view.Track != nil {
			ev = ev.Str("track", view.Track.TrackSID)
		}
		if view.Err != nil {
			ev = ev.Err(view.Err)
		}
		ev.Msg(view.Message())
	}
}
