package main

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/avatarcall/internal/config"
)

func TestWidgetConfigMockFallsBackToLocalConnect(t *testing.T) {
	wcfg := widgetConfig(config.Config{CallTransport: config.TransportMock})
	if wcfg.Connect == nil {
		t.Fatalf("mock transport without a session source should get a connect func")
	}
	if err := wcfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	creds, err := wcfg.Connect(context.Background(), "")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !creds.Valid() {
		t.Fatalf("mock credentials invalid: %+v", creds)
	}
}

func TestWidgetConfigLiveKitKeepsInputs(t *testing.T) {
	wcfg := widgetConfig(config.Config{
		CallTransport:   config.TransportLiveKit,
		CallConnectURL:  "http://localhost:8080/api/avatar/connect",
		CallPresetID:    "game-character",
		SessionDuration: 60,
	})
	if wcfg.Connect != nil {
		t.Fatalf("livekit transport should not inject a connect func")
	}
	if wcfg.ServerURL == "" || wcfg.PresetID != "game-character" || wcfg.Duration != 60 {
		t.Fatalf("widget config = %+v", wcfg)
	}
	if err := wcfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestWidgetConfigWithoutSourceIsRejected(t *testing.T) {
	wcfg := widgetConfig(config.Config{CallTransport: config.TransportLiveKit})
	if err := wcfg.Validate(); err == nil {
		t.Fatalf("Validate() should reject a config without a session source")
	}
}

func TestSelectorConfigCarriesModelAndVersion(t *testing.T) {
	cfg := config.Config{
		Model:               "gwm1_avatars",
		APIVersion:          "2024-11-06",
		SessionReadyTimeout: 30 * time.Second,
		SessionPollInterval: time.Second,
	}
	sc := selectorConfig(cfg, zerolog.Nop())
	if sc.Model != cfg.Model || sc.APIVersion != cfg.APIVersion {
		t.Fatalf("model/version = %q/%q, want %q/%q", sc.Model, sc.APIVersion, cfg.Model, cfg.APIVersion)
	}
	if sc.Wait.Timeout != cfg.SessionReadyTimeout || sc.Wait.PollInterval != cfg.SessionPollInterval {
		t.Fatalf("wait = %+v, want %v/%v", sc.Wait, cfg.SessionReadyTimeout, cfg.SessionPollInterval)
	}
}
