package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	TransportLiveKit = "livekit"
	TransportMock    = "mock"
)

// Config contains all runtime settings for the connect proxy and the call
// runner.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	APISecret  string
	BaseURL    string
	APIVersion string
	Model      string

	SessionDuration          int
	SessionReadyTimeout      time.Duration
	SessionPollInterval      time.Duration
	SessionInactivityTimeout time.Duration

	DatabaseURL string

	CallTransport  string
	CallAvatarID   string
	CallPresetID   string
	CallConnectURL string
	CallSessionID  string
	CallSessionKey string
}

// Load reads an optional .env file, then environment variables, and applies
// safe defaults. Variables already set in the environment win over .env.
func Load() (Config, error) {
	_ = godotenv.Load()
	return load()
}

func load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "avatarcall"),
		AllowAnyOrigin:           false,
		LogLevel:                 envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:                envOrDefault("APP_LOG_FORMAT", "console"),
		APISecret:                stringsTrimSpace("RUNWAYML_API_SECRET"),
		BaseURL:                  envOrDefault("RUNWAYML_BASE_URL", "https://api.dev.runwayml.com"),
		APIVersion:               envOrDefault("RUNWAYML_API_VERSION", "2024-11-06"),
		Model:                    envOrDefault("AVATAR_MODEL", "gwm1_avatars"),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		CallTransport:            strings.ToLower(envOrDefault("CALL_TRANSPORT", TransportLiveKit)),
		CallAvatarID:             stringsTrimSpace("CALL_AVATAR_ID"),
		CallPresetID:             stringsTrimSpace("CALL_PRESET_ID"),
		CallConnectURL:           stringsTrimSpace("CALL_CONNECT_URL"),
		CallSessionID:            stringsTrimSpace("CALL_SESSION_ID"),
		CallSessionKey:           stringsTrimSpace("CALL_SESSION_KEY"),
		ShutdownTimeout:          15 * time.Second,
		SessionReadyTimeout:      30 * time.Second,
		SessionPollInterval:      time.Second,
		SessionInactivityTimeout: 5 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionReadyTimeout, err = durationFromEnv("SESSION_READY_TIMEOUT", cfg.SessionReadyTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionPollInterval, err = durationFromEnv("SESSION_POLL_INTERVAL", cfg.SessionPollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionDuration, err = intFromEnv("SESSION_DURATION", cfg.SessionDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionReadyTimeout <= 0 {
		return Config{}, fmt.Errorf("SESSION_READY_TIMEOUT must be positive")
	}
	if cfg.SessionPollInterval <= 0 || cfg.SessionPollInterval > cfg.SessionReadyTimeout {
		return Config{}, fmt.Errorf("SESSION_POLL_INTERVAL must be positive and not exceed SESSION_READY_TIMEOUT")
	}
	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.SessionDuration != 0 && (cfg.SessionDuration < 10 || cfg.SessionDuration > 300) {
		return Config{}, fmt.Errorf("SESSION_DURATION must be between 10 and 300 seconds")
	}
	switch cfg.CallTransport {
	case TransportLiveKit, TransportMock:
	default:
		return Config{}, fmt.Errorf("CALL_TRANSPORT must be %q or %q", TransportLiveKit, TransportMock)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
