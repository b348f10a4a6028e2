package widget

import (
	"fmt"
	"strings"

	"github.com/antoniostano/avatarcall/internal/credentials"
)

type Position string

const (
	PositionBottomRight Position = "bottom-right"
	PositionBottomLeft  Position = "bottom-left"
	PositionTopRight    Position = "top-right"
	PositionTopLeft     Position = "top-left"
)

type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
)

const (
	DefaultZIndex = 2147483646

	MinDuration = 10
	MaxDuration = 300
)

// Config configures one widget instance.
type Config struct {
	// Pre-created session, consumed directly.
	SessionID  string
	SessionKey string

	// APIKey negotiates client side. ServerURL posts to a connect proxy.
	APIKey    string
	ServerURL string
	BaseURL   string

	// Embedders may also hand over resolved credentials or a resolver.
	Credentials *credentials.Credentials
	Connect     credentials.ConnectFunc

	AvatarID    string
	PresetID    string
	AvatarImage string
	// Duration is the session length in seconds. Zero uses the server default.
	Duration int

	Position      Position
	Theme         Theme
	AccentColor   string
	ZIndex        int
	StartExpanded bool

	OnReady func()
	OnError func(error)
	OnEnd   func()
}

// Validate applies the rules checked when a widget is initialized.
func (c Config) Validate() error {
	hasAvatar := strings.TrimSpace(c.AvatarID) != "" || strings.TrimSpace(c.PresetID) != ""
	hasSource := strings.TrimSpace(c.SessionID) != "" ||
		strings.TrimSpace(c.APIKey) != "" ||
		strings.TrimSpace(c.ServerURL) != "" ||
		c.Credentials != nil ||
		c.Connect != nil
	if !hasSource {
		return &credentials.ConfigurationError{
			Reason:   "widget has no session source",
			Required: []string{"sessionId", "apiKey", "serverUrl"},
		}
	}
	if strings.TrimSpace(c.SessionID) != "" && strings.TrimSpace(c.SessionKey) == "" && c.Credentials == nil {
		return &credentials.ConfigurationError{Reason: "sessionId requires sessionKey"}
	}
	if (strings.TrimSpace(c.APIKey) != "" || strings.TrimSpace(c.ServerURL) != "") && !hasAvatar {
		return &credentials.ConfigurationError{
			Reason:   "apiKey and serverUrl need an avatar",
			Required: []string{"avatarId", "presetId"},
		}
	}
	if c.Duration != 0 && (c.Duration < MinDuration || c.Duration > MaxDuration) {
		return &credentials.ConfigurationError{Reason: fmt.Sprintf("duration %d outside %d..%d seconds", c.Duration, MinDuration, MaxDuration)}
	}
	switch c.Position {
	case "", PositionBottomRight, PositionBottomLeft, PositionTopRight, PositionTopLeft:
	default:
		return &credentials.ConfigurationError{Reason: fmt.Sprintf("unknown position %q", c.Position)}
	}
	switch c.Theme {
	case "", ThemeLight, ThemeDark:
	default:
		return &credentials.ConfigurationError{Reason: fmt.Sprintf("unknown theme %q", c.Theme)}
	}
	if c.ZIndex < 0 {
		return &credentials.ConfigurationError{Reason: "zIndex must not be negative"}
	}
	return nil
}

func (c Config) normalized() Config {
	if c.Position == "" {
		c.Position = PositionBottomRight
	}
	if c.Theme == "" {
		c.Theme = ThemeLight
	}
	if c.ZIndex == 0 {
		c.ZIndex = DefaultZIndex
	}
	c.AccentColor = strings.TrimSpace(c.AccentColor)
	return c
}

// options builds the credential options for one start attempt.
func (c Config) options(attempt int) credentials.Options {
	return credentials.Options{
		AvatarID:    strings.TrimSpace(c.AvatarID),
		PresetID:    strings.TrimSpace(c.PresetID),
		Credentials: c.Credentials,
		SessionID:   strings.TrimSpace(c.SessionID),
		SessionKey:  strings.TrimSpace(c.SessionKey),
		Connect:     c.Connect,
		ConnectURL:  strings.TrimSpace(c.ServerURL),
		APIKey:      strings.TrimSpace(c.APIKey),
		BaseURL:     strings.TrimSpace(c.BaseURL),
		Duration:    c.Duration,
		Attempt:     attempt,
	}
}
