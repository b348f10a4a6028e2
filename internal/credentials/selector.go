package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/antoniostano/avatarcall/internal/realtime"
)

// Negotiator is the subset of realtime.Client the selector drives.
type Negotiator interface {
	Consume(ctx context.Context, sessionID, sessionKey string) (realtime.Connection, error)
	Negotiate(ctx context.Context, req realtime.CreateRequest, wait realtime.WaitOptions) (realtime.Connection, error)
}

// SelectorConfig wires the collaborators used by the negotiating sources.
type SelectorConfig struct {
	HTTPClient *http.Client
	// NewNegotiator builds the API client for one attempt. Defaults to a
	// realtime.Client using the attempt's base URL and API key.
	NewNegotiator func(o Options) Negotiator
	// Model and APIVersion apply to the default negotiator. Empty keeps
	// the realtime client defaults.
	Model      string
	APIVersion string
	Wait       realtime.WaitOptions
	Logger     zerolog.Logger
}

// Selector turns Options into exactly one resolution strategy.
type Selector struct {
	httpClient    *http.Client
	newNegotiator func(o Options) Negotiator
	wait          realtime.WaitOptions
	logger        zerolog.Logger
}

func NewSelector(cfg SelectorConfig) *Selector {
	s := &Selector{
		httpClient:    cfg.HTTPClient,
		newNegotiator: cfg.NewNegotiator,
		wait:          cfg.Wait,
		logger:        cfg.Logger,
	}
	if s.httpClient == nil {
		s.httpClient = http.DefaultClient
	}
	if s.newNegotiator == nil {
		opts := []realtime.Option{
			realtime.WithHTTPClient(s.httpClient),
			realtime.WithLogger(s.logger),
		}
		if cfg.Model != "" {
			opts = append(opts, realtime.WithModel(cfg.Model))
		}
		if cfg.APIVersion != "" {
			opts = append(opts, realtime.WithAPIVersion(cfg.APIVersion))
		}
		s.newNegotiator = func(o Options) Negotiator {
			return realtime.New(append([]realtime.Option{
				realtime.WithBaseURL(o.BaseURL),
				realtime.WithAPIKey(o.APIKey),
			}, opts...)...)
		}
	}
	return s
}

// Strategy is a selected credential source bound to its options.
type Strategy struct {
	Kind     Kind
	Identity string

	resolve func(ctx context.Context) (Credentials, error)
}

// Resolve runs the strategy once.
func (s Strategy) Resolve(ctx context.Context) (Credentials, error) {
	return s.resolve(ctx)
}

// Select picks the strategy for o. It performs no I/O.
func (s *Selector) Select(o Options) (Strategy, error) {
	kind, err := o.Kind()
	if err != nil {
		return Strategy{}, err
	}

	st := Strategy{Kind: kind, Identity: o.Identity()}
	switch kind {
	case KindDirect:
		creds := *o.Credentials
		st.resolve = func(context.Context) (Credentials, error) { return creds, nil }
	case KindSessionKey:
		st.resolve = func(ctx context.Context) (Credentials, error) { return s.consume(ctx, o) }
	case KindConnect:
		st.resolve = func(ctx context.Context) (Credentials, error) { return o.Connect(ctx, o.avatarKey()) }
	case KindConnectURL:
		st.resolve = func(ctx context.Context) (Credentials, error) { return s.postConnectURL(ctx, o) }
	case KindAPIKey:
		if _, ok := o.Avatar(); !ok {
			return Strategy{}, &ConfigurationError{Reason: "apiKey requires avatarId or presetId"}
		}
		st.resolve = func(ctx context.Context) (Credentials, error) { return s.negotiate(ctx, o) }
	}
	return st, nil
}

// Resolve selects and runs the strategy for o.
func (s *Selector) Resolve(ctx context.Context, o Options) (Credentials, error) {
	st, err := s.Select(o)
	if err != nil {
		return Credentials{}, err
	}
	return st.Resolve(ctx)
}

func (s *Selector) consume(ctx context.Context, o Options) (Credentials, error) {
	conn, err := s.newNegotiator(o).Consume(ctx, strings.TrimSpace(o.SessionID), strings.TrimSpace(o.SessionKey))
	if err != nil {
		return Credentials{}, err
	}
	return FromConnection(conn), nil
}

func (s *Selector) negotiate(ctx context.Context, o Options) (Credentials, error) {
	avatar, _ := o.Avatar()
	conn, err := s.newNegotiator(o).Negotiate(ctx, realtime.CreateRequest{Avatar: avatar, Duration: o.Duration}, s.wait)
	if err != nil {
		return Credentials{}, err
	}
	s.logger.Debug().Str("session_id", conn.SessionID).Str("avatar", avatar.ID()).Msg("negotiated session")
	return FromConnection(conn), nil
}

type connectRequest struct {
	AvatarID string           `json:"avatarId,omitempty"`
	Avatar   *realtime.Avatar `json:"avatar,omitempty"`
	Duration int              `json:"duration,omitempty"`
}

func (s *Selector) postConnectURL(ctx context.Context, o Options) (Credentials, error) {
	body := connectRequest{AvatarID: o.avatarKey(), Duration: o.Duration}
	if avatar, ok := o.Avatar(); ok {
		body.Avatar = &avatar
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Credentials{}, fmt.Errorf("connect url: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSpace(o.ConnectURL), bytes.NewReader(payload))
	if err != nil {
		return Credentials{}, fmt.Errorf("connect url: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := s.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Credentials{}, fmt.Errorf("connect url: %w", ctxErr)
		}
		return Credentials{}, &realtime.NetworkError{Op: "connect url", URL: o.ConnectURL, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Credentials{}, &realtime.APIError{Op: "connect url", Status: res.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var creds Credentials
	if err := json.NewDecoder(res.Body).Decode(&creds); err != nil {
		return Credentials{}, &realtime.NetworkError{Op: "connect url", URL: o.ConnectURL, Err: fmt.Errorf("decode response: %w", err)}
	}
	if !creds.Valid() {
		return Credentials{}, &realtime.APIError{Op: "connect url", Status: res.StatusCode, Body: "response missing serverUrl or token"}
	}
	return creds, nil
}
