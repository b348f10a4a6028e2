package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Observer is notified after every API round trip. status is 0 when the
// request failed before a response arrived.
type Observer func(op string, status int, elapsed time.Duration)

// Client wraps the realtime session negotiation API: create, status and
// consume.
type Client struct {
	baseURL    string
	apiKey     string
	apiVersion string
	model      string
	httpClient *http.Client
	logger     zerolog.Logger
	observer   Observer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(opts ...Option) *Client {
	c := &Client{
		apiVersion: DefaultAPIVersion,
		model:      DefaultModel,
		httpClient: newDefaultHTTPClient(),
		logger:     zerolog.Nop(),
		now:        time.Now,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.baseURL = strings.TrimRight(strings.TrimSpace(c.baseURL), "/")
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL()
	}
	return c
}

// BaseURL returns the resolved API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// newDefaultHTTPClient keeps transport-level timeouts; overall request
// lifetime is bounded by the caller's context.
func newDefaultHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// CreateSession allocates a new remote session and returns its id.
func (c *Client) CreateSession(ctx context.Context, req CreateRequest) (string, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	if !req.Avatar.Valid() {
		return "", fmt.Errorf("create session: avatar requires a preset or custom id")
	}
	req.Avatar = req.Avatar.normalized()

	var out createResponse
	if err := c.do(ctx, "create session", http.MethodPost, "/v1/realtime_sessions", c.apiKey, req, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &APIError{Op: "create session", Status: http.StatusOK, Body: "response missing id"}
	}
	c.logger.Debug().Str("session_id", out.ID).Str("avatar", req.Avatar.ID()).Msg("session created")
	return out.ID, nil
}

// GetStatus fetches the current remote session record.
func (c *Client) GetStatus(ctx context.Context, sessionID string) (SessionRecord, error) {
	if strings.TrimSpace(sessionID) == "" {
		return SessionRecord{}, errors.New("get session status: session id is required")
	}
	var out SessionRecord
	if err := c.do(ctx, "get session status", http.MethodGet, "/v1/realtime_sessions/"+url.PathEscape(sessionID), c.apiKey, nil, &out); err != nil {
		return SessionRecord{}, err
	}
	if out.ID == "" {
		out.ID = sessionID
	}
	return out, nil
}

// Consume exchanges a ready session and its key for room credentials.
func (c *Client) Consume(ctx context.Context, sessionID, sessionKey string) (Connection, error) {
	if strings.TrimSpace(sessionID) == "" || strings.TrimSpace(sessionKey) == "" {
		return Connection{}, errors.New("consume session: session id and key are required")
	}
	var out consumeResponse
	path := "/v1/realtime_sessions/" + url.PathEscape(sessionID) + "/consume"
	if err := c.do(ctx, "consume session", http.MethodPost, path, sessionKey, nil, &out); err != nil {
		return Connection{}, err
	}
	conn := out.connection(sessionID)
	if conn.ServerURL == "" || conn.Token == "" {
		return Connection{}, &APIError{Op: "consume session", Status: http.StatusOK, Body: "response missing url or token"}
	}
	return conn, nil
}

// Negotiate runs create -> wait for ready -> consume.
func (c *Client) Negotiate(ctx context.Context, req CreateRequest, wait WaitOptions) (Connection, error) {
	sessionID, err := c.CreateSession(ctx, req)
	if err != nil {
		return Connection{}, err
	}
	sessionKey, err := c.WaitForReady(ctx, sessionID, wait)
	if err != nil {
		return Connection{}, err
	}
	return c.Consume(ctx, sessionID, sessionKey)
}

func (c *Client) do(ctx context.Context, op, method, path, bearer string, body, out any) error {
	endpoint := c.baseURL + path

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiVersion != "" {
		req.Header.Set("X-Runway-Version", c.apiVersion)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	started := c.now()
	res, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(op, 0, started)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", op, ctxErr)
		}
		return &NetworkError{Op: op, URL: endpoint, Err: err}
	}
	defer res.Body.Close()
	c.observe(op, res.StatusCode, started)

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &APIError{Op: op, Status: res.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return &NetworkError{Op: op, URL: endpoint, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) observe(op string, status int, started time.Time) {
	if c.observer != nil {
		c.observer(op, status, c.now().Sub(started))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
