package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/antoniostano/avatarcall/internal/config"
	"github.com/antoniostano/avatarcall/internal/history"
	"github.com/antoniostano/avatarcall/internal/observability"
	"github.com/antoniostano/avatarcall/internal/realtime"
	"github.com/antoniostano/avatarcall/internal/session"
)

// Negotiator is the slice of the realtime client the proxy drives.
type Negotiator interface {
	CreateSession(ctx context.Context, req realtime.CreateRequest) (string, error)
	GetStatus(ctx context.Context, sessionID string) (realtime.SessionRecord, error)
	WaitForReady(ctx context.Context, sessionID string, opts realtime.WaitOptions) (string, error)
	Consume(ctx context.Context, sessionID, sessionKey string) (realtime.Connection, error)
}

type Server struct {
	cfg      config.Config
	api      Negotiator
	sessions *session.Manager
	store    history.Store
	metrics  *observability.Metrics
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, api Negotiator, sessions *session.Manager, store history.Store, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	if store == nil {
		store = history.NewInMemoryStore()
	}
	s := &Server{
		cfg:      cfg,
		api:      api,
		sessions: sessions,
		store:    store,
		metrics:  metrics,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may watch a session unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
	sessions.SetExpireHook(s.onExpire)
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestContext)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/api/avatar", func(r chi.Router) {
		r.Post("/connect", s.handleConnect)
		r.Post("/session", s.handleIssueSessionKey)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Get("/sessions/{id}/ws", s.handleStatusStream)
		r.Post("/sessions/{id}/end", s.handleEndSession)
		r.Get("/history", s.handleHistory)
		r.Get("/stats", s.handleStats)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"history_store":   s.store.Mode(),
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.api == nil || strings.TrimSpace(s.cfg.APISecret) == "" {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"reason": "RUNWAYML_API_SECRET is not configured",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"history_store": s.store.Mode(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
