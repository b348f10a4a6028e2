package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/antoniostano/avatarcall/internal/history"
	"github.com/antoniostano/avatarcall/internal/observability"
	"github.com/antoniostano/avatarcall/internal/policy"
	"github.com/antoniostano/avatarcall/internal/realtime"
	"github.com/antoniostano/avatarcall/internal/session"
)

const (
	minDuration  = 10
	maxDuration  = 300
	historyLimit = 100
)

type remoteRecord struct {
	ID      string                 `json:"id"`
	Status  realtime.SessionStatus `json:"status"`
	Failure string                 `json:"failure,omitempty"`
}

type sessionResponse struct {
	Session session.Summary `json:"session"`
	Remote  remoteRecord    `json:"remote"`
}

type issued struct {
	sessionID  string
	sessionKey string
	conn       realtime.Connection
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	avatar, duration, ok := s.decodeConnectRequest(w, r)
	if !ok {
		return
	}
	out, err := s.negotiate(r.Context(), session.RouteConnect, avatar, duration, true)
	if err != nil {
		s.respondNegotiationError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out.conn)
}

func (s *Server) handleIssueSessionKey(w http.ResponseWriter, r *http.Request) {
	avatar, duration, ok := s.decodeConnectRequest(w, r)
	if !ok {
		return
	}
	out, err := s.negotiate(r.Context(), session.RouteSession, avatar, duration, false)
	if err != nil {
		s.respondNegotiationError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, session.KeyResponse{SessionID: out.sessionID, SessionKey: out.sessionKey})
}

func (s *Server) decodeConnectRequest(w http.ResponseWriter, r *http.Request) (realtime.Avatar, int, bool) {
	var req session.ConnectRequest
	if err := decodeJSON(r, &req); err != nil {
		msg := "request body must be a JSON object"
		if !errors.Is(err, errEmptyBody) {
			msg = err.Error()
		}
		respondError(w, http.StatusBadRequest, "invalid_request", msg)
		return realtime.Avatar{}, 0, false
	}
	avatar := avatarFromRequest(req)
	if !avatar.Valid() {
		respondError(w, http.StatusBadRequest, "invalid_avatar", "avatarId, customAvatarId or avatar is required")
		return realtime.Avatar{}, 0, false
	}
	duration := req.Duration
	if duration == 0 {
		duration = s.cfg.SessionDuration
	}
	if duration != 0 && (duration < minDuration || duration > maxDuration) {
		respondError(w, http.StatusBadRequest, "invalid_duration",
			fmt.Sprintf("duration must be between %d and %d seconds", minDuration, maxDuration))
		return realtime.Avatar{}, 0, false
	}
	return avatar, duration, true
}

func avatarFromRequest(req session.ConnectRequest) realtime.Avatar {
	if req.Avatar != nil {
		return realtime.Avatar{
			Type:     strings.TrimSpace(req.Avatar.Type),
			PresetID: strings.TrimSpace(req.Avatar.PresetID),
			AvatarID: strings.TrimSpace(req.Avatar.AvatarID),
			CustomID: strings.TrimSpace(req.Avatar.CustomID),
		}
	}
	if id := strings.TrimSpace(req.CustomAvatarID); id != "" {
		return realtime.CustomAvatar(id)
	}
	return realtime.PresetAvatar(req.AvatarID)
}

// negotiate runs create, waitForReady and, for the connect route, consume.
func (s *Server) negotiate(ctx context.Context, route session.Route, avatar realtime.Avatar, duration int, consume bool) (out issued, err error) {
	started := time.Now()
	defer func() {
		s.metrics.ObserveNegotiation("proxy_"+string(route), err, time.Since(started))
		s.metrics.ObserveIssuedSession(string(route), err)
	}()

	stage := time.Now()
	out.sessionID, err = s.api.CreateSession(ctx, realtime.CreateRequest{Model: s.cfg.Model, Avatar: avatar, Duration: duration})
	if err != nil {
		return issued{}, err
	}
	s.metrics.ObserveStage(observability.StageCreate, time.Since(stage))

	stage = time.Now()
	out.sessionKey, err = s.api.WaitForReady(ctx, out.sessionID, realtime.WaitOptions{
		Timeout:      s.cfg.SessionReadyTimeout,
		PollInterval: s.cfg.SessionPollInterval,
	})
	if err != nil {
		return issued{}, err
	}
	s.metrics.ObserveStage(observability.StagePoll, time.Since(stage))

	if consume {
		stage = time.Now()
		out.conn, err = s.api.Consume(ctx, out.sessionID, out.sessionKey)
		if err != nil {
			return issued{}, err
		}
		s.metrics.ObserveStage(observability.StageConsume, time.Since(stage))
	}
	s.metrics.ObserveStage(observability.StageNegotiate, time.Since(started))

	sess := s.sessions.Issue(session.IssueRequest{
		RemoteID:  out.sessionID,
		AvatarKey: avatar.ID(),
		Route:     route,
		RoomName:  out.conn.RoomName,
		Duration:  duration,
	})
	if saveErr := s.store.Save(ctx, history.Record{
		SessionID: sess.ID,
		AvatarKey: sess.AvatarKey,
		Route:     string(sess.Route),
		RoomName:  sess.RoomName,
		Duration:  sess.Duration,
		Status:    string(sess.Status),
		IssuedAt:  sess.IssuedAt,
	}); saveErr != nil {
		zerolog.Ctx(ctx).Warn().Err(saveErr).Str("session_id", sess.ID).Msg("history save failed")
	}
	zerolog.Ctx(ctx).Info().
		Str("session_id", sess.ID).
		Str("route", string(route)).
		Str("avatar", sess.AvatarKey).
		Dur("elapsed", time.Since(started)).
		Msg("session issued")
	return out, nil
}

func (s *Server) respondNegotiationError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := negotiationErrorStatus(err)
	msg := policy.Redact(err.Error())
	zerolog.Ctx(r.Context()).Error().Str("code", code).Str("error", msg).Msg("avatar session negotiation failed")
	if status == http.StatusUnauthorized {
		msg = "Invalid API key"
	}
	respondError(w, status, code, msg)
}

func negotiationErrorStatus(err error) (int, string) {
	var (
		apiErr     *realtime.APIError
		timeoutErr *realtime.TimeoutError
		termErr    *realtime.SessionTerminatedError
		netErr     *realtime.NetworkError
	)
	switch {
	case errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden):
		return http.StatusUnauthorized, "invalid_api_key"
	case errors.As(err, &apiErr):
		return http.StatusBadGateway, "upstream_error"
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout, "session_timeout"
	case errors.As(err, &termErr):
		return http.StatusBadGateway, "session_terminated"
	case errors.As(err, &netErr):
		return http.StatusBadGateway, "upstream_unreachable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "deadline_exceeded"
	default:
		return http.StatusInternalServerError, "negotiation_failed"
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	rec, err := s.api.GetStatus(r.Context(), sess.ID)
	if err != nil {
		s.respondNegotiationError(w, r, err)
		return
	}
	_ = s.sessions.Touch(sess.ID)
	respondJSON(w, http.StatusOK, sessionResponse{
		Session: s.sessions.Summary(sess),
		Remote:  remoteRecord{ID: rec.ID, Status: rec.Status, Failure: rec.Failure},
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	current, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	sess, err := s.endSession(r.Context(), current.ID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.sessions.Summary(sess))
}

func (s *Server) endSession(ctx context.Context, id string) (*session.Session, error) {
	sess, err := s.sessions.End(id)
	if err != nil {
		return nil, err
	}
	if err := s.store.MarkEnded(ctx, sess.ID, string(sess.Status), time.Now()); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("session_id", sess.ID).Msg("history update failed")
	}
	return sess, nil
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	avatarID := strings.TrimSpace(q.Get("avatar_id"))
	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, historyLimit)
	}
	records, err := s.store.Recent(r.Context(), avatarID, limit)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("history query failed")
		respondError(w, http.StatusInternalServerError, "history_unavailable", "history store query failed")
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"avatar_id": avatarID,
		"sessions":  records,
	})
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return nil, false
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, false
	}
	return sess, true
}

// onExpire closes the history record of a session the janitor expired.
func (s *Server) onExpire(sess *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.MarkEnded(ctx, sess.ID, string(sess.Status), sess.LastActivityAt); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("history update failed")
		return
	}
	s.logger.Info().Str("session_id", sess.ID).Msg("issued session expired")
}
