package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/antoniostano/avatarcall/internal/policy"
	"github.com/antoniostano/avatarcall/internal/protocol"
	"github.com/antoniostano/avatarcall/internal/realtime"
	"github.com/antoniostano/avatarcall/internal/reliability"
)

const (
	maxStreamFailures = 5
	streamWriteWait   = 10 * time.Second
	streamReadWait    = 120 * time.Second
)

// streamClose asks the writer to send a close frame and stop.
type streamClose struct{}

// handleStatusStream pushes session_status events for an issued session
// until the remote session reaches a terminal status, the client ends it, or
// polling keeps failing.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	sessionID := sess.ID
	logger := zerolog.Ctx(r.Context()).With().Str("session_id", sessionID).Logger()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()
	logger.Debug().Msg("status stream opened")

	ctx, cancel := context.WithCancel(logger.WithContext(r.Context()))
	defer cancel()

	outbound := make(chan any, 64)
	endReq := make(chan struct{}, 1)
	enqueue := func(msg any) {
		select {
		case outbound <- msg:
		case <-ctx.Done():
		}
	}

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		s.pollStatus(ctx, sessionID, endReq, enqueue)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer conn.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if _, ok := msg.(streamClose); ok {
					_ = conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream finished"))
					cancel()
					return
				}
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.ObserveWSMessage("outbound", "write_error")
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.ObserveWSMessage("outbound", string(t))
				}
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(streamReadWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadWait))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(streamReadWait))
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			enqueue(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			})
			continue
		}
		ctrl := parsed.(protocol.ClientControl)
		s.metrics.ObserveWSMessage("inbound", string(ctrl.Type))
		if ctrl.SessionID != sessionID {
			enqueue(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "session_mismatch",
				Source:    "gateway",
				Detail:    "client_control session_id does not match the stream",
			})
			continue
		}
		_ = s.sessions.Touch(sessionID)
		switch ctrl.Action {
		case protocol.ActionPing:
			enqueue(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sessionID, Code: "pong"})
		case protocol.ActionEnd:
			select {
			case endReq <- struct{}{}:
			default:
			}
		}
	}

	cancel()
	<-pollDone
	<-writerDone
	logger.Debug().Msg("status stream closed")
}

// pollStatus is the only producer of status and lifecycle events on a
// stream. Transient poll failures back off exponentially; after
// maxStreamFailures consecutive failures the stream gives up.
func (s *Server) pollStatus(ctx context.Context, sessionID string, endReq <-chan struct{}, emit func(any)) {
	interval := s.cfg.SessionPollInterval
	if interval <= 0 {
		interval = realtime.DefaultPollInterval
	}
	var (
		last     realtime.SessionStatus
		polls    int
		failures int
	)
	for {
		delay := interval
		rec, err := s.api.GetStatus(ctx, sessionID)
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			failures++
			retry := reliability.Retryable(err) && failures < maxStreamFailures
			emit(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "status_poll_failed",
				Source:    "negotiation_api",
				Retryable: retry,
				Detail:    policy.Redact(err.Error()),
			})
			if !retry {
				zerolog.Ctx(ctx).Warn().Err(err).Int("failures", failures).Msg("status stream giving up")
				emit(streamClose{})
				return
			}
			delay = reliability.ExponentialBackoff(failures-1, interval, 8*interval)
		default:
			failures = 0
			polls++
			_ = s.sessions.Touch(sessionID)
			if rec.Status != last {
				last = rec.Status
				emit(protocol.SessionStatus{
					Type:      protocol.TypeSessionStatus,
					SessionID: sessionID,
					Status:    string(rec.Status),
					Failure:   rec.Failure,
					Polls:     polls,
					TSMs:      time.Now().UnixMilli(),
				})
			}
			if rec.Status.Terminal() {
				s.finishRemote(ctx, sessionID, rec.Status)
				emit(streamClose{})
				return
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-endReq:
			timer.Stop()
			if _, err := s.endSession(ctx, sessionID); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Msg("end from status stream failed")
			}
			emit(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sessionID, Code: "session_ended"})
			emit(streamClose{})
			return
		case <-timer.C:
		}
	}
}

func (s *Server) finishRemote(ctx context.Context, sessionID string, status realtime.SessionStatus) {
	if _, err := s.sessions.End(sessionID); err != nil {
		return
	}
	if err := s.store.MarkEnded(ctx, sessionID, strings.ToLower(string(status)), time.Now()); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("history update failed")
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientControl:
		return m.Type, true
	case protocol.SessionStatus:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
