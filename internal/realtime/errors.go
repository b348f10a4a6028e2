package realtime

import (
	"fmt"
	"net/url"
	"time"

	"github.com/antoniostano/avatarcall/internal/policy"
	"github.com/antoniostano/avatarcall/internal/reliability"
)

// NetworkError is a transport-level failure (DNS, TLS, connection reset,
// unreadable body) while talking to the negotiation API.
type NetworkError struct {
	Op  string
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("%s %s: network error: %v", e.Op, redactURL(e.URL), e.Err)
	}
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Retryable() bool { return true }

// APIError is a non-2xx response from the negotiation API.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: api status %d: %s", e.Op, e.Status, policy.Redact(e.Body))
}

func (e *APIError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.Status)
}

// TimeoutError is returned when a session does not become ready within the
// polling budget.
type TimeoutError struct {
	SessionID string
	Timeout   time.Duration
	Polls     int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("session %s not ready after %s (%d polls): session creation timed out", e.SessionID, e.Timeout, e.Polls)
}

func (e *TimeoutError) Retryable() bool { return true }

// SessionTerminatedError is returned when the remote session reached a
// terminal status before it became ready.
type SessionTerminatedError struct {
	SessionID string
	Status    SessionStatus
	Failure   string
}

func (e *SessionTerminatedError) Error() string {
	msg := fmt.Sprintf("session %s %s before becoming ready", e.SessionID, e.Status)
	if e.Failure != "" {
		msg += ": " + e.Failure
	}
	return msg
}

func (e *SessionTerminatedError) Retryable() bool { return e.Status != StatusCancelled }

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u == nil {
		return policy.Redact(raw)
	}
	u.User = nil
	return policy.Redact(u.String())
}
