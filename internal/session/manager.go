package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
	StatusExpired Status = "expired"
)

var ErrNotFound = errors.New("session not found")

// defaultRetention is how long an ended or expired session stays readable
// before the janitor drops it.
const defaultRetention = 15 * time.Minute

// Session is one entry of the proxy's issued-session ledger.
type Session struct {
	ID             string    `json:"session_id"`
	AvatarKey      string    `json:"avatar"`
	Route          Route     `json:"route"`
	RoomName       string    `json:"room_name,omitempty"`
	Duration       int       `json:"duration,omitempty"`
	Status         Status    `json:"status"`
	IssuedAt       time.Time `json:"issued_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Manager tracks sessions handed out by the proxy and expires the ones no
// client has touched within the inactivity timeout. Finished sessions are
// pruned once the retention period has passed; the history store keeps the
// durable record.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	inactivityTimeout time.Duration
	retention         time.Duration
	onExpire          func(*Session)
	now               func() time.Time
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 5 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		inactivityTimeout: inactivityTimeout,
		retention:         defaultRetention,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Issue records a negotiated session. Re-issuing a known remote id refreshes
// the entry instead of duplicating it.
func (m *Manager) Issue(req IssueRequest) *Session {
	now := m.now()
	id := strings.TrimSpace(req.RemoteID)
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.Status = StatusActive
		s.LastActivityAt = now
		if req.RoomName != "" {
			s.RoomName = req.RoomName
		}
		return clone(s)
	}
	s := &Session{
		ID:             id,
		AvatarKey:      req.AvatarKey,
		Route:          req.Route,
		RoomName:       req.RoomName,
		Duration:       req.Duration,
		Status:         StatusActive,
		IssuedAt:       now,
		LastActivityAt: now,
	}
	m.sessions[id] = s
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// Touch marks client activity on an active session.
func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.Status == StatusActive {
		s.LastActivityAt = m.now()
	}
	return nil
}

// End marks a session ended. Ending an ended or expired session returns it
// unchanged.
func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status == StatusActive {
		s.Status = StatusEnded
		s.LastActivityAt = m.now()
	}
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) sweep() {
	m.expireInactive()
	m.prune()
}

// prune drops finished sessions older than the retention period.
func (m *Manager) prune() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.Status != StatusActive && now.Sub(s.LastActivityAt) >= m.retention {
			delete(m.sessions, id)
		}
	}
}

func (m *Manager) expireInactive() {
	now := m.now()
	var expired []*Session

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.Status != StatusActive {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		s.Status = StatusExpired
		s.LastActivityAt = now
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

// Summary renders the proxy view of s.
func (m *Manager) Summary(s *Session) Summary {
	return Summary{
		SessionID:       s.ID,
		Status:          s.Status,
		Route:           s.Route,
		AvatarKey:       s.AvatarKey,
		IssuedAt:        s.IssuedAt,
		LastActivityAt:  s.LastActivityAt,
		InactivityTTLMS: m.inactivityTimeout.Milliseconds(),
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
