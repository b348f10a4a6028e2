package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps issued sessions in process for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []Record
	bySess  map[string]int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{bySess: make(map[string]int)}
}

func (s *InMemoryStore) Save(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.IssuedAt.IsZero() {
		record.IssuedAt = time.Now().UTC()
	}
	if idx, ok := s.bySess[record.SessionID]; ok && record.SessionID != "" {
		record.ID = s.records[idx].ID
		s.records[idx] = record
		return nil
	}
	s.records = append(s.records, record)
	if record.SessionID != "" {
		s.bySess[record.SessionID] = len(s.records) - 1
	}
	return nil
}

func (s *InMemoryStore) MarkEnded(_ context.Context, sessionID, status string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.bySess[sessionID]
	if !ok {
		return nil
	}
	r := &s.records[idx]
	if r.EndedAt != nil {
		return nil
	}
	ended := at.UTC()
	r.Status = status
	r.EndedAt = &ended
	return nil
}

// Recent returns the newest records first. An empty avatarKey matches all.
func (s *InMemoryStore) Recent(_ context.Context, avatarKey string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		r := s.records[i]
		if avatarKey != "" && r.AvatarKey != avatarKey {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *InMemoryStore) Mode() string { return "in-memory" }

func (s *InMemoryStore) Close() error { return nil }
