package history

import (
	"context"
	"time"
)

// Record is one session issued by the connect proxy.
type Record struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	AvatarKey string     `json:"avatar"`
	Route     string     `json:"route"`
	RoomName  string     `json:"room_name,omitempty"`
	Duration  int        `json:"duration,omitempty"`
	Status    string     `json:"status"`
	IssuedAt  time.Time  `json:"issued_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Store persists issued sessions.
type Store interface {
	Save(ctx context.Context, record Record) error
	MarkEnded(ctx context.Context, sessionID, status string, at time.Time) error
	Recent(ctx context.Context, avatarKey string, limit int) ([]Record, error)
	Mode() string
	Close() error
}

const defaultLimit = 20
