package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists issued sessions in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS issued_sessions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL UNIQUE,
			avatar_key TEXT NOT NULL,
			route TEXT NOT NULL,
			room_name TEXT NOT NULL DEFAULT '',
			duration INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			issued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at TIMESTAMPTZ
		);`,
		`CREATE INDEX IF NOT EXISTS idx_issued_sessions_avatar_issued ON issued_sessions (avatar_key, issued_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, record Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.IssuedAt.IsZero() {
		record.IssuedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO issued_sessions (id, session_id, avatar_key, route, room_name, duration, status, issued_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (session_id) DO UPDATE
		 SET room_name = EXCLUDED.room_name, status = EXCLUDED.status, ended_at = NULL`,
		record.ID,
		record.SessionID,
		record.AvatarKey,
		record.Route,
		record.RoomName,
		record.Duration,
		record.Status,
		record.IssuedAt,
	)
	if err != nil {
		return fmt.Errorf("save issued session: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkEnded(ctx context.Context, sessionID, status string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE issued_sessions SET status=$2, ended_at=$3 WHERE session_id=$1 AND ended_at IS NULL`,
		sessionID,
		status,
		at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("mark session ended: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, avatarKey string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultLimit
	}

	const cols = `id, session_id, avatar_key, route, room_name, duration, status, issued_at, ended_at`
	var (
		rows pgx.Rows
		err  error
	)
	if avatarKey == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT `+cols+` FROM issued_sessions ORDER BY issued_at DESC LIMIT $1`, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+cols+` FROM issued_sessions WHERE avatar_key=$1 ORDER BY issued_at DESC LIMIT $2`, avatarKey, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query issued sessions: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0, limit)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.SessionID, &r.AvatarKey, &r.Route, &r.RoomName, &r.Duration, &r.Status, &r.IssuedAt, &r.EndedAt); err != nil {
			return nil, fmt.Errorf("scan issued session row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issued session rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
