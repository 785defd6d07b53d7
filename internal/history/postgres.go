package history

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parley/internal/voice"
)

var _ Store = (*PostgresStore)(nil)

const ddlMessages = `
CREATE TABLE IF NOT EXISTS chat_messages (
    seq         BIGSERIAL    PRIMARY KEY,
    id          UUID         NOT NULL UNIQUE,
    session_id  UUID         NOT NULL,
    role        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_session_seq
    ON chat_messages (session_id, seq);
`

// Migrate creates the chat_messages table if it does not exist. It is
// idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlMessages); err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

// PostgresStore is a [Store] backed by a PostgreSQL chat_messages table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, verifies the connection and runs
// [Migrate].
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Append implements [Store].
func (s *PostgresStore) Append(ctx context.Context, msg voice.Message) error {
	const q = `
		INSERT INTO chat_messages (id, session_id, role, text, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, q, msg.ID, msg.SessionID, string(msg.Role), msg.Text, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

// List implements [Store].
func (s *PostgresStore) List(ctx context.Context, q Query) ([]voice.Message, error) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"TRUE"}
	if q.SessionID != uuid.Nil {
		conditions = append(conditions, "session_id = "+next(q.SessionID))
	}
	if !q.After.IsZero() {
		conditions = append(conditions, "created_at > "+next(q.After))
	}

	sql := "SELECT seq, id, session_id, role, text, created_at\n" +
		"FROM   chat_messages\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY seq DESC"
	if q.Limit > 0 {
		sql += "\nLIMIT " + next(q.Limit)
	}
	// Newest first for LIMIT, then flipped back to append order.
	sql = "SELECT id, session_id, role, text, created_at FROM (" + sql + ") AS recent ORDER BY seq"

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (voice.Message, error) {
		var (
			m    voice.Message
			role string
		)
		if err := row.Scan(&m.ID, &m.SessionID, &role, &m.Text, &m.CreatedAt); err != nil {
			return voice.Message{}, err
		}
		m.Role = voice.Role(role)
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history: scan rows: %w", err)
	}
	if msgs == nil {
		msgs = []voice.Message{}
	}
	return msgs, nil
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
