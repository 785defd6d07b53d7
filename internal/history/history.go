// Package history stores the chat messages produced by voice sessions.
//
// Two backends are provided: [MemStore], which keeps messages in process
// memory, and [PostgresStore], which persists them in a PostgreSQL table.
// Both satisfy [Store] and are safe for concurrent use.
package history

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/voice"
)

// Store persists finalized chat messages. It satisfies [voice.MessageSink].
type Store interface {
	// Append records msg. Appending a message whose ID is already stored is a
	// no-op.
	Append(ctx context.Context, msg voice.Message) error

	// List returns the messages matching q in append order.
	List(ctx context.Context, q Query) ([]voice.Message, error)
}

// Query filters the messages returned by [Store.List]. All non-zero fields
// are applied as AND conditions.
type Query struct {
	// SessionID restricts results to one session. [uuid.Nil] matches all
	// sessions.
	SessionID uuid.UUID

	// After excludes messages created at or before this instant.
	After time.Time

	// Limit caps the number of results, keeping the most recent. Zero means
	// no limit.
	Limit int
}

func (q Query) matches(m voice.Message) bool {
	if q.SessionID != uuid.Nil && m.SessionID != q.SessionID {
		return false
	}
	if !q.After.IsZero() && !m.CreatedAt.After(q.After) {
		return false
	}
	return true
}
