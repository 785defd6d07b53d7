package history_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/voice"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(session uuid.UUID, role voice.Role, text string, at time.Duration) voice.Message {
	return voice.Message{ID: uuid.New(), SessionID: session, Role: role, Text: text, CreatedAt: t0.Add(at)}
}

// exerciseStore runs the behaviour every Store must share.
func exerciseStore(t *testing.T, s history.Store) {
	t.Helper()
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	seed := []voice.Message{
		msg(a, voice.RoleUser, "Hi", 0),
		msg(a, voice.RoleModel, "Hello there", 0),
		msg(b, voice.RoleUser, "Other session", time.Second),
		msg(a, voice.RoleUser, "How are you?", 2*time.Second),
		msg(a, voice.RoleModel, "Fine.", 2*time.Second),
	}
	for _, m := range seed {
		if err := s.Append(ctx, m); err != nil {
			t.Fatalf("Append(%q): %v", m.Text, err)
		}
	}
	// Duplicate IDs are ignored.
	if err := s.Append(ctx, seed[0]); err != nil {
		t.Fatalf("Append duplicate: %v", err)
	}

	tests := []struct {
		name string
		q    history.Query
		want []string
	}{
		{"all", history.Query{}, []string{"Hi", "Hello there", "Other session", "How are you?", "Fine."}},
		{"session", history.Query{SessionID: a}, []string{"Hi", "Hello there", "How are you?", "Fine."}},
		{"after", history.Query{SessionID: a, After: t0.Add(time.Second)}, []string{"How are you?", "Fine."}},
		{"limit keeps newest", history.Query{SessionID: a, Limit: 3}, []string{"Hello there", "How are you?", "Fine."}},
		{"unknown session", history.Query{SessionID: uuid.New()}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.List(ctx, tt.q)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if got == nil {
				t.Fatal("List returned nil slice")
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d messages, want %d: %+v", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i].Text != tt.want[i] {
					t.Errorf("message %d = %q, want %q", i, got[i].Text, tt.want[i])
				}
			}
		})
	}

	got, _ := s.List(ctx, history.Query{SessionID: a, Limit: 1})
	if len(got) != 1 || got[0].Role != voice.RoleModel || got[0].SessionID != a || !got[0].CreatedAt.Equal(t0.Add(2*time.Second)) {
		t.Errorf("round trip lost fields: %+v", got)
	}
}

func TestMemStore(t *testing.T) {
	t.Parallel()
	exerciseStore(t, history.NewMemStore())
}

func TestMemStore_SatisfiesMessageSink(t *testing.T) {
	t.Parallel()
	var _ voice.MessageSink = history.NewMemStore()
}
