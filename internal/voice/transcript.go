package voice

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/pkg/provider/live"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Delta is an incremental fragment of transcribed speech.
type Delta struct {
	Speaker live.Speaker
	Text    string
}

// Turn is the text accumulated for one user utterance and the model's reply.
// Either side may be empty.
type Turn struct {
	User  string `json:"user"`
	Model string `json:"model"`
}

// Empty reports whether neither side said anything.
func (t Turn) Empty() bool { return t.User == "" && t.Model == "" }

// Message is a finalized chat message persisted to history.
type Message struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Messages converts the turn into history messages, user before model. Empty
// sides produce no message.
func (t Turn) Messages(sessionID uuid.UUID, now time.Time) []Message {
	var out []Message
	if t.User != "" {
		out = append(out, Message{ID: uuid.New(), SessionID: sessionID, Role: RoleUser, Text: t.User, CreatedAt: now})
	}
	if t.Model != "" {
		out = append(out, Message{ID: uuid.New(), SessionID: sessionID, Role: RoleModel, Text: t.Model, CreatedAt: now})
	}
	return out
}

// Assembler accumulates transcript deltas into turns. It holds at most one
// open turn. Not safe for concurrent use; the manager's actor owns it.
type Assembler struct {
	user  strings.Builder
	model strings.Builder
}

// OnDelta appends d to its speaker's side of the open turn. Deltas from
// unknown speakers are ignored.
func (a *Assembler) OnDelta(d Delta) {
	switch d.Speaker {
	case live.SpeakerUser:
		a.user.WriteString(d.Text)
	case live.SpeakerModel:
		a.model.WriteString(d.Text)
	}
}

// OnTurnComplete closes the open turn and returns it. Both sides are cleared
// in the same call, so no delta can land between reading and clearing.
func (a *Assembler) OnTurnComplete() Turn {
	t := a.Partial()
	a.Reset()
	return t
}

// Partial returns the open turn without closing it.
func (a *Assembler) Partial() Turn {
	return Turn{User: a.user.String(), Model: a.model.String()}
}

// Reset discards the open turn.
func (a *Assembler) Reset() {
	a.user.Reset()
	a.model.Reset()
}
