package voice

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of the session manager.
type State int

const (
	// StateIdle means no session exists and no device is held.
	StateIdle State = iota

	// StateStarting means devices are being acquired or the remote
	// handshake is in flight.
	StateStarting

	// StateActive means audio flows both ways.
	StateActive

	// StateStopping means teardown is running.
	StateStopping

	// StateError is entered on a terminal failure and always followed by
	// teardown and [StateIdle].
	StateError
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Snapshot is a read-only view of the manager published after every event.
type Snapshot struct {
	State     State         `json:"state"`
	SessionID uuid.UUID     `json:"session_id,omitzero"`
	StartedAt time.Time     `json:"started_at,omitzero"`
	Partial   Turn          `json:"partial"`
	LastError string        `json:"last_error,omitempty"`
	Pending   int           `json:"pending_units"`
	Cursor    time.Duration `json:"cursor_ns"`
}
