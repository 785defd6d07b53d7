package voice

import (
	"errors"
	"fmt"

	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/audio"
)

// Error kinds surfaced by a session. Classify with [errors.Is].
var (
	// ErrPermissionDenied means the microphone could not be acquired. No
	// remote session is attempted.
	ErrPermissionDenied = audio.ErrPermissionDenied

	// ErrDeviceLost means the microphone disappeared mid-session.
	ErrDeviceLost = audio.ErrDeviceLost

	// ErrDecode marks one undecodable inbound chunk. It never ends a session.
	ErrDecode = audio.ErrDecode

	// ErrTransport means the remote session could not be opened or failed
	// while open.
	ErrTransport = errors.New("voice: transport error")

	// ErrAlreadyActive is returned by Start outside the Idle state.
	ErrAlreadyActive = errors.New("voice: session already active")

	// ErrStartAborted is returned by Start when Stop won the race against an
	// in-flight start.
	ErrStartAborted = errors.New("voice: start aborted")
)

// SessionError is the terminal error of a streaming session. It matches
// [ErrTransport] as well as its cause.
type SessionError struct {
	// Reason is a short description of what failed, e.g. "dial" or "receive".
	Reason string

	// Err is the underlying cause.
	Err error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("voice: session error: %s", e.Reason)
	}
	return fmt.Sprintf("voice: session error: %s: %v", e.Reason, e.Err)
}

// Unwrap exposes both [ErrTransport] and the cause.
func (e *SessionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransport}
	}
	return []error{ErrTransport, e.Err}
}

// UserMessage maps err to the single human-readable line shown to the user.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return "Microphone access was denied or no microphone is available."
	case errors.Is(err, ErrDeviceLost):
		return "The microphone was disconnected."
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "The voice service is failing repeatedly; try again shortly."
	case errors.Is(err, ErrTransport):
		return "The connection to the voice service was lost."
	case errors.Is(err, ErrAlreadyActive):
		return "A voice session is already running."
	case errors.Is(err, ErrStartAborted):
		return "The voice session was stopped before it started."
	default:
		return "The voice session failed: " + err.Error()
	}
}

// errorKind is the metric label for err.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrDeviceLost):
		return "device_lost"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "other"
	}
}
