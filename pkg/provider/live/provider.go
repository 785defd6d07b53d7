// Package live defines the Provider interface for duplex live-conversation
// backends.
//
// A live provider wraps a remote conversational service that accepts streamed
// microphone audio and answers with streamed synthesised audio plus
// incremental transcripts of both sides, in a single stateful connection.
// Examples are the Gemini Live API and the OpenAI Realtime API.
//
// The central abstraction is Conn: an open connection that accepts outbound
// PCM frames and yields a strictly ordered sequence of inbound [Event]s.
package live

import (
	"context"
	"errors"

	"github.com/MrWong99/parley/pkg/audio"
)

// ErrClosed is returned by Conn methods after Close.
var ErrClosed = errors.New("live: connection closed")

// Speaker identifies who a transcript fragment belongs to.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// Modality is the response modality requested from the remote model.
type Modality string

const (
	ModalityAudio Modality = "AUDIO"
	ModalityText  Modality = "TEXT"
)

// EventKind enumerates the inbound event types.
type EventKind int

const (
	// EventAudio carries one encoded chunk of synthesised speech.
	EventAudio EventKind = iota + 1

	// EventTranscript carries an incremental transcript fragment.
	EventTranscript

	// EventTurnComplete marks the end of the model's turn.
	EventTurnComplete

	// EventInterrupted reports that the user barged in and the model stopped
	// speaking. Any audio already delivered for the turn is stale.
	EventInterrupted
)

// String returns a lowercase name for the kind.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventTranscript:
		return "transcript"
	case EventTurnComplete:
		return "turn_complete"
	case EventInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Event is one inbound message from the remote endpoint.
type Event struct {
	Kind EventKind

	// Audio is set for EventAudio.
	Audio audio.Chunk

	// Speaker and Text are set for EventTranscript.
	Speaker Speaker
	Text    string
}

// Config is the configuration a connection is opened with.
type Config struct {
	// Instructions is the system instruction for the conversation.
	Instructions string

	// Voice selects a provider-specific prebuilt voice. Empty uses the
	// provider default.
	Voice string

	// Modality is the desired response modality. Defaults to audio.
	Modality Modality

	// InputFormat is the format of frames passed to SendAudio.
	InputFormat audio.Format

	// Transcribe requests transcripts of both the user's and the model's
	// speech.
	Transcribe bool
}

// Conn is an open duplex connection.
//
// SendAudio may be called concurrently with Receive, but neither method may
// be called concurrently with itself. Close may be called at any time from
// any goroutine and unblocks both.
type Conn interface {
	// SendAudio transmits one PCM frame in the negotiated input format.
	SendAudio(ctx context.Context, f audio.AudioFrame) error

	// Receive blocks until the next inbound event. Events are returned in the
	// order the remote produced them. Any error is terminal for the
	// connection; after Close it returns [ErrClosed].
	Receive(ctx context.Context) (Event, error)

	// Close terminates the connection. Safe to call more than once.
	Close() error
}

// Provider opens connections to one remote service.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// Connect dials the remote endpoint and completes its opening handshake.
	// The returned Conn is ready for SendAudio. Cancelling ctx aborts the
	// dial.
	Connect(ctx context.Context, cfg Config) (Conn, error)
}
