package app

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/parley/internal/voice"
)

// EventType names the kind of a status [Event].
type EventType string

const (
	EventState   EventType = "state"
	EventPartial EventType = "partial"
	EventError   EventType = "error"
	EventMessage EventType = "message"
)

// Event is one status update pushed to subscribers.
type Event struct {
	Type    EventType       `json:"type"`
	State   *voice.Snapshot `json:"state,omitempty"`
	Partial *voice.Turn     `json:"partial,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message *voice.Message  `json:"message,omitempty"`
}

const writeTimeout = 5 * time.Second

var _ voice.StatusListener = (*StatusHub)(nil)

// StatusHub fans manager status out to any number of subscribers. Its
// listener methods never block: a subscriber whose buffer is full is
// disconnected.
//
// StatusHub also serves the subscription over WebSocket as JSON [Event]s.
type StatusHub struct {
	buffer int

	mu   sync.Mutex
	subs map[chan Event]struct{}
	last *voice.Snapshot
}

// NewStatusHub returns a hub whose subscribers buffer up to buffer events.
func NewStatusHub(buffer int) *StatusHub {
	if buffer <= 0 {
		buffer = 64
	}
	return &StatusHub{buffer: buffer, subs: make(map[chan Event]struct{})}
}

// OnState implements [voice.StatusListener].
func (h *StatusHub) OnState(s voice.Snapshot) {
	h.mu.Lock()
	h.last = &s
	h.mu.Unlock()
	h.broadcast(Event{Type: EventState, State: &s})
}

// OnPartial implements [voice.StatusListener].
func (h *StatusHub) OnPartial(t voice.Turn) {
	h.broadcast(Event{Type: EventPartial, Partial: &t})
}

// OnError implements [voice.StatusListener].
func (h *StatusHub) OnError(msg string) {
	h.broadcast(Event{Type: EventError, Error: msg})
}

// OnMessage implements [voice.StatusListener].
func (h *StatusHub) OnMessage(m voice.Message) {
	h.broadcast(Event{Type: EventMessage, Message: &m})
}

// Subscribe registers a subscriber. The last known state, if any, is the
// first event delivered. The channel is closed by cancel or when the
// subscriber falls behind.
func (h *StatusHub) Subscribe() (events <-chan Event, cancel func()) {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	if h.last != nil {
		s := *h.last
		ch <- Event{Type: EventState, State: &s}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// Subscribers returns the number of live subscribers.
func (h *StatusHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *StatusHub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			delete(h.subs, ch)
			close(ch)
			slog.Warn("status hub: dropping slow subscriber", "event", ev.Type)
		}
	}
}

// ServeHTTP upgrades the request to a WebSocket and streams events until the
// client goes away.
func (h *StatusHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("status hub: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// Clients only listen; CloseRead handles their control frames.
	ctx := conn.CloseRead(r.Context())
	events, cancel := h.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			wcancel()
			if err != nil {
				return
			}
		}
	}
}
