package voice

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/live"
)

// StreamHandler receives the notifications of a [Stream]. Calls are
// serialized and must not block; they never run after [Stream.Close] has
// returned.
type StreamHandler interface {
	// OnOpen is called once the remote handshake completed.
	OnOpen()

	// OnEvent is called for every inbound event, in remote order.
	OnEvent(ev live.Event)

	// OnError is called at most once with a [*SessionError] when the session
	// fails. No OnEvent follows it. A caller-initiated Close never produces it.
	OnError(err error)
}

// Stream is a duplex streaming session over a [live.Provider].
//
// Opening is asynchronous: [OpenStream] returns at once and the handshake
// runs in the background. Frames passed to [Stream.Send] before the
// handshake completes are queued and flushed in submission order afterwards.
type Stream struct {
	provider live.Provider
	cfg      live.Config
	handler  StreamHandler
	breaker  *resilience.Breaker

	ctx    context.Context
	cancel context.CancelFunc
	opened chan struct{}
	wake   chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	conn   live.Conn
	queue  []audio.AudioFrame
	closed bool
	failed bool

	// deliverMu serializes handler calls against Close and fail.
	deliverMu sync.Mutex
}

// OpenStream starts opening a session with p. The handshake is bounded by
// ctx and by [Stream.Close]; breaker may be nil.
func OpenStream(ctx context.Context, p live.Provider, cfg live.Config, h StreamHandler, breaker *resilience.Breaker) *Stream {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Stream{
		provider: p,
		cfg:      cfg,
		handler:  h,
		breaker:  breaker,
		ctx:      ctx,
		cancel:   cancel,
		opened:   make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Opened is closed once the handshake completed.
func (s *Stream) Opened() <-chan struct{} { return s.opened }

func (s *Stream) run() {
	defer s.wg.Done()

	var conn live.Conn
	err := s.breaker.Do(s.ctx, func(ctx context.Context) error {
		c, err := s.provider.Connect(ctx, s.cfg)
		conn = c
		return err
	})
	if err != nil {
		s.fail("open", err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		// Close won the race; nobody will ever use this connection.
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	close(s.opened)
	s.deliver(func(h StreamHandler) { h.OnOpen() })

	s.wg.Add(1)
	go s.writeLoop(conn)
	s.readLoop(conn)
}

func (s *Stream) readLoop(conn live.Conn) {
	for {
		ev, err := conn.Receive(s.ctx)
		if err != nil {
			s.fail("receive", err)
			return
		}
		s.deliver(func(h StreamHandler) { h.OnEvent(ev) })
	}
}

func (s *Stream) writeLoop(conn live.Conn) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}

		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, f := range batch {
			if err := conn.SendAudio(s.ctx, f); err != nil {
				s.fail("send", err)
				return
			}
		}
	}
}

// Send queues f for transmission. It never blocks. Frames sent after Close or
// after a failure are discarded.
func (s *Stream) Send(f audio.AudioFrame) {
	s.mu.Lock()
	if s.closed || s.failed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, f)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Queued returns the number of frames waiting to be sent.
func (s *Stream) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Stream) deliver(fn func(StreamHandler)) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	dead := s.closed || s.failed
	s.mu.Unlock()
	if !dead {
		fn(s.handler)
	}
}

// fail reports the terminal error once and tears the connection down.
// Failures observed after Close are the echo of Close itself.
func (s *Stream) fail(reason string, err error) {
	s.deliverMu.Lock()
	s.mu.Lock()
	report := !s.closed && !s.failed
	s.failed = true
	s.queue = nil
	conn := s.conn
	s.mu.Unlock()
	if report {
		s.handler.OnError(&SessionError{Reason: reason, Err: err})
	}
	s.deliverMu.Unlock()

	if !report {
		return
	}
	slog.Warn("voice: streaming session failed", "provider", s.provider.Name(), "reason", reason, "err", err)
	s.cancel()
	if conn != nil {
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, live.ErrClosed) {
			slog.Debug("voice: close failed session", "err", cerr)
		}
	}
}

// Close ends the session. It is idempotent, safe for concurrent use and safe
// while the handshake is still in flight. No handler call happens after it
// returns.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	conn := s.conn
	s.mu.Unlock()

	// Wait out a handler call in progress.
	s.deliverMu.Lock()
	s.deliverMu.Unlock()

	s.cancel()
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, live.ErrClosed) {
		return err
	}
	return nil
}

// Wait blocks until the session's goroutines have exited.
func (s *Stream) Wait() { s.wg.Wait() }
