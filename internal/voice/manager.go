// Package voice implements a real-time duplex voice session: microphone audio
// streams to a remote live endpoint while the endpoint's audio plays back
// gaplessly and its transcripts become chat messages.
//
// The [Manager] owns the session lifecycle. It is a single-writer actor: one
// goroutine owns the session state, the playback schedule and the transcript
// accumulators, and every asynchronous source (device frames, transport
// messages, playback completion, caller commands) posts events into one
// ordered mailbox. Callers never see a lock.
//
//	Idle ─Start─▶ Starting ─open─▶ Active ─Stop─▶ Stopping ─▶ Idle
//	                 │                │
//	                 └────failure─────┴──▶ Error ─teardown─▶ Idle
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/live"
)

// ErrClosed is returned by calls on a closed [Manager].
var ErrClosed = errors.New("voice: manager closed")

// ConversationSource supplies the conversation settings for a new session. It
// is consulted once per Start.
type ConversationSource interface {
	Conversation(ctx context.Context) (live.Config, error)
}

// ConversationFunc adapts a function to [ConversationSource].
type ConversationFunc func(ctx context.Context) (live.Config, error)

// Conversation calls f(ctx).
func (f ConversationFunc) Conversation(ctx context.Context) (live.Config, error) { return f(ctx) }

// MessageSink persists finalized chat messages. Append is called from a
// dedicated goroutine in message order.
type MessageSink interface {
	Append(ctx context.Context, msg Message) error
}

// StatusListener receives best-effort status updates. Calls come from the
// manager's goroutine and must not block.
type StatusListener interface {
	// OnState is called on every state transition.
	OnState(s Snapshot)

	// OnPartial is called whenever the open turn's text changed.
	OnPartial(t Turn)

	// OnError is called once per failed session with a human-readable line.
	OnError(msg string)

	// OnMessage is called for every finalized message.
	OnMessage(msg Message)
}

// Config holds the dependencies of a [Manager].
type Config struct {
	// Provider opens remote sessions. Required.
	Provider live.Provider

	// Devices grants the microphone. Required.
	Devices audio.DeviceAccess

	// Outputs opens the playback device. Required.
	Outputs audio.OutputFactory

	// Conversation supplies instructions and voice. Optional.
	Conversation ConversationSource

	// History receives finalized messages. Optional.
	History MessageSink

	// Status receives state, partial transcript and error updates. Optional.
	Status StatusListener

	// NewDecoder builds the chunk decoder for an output format. Defaults to
	// [audio.NewMIMEDecoder].
	NewDecoder func(target audio.Format) audio.Decoder

	// CaptureFormat is the streaming format. Default: [audio.CaptureFormat].
	CaptureFormat audio.Format

	// PlaybackFormat is the output format. Default: [audio.PlaybackFormat].
	PlaybackFormat audio.Format

	// FrameDuration is the capture frame length. Default: 100 ms.
	FrameDuration time.Duration

	// Breaker guards remote session opens. Optional.
	Breaker *resilience.Breaker

	// Metrics records session metrics. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// HistoryTimeout bounds one Append call. Default: 5s.
	HistoryTimeout time.Duration
}

// session holds everything one Start owns. Only the actor touches it.
type session struct {
	gen       uint64
	id        uuid.UUID
	requested time.Time
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	origin    chan error
	waiters   []chan error
	active    bool

	dev     audio.InputDevice
	out     audio.Output
	capture *Capture
	sched   *Scheduler
	stream  *Stream
}

// Manager drives the session lifecycle. All methods are safe for concurrent
// use.
type Manager struct {
	cfg     Config
	metrics *observe.Metrics

	inbox   *mailbox[event]
	history *mailbox[Message]
	snap    atomic.Pointer[Snapshot]
	wg      sync.WaitGroup

	closeOnce sync.Once

	// Actor-owned.
	state   State
	gen     uint64
	sess    *session
	asm     Assembler
	lastErr string
}

// NewManager validates cfg and starts the manager's goroutines. Call
// [Manager.Close] to release them.
func NewManager(cfg Config) (*Manager, error) {
	var errs []error
	if cfg.Provider == nil {
		errs = append(errs, errors.New("provider is required"))
	}
	if cfg.Devices == nil {
		errs = append(errs, errors.New("device access is required"))
	}
	if cfg.Outputs == nil {
		errs = append(errs, errors.New("output factory is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("voice: new manager: %w", err)
	}

	if !cfg.CaptureFormat.Valid() {
		cfg.CaptureFormat = audio.CaptureFormat
	}
	if !cfg.PlaybackFormat.Valid() {
		cfg.PlaybackFormat = audio.PlaybackFormat
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = DefaultFrameDuration
	}
	if cfg.NewDecoder == nil {
		cfg.NewDecoder = func(f audio.Format) audio.Decoder { return audio.NewMIMEDecoder(f) }
	}
	if cfg.Conversation == nil {
		cfg.Conversation = ConversationFunc(func(context.Context) (live.Config, error) {
			return live.Config{}, nil
		})
	}
	if cfg.HistoryTimeout <= 0 {
		cfg.HistoryTimeout = 5 * time.Second
	}
	met := cfg.Metrics
	if met == nil {
		met = observe.DefaultMetrics()
	}

	m := &Manager{
		cfg:     cfg,
		metrics: met,
		inbox:   newMailbox[event](),
		history: newMailbox[Message](),
	}
	m.publish(false)

	m.wg.Add(2)
	go m.loop()
	go m.deliverHistory()
	return m, nil
}

// ─── Public API ───────────────────────────────────────────────────────────────

// Start begins a session and blocks until it is Active or has failed. It
// returns [ErrAlreadyActive] unless the manager is Idle, an error matching
// [ErrPermissionDenied] or [ErrTransport] on failure, and [ErrStartAborted]
// if Stop intervened. If ctx ends first, the start is abandoned and rolled
// back.
func (m *Manager) Start(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "voice.Start")
	defer span.End()

	reply := make(chan error, 1)
	if !m.inbox.put(cmdStart{reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		observe.TagSession(ctx, m.Snapshot().SessionID)
		return nil
	case <-ctx.Done():
		m.inbox.put(cmdAbandon{reply: reply})
		span.SetStatus(codes.Error, "abandoned")
		return ctx.Err()
	}
}

// Stop ends the current session, whatever its state, and returns once the
// manager is Idle again. Stopping an idle manager is a no-op.
func (m *Manager) Stop(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "voice.Stop")
	defer span.End()

	reply := make(chan error, 1)
	if !m.inbox.put(cmdStop{reply: reply}) {
		return nil
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the latest published status.
func (m *Manager) Snapshot() Snapshot { return *m.snap.Load() }

// State returns the current lifecycle state.
func (m *Manager) State() State { return m.Snapshot().State }

// Close stops any session, flushes pending history writes and ends the
// manager's goroutines. It is idempotent.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.inbox.put(cmdClose{})
		m.inbox.close()
	})
	m.wg.Wait()
	return nil
}

// ─── Events ───────────────────────────────────────────────────────────────────

type event any

type (
	cmdStart   struct{ reply chan error }
	cmdAbandon struct{ reply chan error }
	cmdStop    struct{ reply chan error }
	cmdClose   struct{}

	evDeviceAcquired struct {
		gen uint64
		dev audio.InputDevice
		err error
	}
	evOutputOpened struct {
		gen  uint64
		out  audio.Output
		conv live.Config
		err  error
	}
	evStreamOpened struct {
		gen uint64
	}
	evStreamEvent struct {
		gen uint64
		ev  live.Event
	}
	evStreamError struct {
		gen uint64
		err error
	}
	evCaptureEnded struct {
		gen uint64
		err error
	}
	evPlaybackEnded struct {
		gen uint64
		id  UnitID
	}
)

// post enqueues ev. Events posted after Close are dropped, releasing any
// device they carry.
func (m *Manager) post(ev event) {
	if m.inbox.put(ev) {
		return
	}
	switch ev := ev.(type) {
	case evDeviceAcquired:
		releaseDevice(ev.dev)
	case evOutputOpened:
		releaseOutput(ev.out)
	}
}

// streamEvents forwards a [Stream]'s notifications into the mailbox, tagged
// with the session generation they belong to.
type streamEvents struct {
	m   *Manager
	gen uint64
}

func (h streamEvents) OnOpen()               { h.m.post(evStreamOpened{gen: h.gen}) }
func (h streamEvents) OnEvent(ev live.Event) { h.m.post(evStreamEvent{gen: h.gen, ev: ev}) }
func (h streamEvents) OnError(err error)     { h.m.post(evStreamError{gen: h.gen, err: err}) }

// ─── Actor ────────────────────────────────────────────────────────────────────

func (m *Manager) loop() {
	defer m.wg.Done()
	defer m.history.close()

	for {
		events, ok := m.inbox.drain()
		if !ok {
			return
		}
		if len(events) == 0 {
			<-m.inbox.ready
			continue
		}
		for i, ev := range events {
			if m.handle(ev) {
				m.drainAfterClose(events[i+1:])
				return
			}
		}
	}
}

// handle processes one event. It reports true when the actor must exit.
func (m *Manager) handle(ev event) bool {
	switch ev := ev.(type) {
	case cmdStart:
		m.onStart(ev.reply)
	case cmdAbandon:
		// The caller gave up on its Start; whatever that Start produced goes.
		if m.sess != nil && m.sess.origin == ev.reply {
			m.stop(ErrStartAborted)
		}
	case cmdStop:
		ev.reply <- m.stop(ErrStartAborted)
	case cmdClose:
		m.stop(ErrClosed)
		return true

	case evDeviceAcquired:
		m.onDeviceAcquired(ev)
	case evOutputOpened:
		m.onOutputOpened(ev)
	case evStreamOpened:
		m.onStreamOpened(ev)
	case evStreamEvent:
		if m.current(ev.gen) {
			m.onStreamEvent(ev.ev)
		}
	case evStreamError:
		if m.current(ev.gen) {
			m.fail(ev.err)
		}
	case evCaptureEnded:
		if m.current(ev.gen) && ev.err != nil {
			m.fail(ev.err)
		}
	case evPlaybackEnded:
		if m.current(ev.gen) {
			m.sess.sched.Release(ev.id)
			m.publish(false)
		}
	default:
		slog.Warn("voice: unknown event", "type", fmt.Sprintf("%T", ev))
	}
	return false
}

// drainAfterClose answers commands that were queued behind Close and releases
// resources carried by late step results.
func (m *Manager) drainAfterClose(rest []event) {
	m.inbox.close()
	events, _ := m.inbox.drain()
	for _, ev := range append(rest, events...) {
		switch ev := ev.(type) {
		case cmdStart:
			ev.reply <- ErrClosed
		case cmdStop:
			ev.reply <- nil
		case evDeviceAcquired:
			releaseDevice(ev.dev)
		case evOutputOpened:
			releaseOutput(ev.out)
		}
	}
}

// current reports whether gen belongs to the live session.
func (m *Manager) current(gen uint64) bool {
	return m.sess != nil && m.sess.gen == gen
}

func (m *Manager) onStart(reply chan error) {
	if m.state != StateIdle {
		reply <- ErrAlreadyActive
		return
	}

	m.gen++
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		gen:       m.gen,
		id:        uuid.New(),
		requested: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		origin:    reply,
		waiters:   []chan error{reply},
	}
	m.sess = s
	m.lastErr = ""
	m.setState(StateStarting)
	slog.Info("voice: starting session", "session_id", s.id.String())

	// Step 1: the microphone. Nothing remote happens before it is granted.
	go func() {
		dev, err := m.cfg.Devices.Acquire(ctx)
		m.post(evDeviceAcquired{gen: s.gen, dev: dev, err: err})
	}()
}

func (m *Manager) onDeviceAcquired(ev evDeviceAcquired) {
	if !m.current(ev.gen) || m.state != StateStarting {
		releaseDevice(ev.dev)
		return
	}
	if ev.err != nil {
		if !errors.Is(ev.err, ErrPermissionDenied) {
			ev.err = fmt.Errorf("%w: %w", ErrPermissionDenied, ev.err)
		}
		m.fail(ev.err)
		return
	}
	s := m.sess
	s.dev = ev.dev

	// Step 2: the speaker and the conversation settings.
	go func() {
		out, err := m.cfg.Outputs.Open(s.ctx, m.cfg.PlaybackFormat)
		if err != nil {
			m.post(evOutputOpened{gen: s.gen, err: fmt.Errorf("voice: open output: %w", err)})
			return
		}
		conv, err := m.cfg.Conversation.Conversation(s.ctx)
		if err != nil {
			m.post(evOutputOpened{gen: s.gen, out: out, err: fmt.Errorf("voice: conversation settings: %w", err)})
			return
		}
		m.post(evOutputOpened{gen: s.gen, out: out, conv: conv})
	}()
}

func (m *Manager) onOutputOpened(ev evOutputOpened) {
	if !m.current(ev.gen) || m.state != StateStarting {
		releaseOutput(ev.out)
		return
	}
	s := m.sess
	s.out = ev.out
	if ev.err != nil {
		m.fail(ev.err)
		return
	}

	gen := s.gen
	dec := m.cfg.NewDecoder(s.out.Format())
	s.sched = NewScheduler(s.out, dec, func(id UnitID) {
		m.post(evPlaybackEnded{gen: gen, id: id})
	})

	s.capture = NewCapture(m.cfg.CaptureFormat, m.cfg.FrameDuration)
	frames, err := s.capture.Start(s.dev)
	if err != nil {
		m.fail(err)
		return
	}

	// Step 3: the remote session. Capture is already running, so frames
	// produced during the handshake are queued by the stream.
	conv := ev.conv
	conv.InputFormat = m.cfg.CaptureFormat
	s.stream = OpenStream(s.ctx, m.cfg.Provider, conv, streamEvents{m: m, gen: gen}, m.cfg.Breaker)

	stream, capture := s.stream, s.capture
	go func() {
		for f := range frames {
			stream.Send(f)
			m.metrics.CaptureFrames.Add(context.Background(), 1)
		}
		m.post(evCaptureEnded{gen: gen, err: capture.Err()})
	}()
}

func (m *Manager) onStreamOpened(ev evStreamOpened) {
	if !m.current(ev.gen) || m.state != StateStarting {
		return
	}
	s := m.sess
	s.active = true
	s.startedAt = time.Now()
	took := s.startedAt.Sub(s.requested)
	m.metrics.RecordSessionStart(context.Background(), "ok", took)
	m.metrics.ActiveSessions.Add(context.Background(), 1)
	slog.Info("voice: session active", "session_id", s.id.String(), "provider", m.cfg.Provider.Name(), "took", took)

	m.setState(StateActive)
	m.reply(nil)
}

func (m *Manager) onStreamEvent(ev live.Event) {
	s := m.sess
	ctx := context.Background()
	switch ev.Kind {
	case live.EventAudio:
		if _, err := s.sched.Enqueue(ev.Audio); err != nil {
			if errors.Is(err, audio.ErrDecode) {
				m.metrics.RecordChunk(ctx, "decode_failed")
				slog.Warn("voice: dropping inbound chunk", "session_id", s.id.String(), "mime", ev.Audio.MIMEType, "err", err)
				return
			}
			m.metrics.RecordChunk(ctx, "output_failed")
			slog.Warn("voice: output rejected chunk", "session_id", s.id.String(), "err", err)
			return
		}
		m.metrics.RecordChunk(ctx, "scheduled")
		m.publish(false)

	case live.EventTranscript:
		m.asm.OnDelta(Delta{Speaker: ev.Speaker, Text: ev.Text})
		if m.cfg.Status != nil {
			m.cfg.Status.OnPartial(m.asm.Partial())
		}
		m.publish(false)

	case live.EventInterrupted:
		if n := s.sched.Flush(); n > 0 {
			m.metrics.PlaybackInterruptions.Add(ctx, 1)
			slog.Debug("voice: playback interrupted", "session_id", s.id.String(), "stopped_units", n)
		}
		m.publish(false)

	case live.EventTurnComplete:
		turn := m.asm.OnTurnComplete()
		m.metrics.Turns.Add(ctx, 1)
		for _, msg := range turn.Messages(s.id, time.Now()) {
			m.metrics.RecordMessage(ctx, string(msg.Role))
			if m.cfg.Status != nil {
				m.cfg.Status.OnMessage(msg)
			}
			if m.cfg.History != nil {
				m.history.put(msg)
			}
		}
		if m.cfg.Status != nil {
			m.cfg.Status.OnPartial(Turn{})
		}
		m.publish(false)
	}
}

// fail surfaces err once, tears the session down and returns to Idle.
func (m *Manager) fail(err error) {
	s := m.sess
	if s == nil {
		return
	}
	m.lastErr = UserMessage(err)
	m.metrics.RecordSessionError(context.Background(), errorKind(err))
	if !s.active {
		m.metrics.RecordSessionStart(context.Background(), "error", 0)
	}
	slog.Error("voice: session failed", "session_id", s.id.String(), "state", m.state.String(), "err", err)

	m.setState(StateError)
	if m.cfg.Status != nil {
		m.cfg.Status.OnError(m.lastErr)
	}
	if terr := m.teardown(); terr != nil {
		slog.Warn("voice: teardown after failure", "session_id", s.id.String(), "err", terr)
	}
	m.setState(StateIdle)
	m.replyTo(s, err)
}

// stop tears down the live session, if any. Start callers still waiting get
// aborted.
func (m *Manager) stop(aborted error) error {
	s := m.sess
	if s == nil {
		return nil
	}
	wasStarting := m.state == StateStarting
	m.setState(StateStopping)
	err := m.teardown()
	if err != nil {
		slog.Warn("voice: teardown", "session_id", s.id.String(), "err", err)
	}
	if wasStarting {
		m.metrics.RecordSessionStart(context.Background(), "aborted", 0)
	}
	slog.Info("voice: session stopped", "session_id", s.id.String())
	m.setState(StateIdle)
	m.replyTo(s, aborted)
	return err
}

// teardown releases everything the session holds in a fixed order. Every step
// runs even if an earlier one fails or panics.
func (m *Manager) teardown() error {
	s := m.sess
	m.sess = nil
	s.cancel()

	var errs []error
	step := func(name string, fn func() error) {
		defer func() {
			if r := recover(); r != nil {
				errs = append(errs, fmt.Errorf("%s: panic: %v", name, r))
			}
		}()
		if err := fn(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("release capture device", func() error {
		var err error
		if s.capture != nil {
			err = s.capture.Stop()
		}
		if s.dev != nil {
			// Close is idempotent; this covers a capture that never started.
			err = errors.Join(err, s.dev.Close())
		}
		return err
	})
	step("flush playback", func() error {
		if s.sched != nil {
			s.sched.Flush()
		}
		return nil
	})
	step("close streaming session", func() error {
		if s.stream != nil {
			return s.stream.Close()
		}
		return nil
	})
	step("clear transcript", func() error {
		m.asm.Reset()
		if m.cfg.Status != nil {
			m.cfg.Status.OnPartial(Turn{})
		}
		return nil
	})
	step("release output device", func() error {
		if s.out != nil {
			return s.out.Close()
		}
		return nil
	})

	if s.active {
		m.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	return errors.Join(errs...)
}

func (m *Manager) reply(err error) { m.replyTo(m.sess, err) }

func (m *Manager) replyTo(s *session, err error) {
	if s == nil {
		return
	}
	for _, w := range s.waiters {
		w <- err
	}
	s.waiters = nil
}

func (m *Manager) setState(st State) {
	changed := m.state != st
	m.state = st
	m.publish(changed)
}

// publish stores a fresh snapshot and, when the state changed, notifies the
// status listener.
func (m *Manager) publish(stateChanged bool) {
	snap := &Snapshot{
		State:     m.state,
		Partial:   m.asm.Partial(),
		LastError: m.lastErr,
	}
	if s := m.sess; s != nil {
		snap.SessionID = s.id
		snap.StartedAt = s.startedAt
		if s.sched != nil {
			snap.Pending = s.sched.Pending()
			snap.Cursor = s.sched.Cursor()
		}
	}
	m.snap.Store(snap)
	if stateChanged && m.cfg.Status != nil {
		m.cfg.Status.OnState(*snap)
	}
}

// ─── History ──────────────────────────────────────────────────────────────────

// deliverHistory appends finalized messages in order, off the actor.
func (m *Manager) deliverHistory() {
	defer m.wg.Done()
	for {
		msgs, ok := m.history.drain()
		if !ok {
			return
		}
		if len(msgs) == 0 {
			<-m.history.ready
			continue
		}
		for _, msg := range msgs {
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HistoryTimeout)
			if err := m.cfg.History.Append(ctx, msg); err != nil {
				slog.Error("voice: persist message", "session_id", msg.SessionID.String(), "role", string(msg.Role), "err", err)
			}
			cancel()
		}
	}
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func releaseDevice(dev audio.InputDevice) {
	if dev == nil {
		return
	}
	if err := dev.Close(); err != nil {
		slog.Warn("voice: release stale capture device", "err", err)
	}
}

func releaseOutput(out audio.Output) {
	if out == nil {
		return
	}
	if err := out.Close(); err != nil {
		slog.Warn("voice: release stale output device", "err", err)
	}
}
