package voice_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/voice"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/mock"
	"github.com/MrWong99/parley/pkg/provider/live"
	livemock "github.com/MrWong99/parley/pkg/provider/live/mock"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// statusLog is a voice.StatusListener recording everything it is told.
type statusLog struct {
	mu       sync.Mutex
	states   []voice.State
	errs     []string
	messages []voice.Message
	partials []voice.Turn
}

func (l *statusLog) OnState(s voice.Snapshot) {
	l.mu.Lock()
	l.states = append(l.states, s.State)
	l.mu.Unlock()
}

func (l *statusLog) OnPartial(t voice.Turn) {
	l.mu.Lock()
	l.partials = append(l.partials, t)
	l.mu.Unlock()
}

func (l *statusLog) OnError(msg string) {
	l.mu.Lock()
	l.errs = append(l.errs, msg)
	l.mu.Unlock()
}

func (l *statusLog) OnMessage(m voice.Message) {
	l.mu.Lock()
	l.messages = append(l.messages, m)
	l.mu.Unlock()
}

func (l *statusLog) stateTrail() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	parts := make([]string, len(l.states))
	for i, s := range l.states {
		parts[i] = s.String()
	}
	return strings.Join(parts, ">")
}

func (l *statusLog) errors() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errs...)
}

// historySink is a voice.MessageSink collecting appended messages.
type historySink struct {
	mu   sync.Mutex
	msgs []voice.Message
	err  error
}

func (h *historySink) Append(_ context.Context, m voice.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, m)
	return h.err
}

func (h *historySink) all() []voice.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]voice.Message(nil), h.msgs...)
}

type harness struct {
	m        *voice.Manager
	provider *livemock.Provider
	mic      *mock.InputDevice
	access   *mock.DeviceAccess
	outputs  *mock.OutputFactory
	status   *statusLog
	history  *historySink
	reader   *sdkmetric.ManualReader
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{
		provider: &livemock.Provider{},
		mic:      mock.NewInputDevice(audio.CaptureFormat),
		outputs:  &mock.OutputFactory{},
		status:   &statusLog{},
		history:  &historySink{},
		reader:   reader,
	}
	h.access = &mock.DeviceAccess{Device: h.mic}

	h.m, err = voice.NewManager(voice.Config{
		Provider: h.provider,
		Devices:  h.access,
		Outputs:  h.outputs,
		Conversation: voice.ConversationFunc(func(context.Context) (live.Config, error) {
			return live.Config{Instructions: "You are helpful.", Voice: "Zephyr", Transcribe: true}, nil
		}),
		History: h.history,
		Status:  h.status,
		Metrics: met,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = h.m.Close() })
	return h
}

// chunks returns the parley.playback.chunks count for status.
func (h *harness) chunks(t *testing.T, status string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			sum, ok := met.Data.(metricdata.Sum[int64])
			if met.Name != "parley.playback.chunks" || !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("status")); ok && v.AsString() == status {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func (h *harness) start(t *testing.T) *livemock.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := h.provider.AwaitConn(time.Second)
	if conn == nil {
		t.Fatal("no connection")
	}
	return conn
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestNewManager_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := voice.NewManager(voice.Config{})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"provider", "device access", "output factory"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestManager_StartStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.start(t)

	if got := h.m.State(); got != voice.StateActive {
		t.Fatalf("state = %v, want active", got)
	}
	snap := h.m.Snapshot()
	if snap.SessionID == uuid.Nil || snap.StartedAt.IsZero() {
		t.Errorf("snapshot = %+v", snap)
	}

	cfg := h.provider.ConnectCalls[0].Cfg
	if cfg.Instructions != "You are helpful." || cfg.InputFormat != audio.CaptureFormat {
		t.Errorf("connect config = %+v", cfg)
	}

	h.mic.Push(frame(1))
	if sent := conn.AwaitSent(1, 2*time.Second); len(sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(sent))
	}

	h.stop(t)
	if got := h.m.State(); got != voice.StateIdle {
		t.Fatalf("state = %v after Stop, want idle", got)
	}
	if !conn.Closed() || !h.mic.Closed() {
		t.Errorf("conn closed = %v, mic closed = %v", conn.Closed(), h.mic.Closed())
	}
	if got := h.outputs.Last().CloseCalls(); got != 1 {
		t.Errorf("output Close calls = %d, want 1", got)
	}

	// Stopping an idle manager is a no-op.
	h.stop(t)
	if got, want := h.status.stateTrail(), "starting>active>stopping>idle"; got != want {
		t.Errorf("states = %s, want %s", got, want)
	}
	if errs := h.status.errors(); len(errs) != 0 {
		t.Errorf("errors = %v", errs)
	}
}

func TestManager_StartWhileActive(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	if err := h.m.Start(context.Background()); !errors.Is(err, voice.ErrAlreadyActive) {
		t.Fatalf("second Start = %v, want ErrAlreadyActive", err)
	}
	if got := h.provider.Calls(); got != 1 {
		t.Fatalf("Connect calls = %d, want 1", got)
	}
}

func TestManager_TurnBecomesMessages(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.start(t)

	conn.Emit(live.Event{Kind: live.EventTranscript, Speaker: live.SpeakerUser, Text: "Hi"})
	conn.Emit(live.Event{Kind: live.EventTranscript, Speaker: live.SpeakerModel, Text: "Hello"})
	conn.Emit(live.Event{Kind: live.EventTranscript, Speaker: live.SpeakerModel, Text: " there"})
	eventually(t, "partial", func() bool { return h.m.Snapshot().Partial.Model == "Hello there" })
	conn.Emit(live.Event{Kind: live.EventTurnComplete})

	eventually(t, "history", func() bool { return len(h.history.all()) == 2 })
	msgs := h.history.all()
	if msgs[0].Role != voice.RoleUser || msgs[0].Text != "Hi" {
		t.Errorf("message 0 = %s %q, want user \"Hi\"", msgs[0].Role, msgs[0].Text)
	}
	if msgs[1].Role != voice.RoleModel || msgs[1].Text != "Hello there" {
		t.Errorf("message 1 = %s %q, want model \"Hello there\"", msgs[1].Role, msgs[1].Text)
	}
	if msgs[0].SessionID != h.m.Snapshot().SessionID {
		t.Error("message not tagged with the session ID")
	}
	eventually(t, "partial cleared", func() bool { return h.m.Snapshot().Partial.Empty() })

	// An empty turn persists nothing.
	conn.Emit(live.Event{Kind: live.EventTurnComplete})
	conn.Emit(live.Event{Kind: live.EventTranscript, Speaker: live.SpeakerModel, Text: "Anything else?"})
	conn.Emit(live.Event{Kind: live.EventTurnComplete})
	eventually(t, "model-only turn", func() bool { return len(h.history.all()) == 3 })
	if m := h.history.all()[2]; m.Role != voice.RoleModel || m.Text != "Anything else?" {
		t.Errorf("message 2 = %s %q", m.Role, m.Text)
	}
}

func TestManager_InterruptFlushesPlayback(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.start(t)
	out := h.outputs.Last()

	for _, d := range []time.Duration{time.Second, 500 * time.Millisecond, 500 * time.Millisecond} {
		conn.Emit(live.Event{Kind: live.EventAudio, Audio: pcmChunk(d)})
	}
	eventually(t, "three units", func() bool {
		s := h.m.Snapshot()
		return s.Pending == 3 && s.Cursor == 2*time.Second
	})

	out.Advance(300 * time.Millisecond)
	conn.Emit(live.Event{Kind: live.EventInterrupted})
	eventually(t, "flush", func() bool {
		s := h.m.Snapshot()
		return s.Pending == 0 && s.Cursor == 300*time.Millisecond
	})
	if out.Active() != 0 {
		t.Fatalf("output still playing %d sources", out.Active())
	}
	if got := h.m.State(); got != voice.StateActive {
		t.Fatalf("state = %v after interrupt, want active", got)
	}

	// The next chunk starts right away.
	conn.Emit(live.Event{Kind: live.EventAudio, Audio: pcmChunk(100 * time.Millisecond)})
	eventually(t, "rescheduled", func() bool { return h.m.Snapshot().Cursor == 400*time.Millisecond })
}

func TestManager_PlaybackCompletionReleasesUnits(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.start(t)

	conn.Emit(live.Event{Kind: live.EventAudio, Audio: pcmChunk(200 * time.Millisecond)})
	conn.Emit(live.Event{Kind: live.EventAudio, Audio: audio.Chunk{Data: []byte{1}, MIMEType: "audio/pcm;rate=24000"}})
	conn.Emit(live.Event{Kind: live.EventAudio, Audio: pcmChunk(200 * time.Millisecond)})
	eventually(t, "two units", func() bool { return h.m.Snapshot().Pending == 2 })

	h.outputs.Last().Advance(time.Second)
	eventually(t, "completion", func() bool { return h.m.Snapshot().Pending == 0 })
	if got := h.m.State(); got != voice.StateActive {
		t.Fatalf("decode failure changed state to %v", got)
	}
}

func TestManager_InterruptAfterFirstUnitFinished(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.start(t)
	out := h.outputs.Last()

	for _, d := range []time.Duration{time.Second, 500 * time.Millisecond, 500 * time.Millisecond} {
		conn.Emit(live.Event{Kind: live.EventAudio, Audio: pcmChunk(d)})
	}
	eventually(t, "three units", func() bool { return h.m.Snapshot().Pending == 3 })

	out.Advance(1200 * time.Millisecond)
	eventually(t, "first unit released", func() bool { return h.m.Snapshot().Pending == 2 })

	conn.Emit(live.Event{Kind: live.EventInterrupted})
	eventually(t, "flush", func() bool {
		s := h.m.Snapshot()
		return s.Pending == 0 && s.Cursor == 1200*time.Millisecond
	})
	if out.Active() != 0 {
		t.Fatalf("output still playing %d sources", out.Active())
	}
}

func TestManager_ChunkFailuresAreClassified(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.start(t)

	conn.Emit(live.Event{Kind: live.EventAudio, Audio: audio.Chunk{Data: []byte{1}, MIMEType: "audio/pcm;rate=24000"}})
	eventually(t, "decode failure", func() bool { return h.chunks(t, "decode_failed") == 1 })

	_ = h.outputs.Last().Timeline.Close()
	conn.Emit(live.Event{Kind: live.EventAudio, Audio: pcmChunk(100 * time.Millisecond)})
	eventually(t, "output failure", func() bool { return h.chunks(t, "output_failed") == 1 })

	if got := h.chunks(t, "decode_failed"); got != 1 {
		t.Errorf("decode_failed = %d, want 1", got)
	}
	if got := h.chunks(t, "scheduled"); got != 0 {
		t.Errorf("scheduled = %d, want 0", got)
	}
	if got := h.m.State(); got != voice.StateActive {
		t.Fatalf("state = %v, want active", got)
	}
}

func TestManager_ModelFirstTurnKeepsUserFirst(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.start(t)

	for _, ev := range []live.Event{
		{Kind: live.EventTranscript, Speaker: live.SpeakerModel, Text: "Sure, "},
		{Kind: live.EventTranscript, Speaker: live.SpeakerUser, Text: "Can you "},
		{Kind: live.EventTranscript, Speaker: live.SpeakerModel, Text: "here goes."},
		{Kind: live.EventTranscript, Speaker: live.SpeakerUser, Text: "sing?"},
		{Kind: live.EventTurnComplete},
	} {
		conn.Emit(ev)
	}

	eventually(t, "history", func() bool { return len(h.history.all()) == 2 })
	msgs := h.history.all()
	if msgs[0].Role != voice.RoleUser || msgs[0].Text != "Can you sing?" {
		t.Errorf("message 0 = %s %q, want user \"Can you sing?\"", msgs[0].Role, msgs[0].Text)
	}
	if msgs[1].Role != voice.RoleModel || msgs[1].Text != "Sure, here goes." {
		t.Errorf("message 1 = %s %q, want model \"Sure, here goes.\"", msgs[1].Role, msgs[1].Text)
	}
}

func TestManager_PermissionDenied(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.access.Err = fmt.Errorf("%w: no input device", audio.ErrPermissionDenied)

	err := h.m.Start(context.Background())
	if !errors.Is(err, voice.ErrPermissionDenied) {
		t.Fatalf("Start = %v, want ErrPermissionDenied", err)
	}
	if got := h.provider.Calls(); got != 0 {
		t.Fatalf("Connect calls = %d, want none", got)
	}
	if got := len(h.outputs.Opened); got != 0 {
		t.Fatalf("outputs opened = %d, want none", got)
	}
	if got := h.m.State(); got != voice.StateIdle {
		t.Fatalf("state = %v, want idle", got)
	}
	if got, want := h.status.stateTrail(), "starting>error>idle"; got != want {
		t.Errorf("states = %s, want %s", got, want)
	}
	errs := h.status.errors()
	if len(errs) != 1 || !strings.Contains(errs[0], "Microphone") {
		t.Errorf("errors = %v, want one microphone message", errs)
	}
	if h.m.Snapshot().LastError == "" {
		t.Error("snapshot has no last error")
	}
}

func TestManager_DialFailureRollsBack(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.provider.ConnectErr = errors.New("handshake rejected")

	err := h.m.Start(context.Background())
	if !errors.Is(err, voice.ErrTransport) {
		t.Fatalf("Start = %v, want ErrTransport", err)
	}
	if !h.mic.Closed() {
		t.Error("microphone not released")
	}
	if got := h.outputs.Last().CloseCalls(); got != 1 {
		t.Errorf("output Close calls = %d, want 1", got)
	}
	if got, want := h.status.stateTrail(), "starting>error>idle"; got != want {
		t.Errorf("states = %s, want %s", got, want)
	}
}

func TestManager_TransportErrorWhileActive(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.start(t)

	conn.Fail(errors.New("connection reset by peer"))
	eventually(t, "idle", func() bool { return h.m.State() == voice.StateIdle })

	errs := h.status.errors()
	if len(errs) != 1 || !strings.Contains(errs[0], "connection") {
		t.Fatalf("errors = %v, want one connection message", errs)
	}
	if !h.mic.Closed() || !conn.Closed() {
		t.Errorf("mic closed = %v, conn closed = %v", h.mic.Closed(), conn.Closed())
	}
	if got, want := h.status.stateTrail(), "starting>active>error>idle"; got != want {
		t.Errorf("states = %s, want %s", got, want)
	}
}

func TestManager_DeviceLost(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.start(t)

	h.mic.Lose("unplugged")
	eventually(t, "idle", func() bool { return h.m.State() == voice.StateIdle })

	errs := h.status.errors()
	if len(errs) != 1 || !strings.Contains(errs[0], "disconnected") {
		t.Fatalf("errors = %v, want one disconnect message", errs)
	}
	if !conn.Closed() {
		t.Error("remote session still open")
	}
}

func TestManager_StopDuringStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.access.Block = make(chan struct{})

	started := make(chan error, 1)
	go func() { started <- h.m.Start(context.Background()) }()
	eventually(t, "starting", func() bool { return h.m.State() == voice.StateStarting })

	h.stop(t)
	if err := <-started; !errors.Is(err, voice.ErrStartAborted) {
		t.Fatalf("Start = %v, want ErrStartAborted", err)
	}
	if got := h.m.State(); got != voice.StateIdle {
		t.Fatalf("state = %v, want idle", got)
	}
	if got := h.provider.Calls(); got != 0 {
		t.Fatalf("Connect calls = %d, want none", got)
	}

	// A fresh session works afterwards.
	close(h.access.Block)
	h.start(t)
}

func TestManager_StopDuringHandshake(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.provider.Gate = make(chan struct{})

	started := make(chan error, 1)
	go func() { started <- h.m.Start(context.Background()) }()
	eventually(t, "connect call", func() bool { return h.provider.Calls() == 1 })

	h.stop(t)
	if err := <-started; !errors.Is(err, voice.ErrStartAborted) {
		t.Fatalf("Start = %v, want ErrStartAborted", err)
	}
	close(h.provider.Gate)

	if !h.mic.Closed() {
		t.Error("microphone not released")
	}
	if errs := h.status.errors(); len(errs) != 0 {
		t.Errorf("stop surfaced errors: %v", errs)
	}
}

func TestManager_StartContextCancelled(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.provider.Gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan error, 1)
	go func() { started <- h.m.Start(ctx) }()
	eventually(t, "connect call", func() bool { return h.provider.Calls() == 1 })

	cancel()
	if err := <-started; !errors.Is(err, context.Canceled) {
		t.Fatalf("Start = %v, want context.Canceled", err)
	}
	eventually(t, "idle", func() bool { return h.m.State() == voice.StateIdle })
	if !h.mic.Closed() {
		t.Error("microphone not released")
	}
}

func TestManager_FramesDuringHandshakeKeepOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.provider.Gate = make(chan struct{})

	started := make(chan error, 1)
	go func() { started <- h.m.Start(context.Background()) }()
	eventually(t, "connect call", func() bool { return h.provider.Calls() == 1 })

	for i := byte(1); i <= 3; i++ {
		h.mic.Push(frame(i))
	}
	close(h.provider.Gate)
	if err := <-started; err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn := h.provider.AwaitConn(time.Second)
	sent := conn.AwaitSent(3, 2*time.Second)
	if len(sent) != 3 {
		t.Fatalf("sent %d frames, want 3", len(sent))
	}
	for i, f := range sent {
		if f.Data[0] != byte(i+1) {
			t.Errorf("frame %d tag = %d, want %d", i, f.Data[0], i+1)
		}
	}
}

func TestManager_HistoryFailureDoesNotEndSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.history.err = errors.New("disk full")
	conn := h.start(t)

	conn.Emit(live.Event{Kind: live.EventTranscript, Speaker: live.SpeakerUser, Text: "Hi"})
	conn.Emit(live.Event{Kind: live.EventTurnComplete})
	eventually(t, "append attempt", func() bool { return len(h.history.all()) == 1 })

	if got := h.m.State(); got != voice.StateActive {
		t.Fatalf("state = %v, want active", got)
	}
}

func TestManager_CloseStopsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.start(t)

	if err := h.m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !conn.Closed() || !h.mic.Closed() {
		t.Errorf("conn closed = %v, mic closed = %v", conn.Closed(), h.mic.Closed())
	}
	if err := h.m.Start(context.Background()); !errors.Is(err, voice.ErrClosed) {
		t.Fatalf("Start after Close = %v, want ErrClosed", err)
	}
	if err := h.m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
