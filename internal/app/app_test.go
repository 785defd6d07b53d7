package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/voice"
	"github.com/MrWong99/parley/pkg/audio/mock"
	"github.com/MrWong99/parley/pkg/provider/live"
	livemock "github.com/MrWong99/parley/pkg/provider/live/mock"
)

type fixture struct {
	app      *app.App
	provider *livemock.Provider
	access   *mock.DeviceAccess
	outputs  *mock.OutputFactory
	history  *history.MemStore
	srv      *httptest.Server
}

func testConfig() *config.Config {
	cfg := &config.Config{
		Provider:     config.ProviderEntry{Name: "mock", APIKey: "k"},
		Conversation: config.ConversationConfig{UserName: "Ada"},
	}
	cfg.ApplyDefaults()
	return cfg
}

func newFixture(t *testing.T, opts ...app.Option) *fixture {
	t.Helper()
	met, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	f := &fixture{
		provider: &livemock.Provider{},
		access:   &mock.DeviceAccess{},
		outputs:  &mock.OutputFactory{},
		history:  history.NewMemStore(),
	}
	opts = append([]app.Option{
		app.WithHistory(f.history),
		app.WithMetrics(met, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			io.WriteString(w, "# metrics\n")
		})),
	}, opts...)

	f.app, err = app.New(context.Background(), testConfig(), &app.Providers{
		Live:   f.provider,
		Input:  f.access,
		Output: f.outputs,
	}, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	f.srv = httptest.NewServer(f.app.Handler())
	t.Cleanup(func() {
		f.srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.app.Shutdown(ctx)
	})
	return f
}

func (f *fixture) post(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, decode(t, resp.Body)
}

func (f *fixture) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, decode(t, resp.Body)
}

func decode(t *testing.T, r io.Reader) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return m
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	_, err := app.New(context.Background(), testConfig(), &app.Providers{}, app.WithHistory(history.NewMemStore()))
	if err == nil {
		t.Fatal("New() with no drivers should fail")
	}
}

func TestAPI_StartStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code, body := f.post(t, "/v1/session/start")
	if code != http.StatusOK {
		t.Fatalf("start status = %d, body %v", code, body)
	}
	if body["state"] != "active" || body["session_id"] == nil {
		t.Errorf("start body = %v", body)
	}

	calls := f.provider.ConnectCalls
	if len(calls) != 1 {
		t.Fatalf("Connect calls = %d, want 1", len(calls))
	}
	if want := "The user's name is Ada."; !strings.Contains(calls[0].Cfg.Instructions, want) {
		t.Errorf("instructions %q missing %q", calls[0].Cfg.Instructions, want)
	}
	if calls[0].Cfg.Modality != live.ModalityAudio || !calls[0].Cfg.Transcribe {
		t.Errorf("conversation cfg = %+v", calls[0].Cfg)
	}

	if code, _ := f.post(t, "/v1/session/start"); code != http.StatusConflict {
		t.Errorf("second start status = %d, want 409", code)
	}

	code, body = f.post(t, "/v1/session/stop")
	if code != http.StatusOK || body["state"] != "idle" {
		t.Fatalf("stop status = %d, body %v", code, body)
	}
	if _, body := f.get(t, "/v1/session"); body["state"] != "idle" {
		t.Errorf("snapshot after stop = %v", body)
	}
}

func TestAPI_StartErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		setup  func(*fixture)
		status int
		msg    string
	}{
		{
			name:   "permission denied",
			setup:  func(f *fixture) { f.access.Err = errors.New("no input device") },
			status: http.StatusForbidden,
			msg:    "Microphone access was denied",
		},
		{
			name:   "dial failure",
			setup:  func(f *fixture) { f.provider.ConnectErr = errors.New("401 unauthorized") },
			status: http.StatusBadGateway,
			msg:    "connection to the voice service",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			tt.setup(f)

			code, body := f.post(t, "/v1/session/start")
			if code != tt.status {
				t.Fatalf("status = %d, want %d (body %v)", code, tt.status, body)
			}
			msg, _ := body["error"].(string)
			if !strings.Contains(msg, tt.msg) {
				t.Errorf("error = %q, want it to contain %q", msg, tt.msg)
			}
			sess, _ := body["session"].(map[string]any)
			if sess["state"] != "idle" {
				t.Errorf("session after failure = %v, want idle", sess)
			}
		})
	}
}

func TestAPI_History(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if code, _ := f.post(t, "/v1/session/start"); code != http.StatusOK {
		t.Fatalf("start status = %d", code)
	}
	conn := f.provider.AwaitConn(time.Second)
	conn.Emit(live.Event{Kind: live.EventTranscript, Speaker: live.SpeakerUser, Text: "Hi"})
	conn.Emit(live.Event{Kind: live.EventTranscript, Speaker: live.SpeakerModel, Text: "Hello Ada"})
	conn.Emit(live.Event{Kind: live.EventTurnComplete})

	var msgs []any
	deadline := time.Now().Add(3 * time.Second)
	for len(msgs) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("history has %d messages, want 2", len(msgs))
		}
		time.Sleep(5 * time.Millisecond)
		_, body := f.get(t, "/v1/history?session_id=current")
		msgs, _ = body["messages"].([]any)
	}
	first := msgs[0].(map[string]any)
	second := msgs[1].(map[string]any)
	if first["role"] != "user" || first["text"] != "Hi" || second["role"] != "model" || second["text"] != "Hello Ada" {
		t.Errorf("messages = %v", msgs)
	}

	_, body := f.get(t, "/v1/history?limit=1")
	if got, _ := body["messages"].([]any); len(got) != 1 {
		t.Errorf("limit=1 returned %d messages", len(got))
	}
	if code, _ := f.get(t, "/v1/history?session_id=nope"); code != http.StatusBadRequest {
		t.Errorf("bad session_id status = %d, want 400", code)
	}
	if code, _ := f.get(t, "/v1/history?limit=-2"); code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", code)
	}
}

func TestAPI_HistoryCurrentWhenIdle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	code, body := f.get(t, "/v1/history?session_id=current")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if msgs, ok := body["messages"].([]any); !ok || len(msgs) != 0 {
		t.Errorf("messages = %v, want empty list", body["messages"])
	}
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if code, body := f.get(t, "/healthz"); code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("healthz = %d %v", code, body)
	}
	code, body := f.get(t, "/readyz")
	if code != http.StatusOK {
		t.Errorf("readyz status = %d", code)
	}
	checks, _ := body["checks"].(map[string]any)
	if checks["provider"] != "ok" {
		t.Errorf("readyz checks = %v", checks)
	}

	resp, err := http.Get(f.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if b, _ := io.ReadAll(resp.Body); resp.StatusCode != http.StatusOK || string(b) != "# metrics\n" {
		t.Errorf("metrics = %d %q", resp.StatusCode, b)
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	lv := new(slog.LevelVar)
	f := newFixture(t, app.WithLogLevel(lv))

	old := testConfig()
	updated := testConfig()
	updated.Conversation.UserName = "Grace"
	updated.Server.LogLevel = config.LogDebug
	f.app.ApplyConfig(old, updated)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", lv.Level())
	}
	if code, _ := f.post(t, "/v1/session/start"); code != http.StatusOK {
		t.Fatalf("start status = %d", code)
	}
	if got := f.provider.ConnectCalls[0].Cfg.Instructions; !strings.Contains(got, "Grace") {
		t.Errorf("instructions %q do not use the reloaded user name", got)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := app.SlogLevel(in); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestApp_ServeAutostartAndShutdown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, app.WithAutostart())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.app.Serve(ctx, ln) }()

	deadline := time.Now().Add(3 * time.Second)
	for f.app.Manager().State() != voice.StateActive {
		if time.Now().After(deadline) {
			t.Fatalf("autostart did not reach active, state %v", f.app.Manager().State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	resp, err := http.Get("http://" + ln.Addr().String() + "/v1/session")
	if err != nil {
		t.Fatalf("GET over Serve: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve() returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := f.app.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if st := f.app.Manager().State(); st != voice.StateIdle {
		t.Errorf("state after shutdown = %v, want idle", st)
	}
	if out := f.outputs.Last(); out == nil || out.CloseCalls() == 0 {
		t.Error("output not released by shutdown")
	}
}
