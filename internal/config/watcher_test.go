package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
)

const (
	adaYAML = `
provider:
  api_key: test
conversation:
  user_name: Ada
`
	graceYAML = `
server:
  log_level: debug
provider:
  api_key: test
conversation:
  user_name: Grace
`
	brokenYAML = `
server:
  log_level: bananas
`
)

// configFile is a config on disk whose mtime moves one second per write so
// coarse filesystem clocks never hide an edit.
type configFile struct {
	t    *testing.T
	path string
	mod  time.Time
}

func newConfigFile(t *testing.T, content string) *configFile {
	t.Helper()
	f := &configFile{t: t, path: filepath.Join(t.TempDir(), "config.yaml"), mod: time.Now().Add(-time.Hour)}
	f.write(content)
	return f
}

func (f *configFile) write(content string) {
	f.t.Helper()
	if err := os.WriteFile(f.path, []byte(content), 0o644); err != nil {
		f.t.Fatalf("write %s: %v", f.path, err)
	}
	f.touch()
}

func (f *configFile) touch() {
	f.t.Helper()
	f.mod = f.mod.Add(time.Second)
	if err := os.Chtimes(f.path, f.mod, f.mod); err != nil {
		f.t.Fatalf("chtimes %s: %v", f.path, err)
	}
}

// changes records onChange calls.
type changes struct {
	mu    sync.Mutex
	calls [][2]*config.Config
}

func (c *changes) record(old, new *config.Config) {
	c.mu.Lock()
	c.calls = append(c.calls, [2]*config.Config{old, new})
	c.mu.Unlock()
}

func (c *changes) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func TestWatcher_ReloadAppliesEdit(t *testing.T) {
	t.Parallel()
	f := newConfigFile(t, adaYAML)
	var ch changes

	w, err := config.NewWatcher(f.path, ch.record)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if got := w.Current().Conversation.UserName; got != "Ada" {
		t.Fatalf("initial user_name = %q, want Ada", got)
	}

	if changed, err := w.Reload(); changed || err != nil {
		t.Fatalf("Reload of unchanged file = %v, %v", changed, err)
	}

	f.write(graceYAML)
	changed, err := w.Reload()
	if err != nil || !changed {
		t.Fatalf("Reload after edit = %v, %v; want true, nil", changed, err)
	}
	if ch.count() != 1 {
		t.Fatalf("onChange called %d times, want 1", ch.count())
	}
	old, cur := ch.calls[0][0], ch.calls[0][1]
	if old.Conversation.UserName != "Ada" || cur.Conversation.UserName != "Grace" {
		t.Errorf("onChange(%q, %q), want (Ada, Grace)", old.Conversation.UserName, cur.Conversation.UserName)
	}
	if w.Current().Server.LogLevel != config.LogDebug {
		t.Errorf("Current().Server.LogLevel = %q, want debug", w.Current().Server.LogLevel)
	}
}

func TestWatcher_TouchIsNotAChange(t *testing.T) {
	t.Parallel()
	f := newConfigFile(t, adaYAML)
	var ch changes
	w, err := config.NewWatcher(f.path, ch.record)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	f.touch()
	if changed, err := w.Reload(); changed || err != nil {
		t.Fatalf("Reload after touch = %v, %v; want false, nil", changed, err)
	}
	if ch.count() != 0 {
		t.Errorf("onChange called %d times for a touch", ch.count())
	}
}

func TestWatcher_BrokenFileKeepsConfig(t *testing.T) {
	t.Parallel()
	f := newConfigFile(t, adaYAML)
	var ch changes
	w, err := config.NewWatcher(f.path, ch.record)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	f.write(brokenYAML)
	if _, err := w.Reload(); err == nil {
		t.Fatal("Reload of broken file returned nil error")
	}
	if changed, err := w.Reload(); changed || err != nil {
		t.Errorf("second Reload of the same broken file = %v, %v; want it ignored", changed, err)
	}
	if w.Current().Conversation.UserName != "Ada" {
		t.Errorf("Current() lost the last valid config")
	}

	f.write(graceYAML)
	if changed, err := w.Reload(); !changed || err != nil {
		t.Fatalf("Reload after fix = %v, %v", changed, err)
	}
	if ch.count() != 1 {
		t.Errorf("onChange called %d times, want 1", ch.count())
	}
}

func TestWatcher_RunReportsErrors(t *testing.T) {
	t.Parallel()
	f := newConfigFile(t, adaYAML)
	applied := make(chan *config.Config, 1)
	failed := make(chan error, 1)

	w, err := config.NewWatcher(f.path,
		func(_, new *config.Config) { applied <- new },
		config.WithInterval(10*time.Millisecond),
		config.WithErrorHandler(func(err error) {
			select {
			case failed <- err:
			default:
			}
		}),
	)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	f.write(brokenYAML)
	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("broken file was never reported")
	}

	f.write(graceYAML)
	select {
	case cfg := <-applied:
		if cfg.Conversation.UserName != "Grace" {
			t.Errorf("applied user_name = %q", cfg.Conversation.UserName)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fixed file was never applied")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWatcher_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("NewWatcher(absent) = %v, want ErrNotExist", err)
	}

	f := newConfigFile(t, adaYAML)
	w, err := config.NewWatcher(f.path, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := os.Remove(f.path); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Reload(); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Reload after delete = %v, want ErrNotExist", err)
	}
}
