package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// fileState identifies one version of the config file.
type fileState struct {
	mod time.Time
	sum [sha256.Size]byte
}

// Watcher keeps the process config in step with its file. [Watcher.Run] polls
// the mtime and [Watcher.Reload] can be triggered directly (SIGHUP). Content
// is hashed so a touched but unedited file is not reapplied.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	onError  func(error)

	reload sync.Mutex // serialises Reload

	mu      sync.Mutex
	current *Config
	seen    fileState
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithErrorHandler receives reload failures seen by [Watcher.Run]. By
// default they are logged.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher loads the config at path. Nothing is polled until Run.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		onError: func(err error) {
			slog.Warn("config: reload failed, keeping previous config", "path", path, "err", err)
		},
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := readConfig(path)
	if err != nil {
		return nil, err
	}
	w.current, w.seen = cfg, st
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx ends and returns nil, fitting an errgroup.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := w.Reload(); err != nil && w.onError != nil {
				w.onError(err)
			}
		}
	}
}

// Reload re-reads the file and reports whether a new config was applied.
// An invalid file returns its error and the current config stays; the same
// broken version is not reported twice.
func (w *Watcher) Reload() (bool, error) {
	w.reload.Lock()
	defer w.reload.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		return false, fmt.Errorf("config: stat %q: %w", w.path, err)
	}
	w.mu.Lock()
	seen := w.seen
	w.mu.Unlock()
	if info.ModTime().Equal(seen.mod) {
		return false, nil
	}

	cfg, st, err := readConfig(w.path)
	if err != nil {
		w.mu.Lock()
		w.seen.mod = info.ModTime()
		w.mu.Unlock()
		return false, err
	}

	w.mu.Lock()
	old := w.current
	if st.sum == seen.sum {
		w.seen = st
		w.mu.Unlock()
		return false, nil
	}
	w.current, w.seen = cfg, st
	w.mu.Unlock()

	slog.Info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true, nil
}

func readConfig(path string) (*Config, fileState, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fileState{}, fmt.Errorf("config: open %q: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fileState{}, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, fileState{mod: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
