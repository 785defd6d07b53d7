// Package app wires the parley subsystems into a running process.
//
// New builds the history store, the conversation source, the status hub and
// the voice session manager from the config, Run serves the HTTP API until
// its context ends, and Shutdown tears everything down in order.
//
// Tests inject doubles through [Providers] and the functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/voice"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/live"
)

// Providers holds the drivers built from the config registry in main.go.
type Providers struct {
	Live   live.Provider
	Input  audio.DeviceAccess
	Output audio.OutputFactory

	// NewDecoder builds the chunk decoder for the output format. Nil uses
	// the PCM-only default.
	NewDecoder func(target audio.Format) audio.Decoder
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	history        history.Store
	conv           *config.ConversationSource
	hub            *StatusHub
	breaker        *resilience.Breaker
	metrics        *observe.Metrics
	metricsHandler http.Handler
	logLevel       *slog.LevelVar
	autostart      bool
	checkers       []health.Checker
	health         *health.Handler
	manager        *voice.Manager

	// closers run in order during Shutdown, after the manager has closed.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithHistory injects a history store instead of creating one from config.
func WithHistory(s history.Store) Option {
	return func(a *App) { a.history = s }
}

// WithMetrics sets the instruments and the handler served at the metrics
// path. A nil handler disables the endpoint.
func WithMetrics(m *observe.Metrics, h http.Handler) Option {
	return func(a *App) {
		a.metrics = m
		a.metricsHandler = h
	}
}

// WithLogLevel lets config reloads change the log level through lv.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithAutostart starts a session as soon as Run begins.
func WithAutostart() Option {
	return func(a *App) { a.autostart = true }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. History store ─────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 2. Conversation settings ─────────────────────────────────────────
	conv, err := config.NewConversationSource(cfg.Conversation)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.conv = conv

	// ── 3. Status fan-out + provider breaker ─────────────────────────────
	a.hub = NewStatusHub(64)
	breakerName := "live"
	if providers.Live != nil {
		breakerName = providers.Live.Name()
	}
	a.breaker = resilience.NewBreaker(resilience.BreakerConfig{Name: breakerName})
	a.checkers = append(a.checkers, health.BreakerChecker("provider", a.breaker))
	a.health = health.New(a.checkers...)

	// ── 4. Session manager ───────────────────────────────────────────────
	a.manager, err = voice.NewManager(voice.Config{
		Provider:       providers.Live,
		Devices:        providers.Input,
		Outputs:        providers.Output,
		Conversation:   a.conv,
		History:        a.history,
		Status:         a.hub,
		NewDecoder:     providers.NewDecoder,
		CaptureFormat:  audio.CaptureFormat,
		PlaybackFormat: audio.Format{SampleRate: cfg.Audio.Output.SampleRate, Channels: 1},
		FrameDuration:  cfg.Audio.Input.FrameDuration,
		Breaker:        a.breaker,
		Metrics:        a.metrics,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("app: %w", err)
	}
	return a, nil
}

func (a *App) initHistory(ctx context.Context) error {
	if a.history == nil {
		dsn := a.cfg.History.PostgresDSN
		if dsn == "" {
			a.history = history.NewMemStore()
			return nil
		}
		store, err := history.NewPostgresStore(ctx, dsn)
		if err != nil {
			return err
		}
		a.history = store
		a.closers = append(a.closers, func() error { store.Close(); return nil })
	}
	if p, ok := a.history.(health.Pinger); ok {
		a.checkers = append(a.checkers, health.PingChecker("history", p))
	}
	return nil
}

// Manager returns the session manager.
func (a *App) Manager() *voice.Manager { return a.manager }

// Hub returns the status hub.
func (a *App) Hub() *StatusHub { return a.hub }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on cfg.Server.ListenAddr until ctx is cancelled. It returns
// nil after a clean stop.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if a.autostart {
		g.Go(func() error {
			if err := a.manager.Start(gctx); err != nil && gctx.Err() == nil {
				slog.Warn("autostart failed", "err", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// ApplyConfig applies the hot-reloadable parts of a config change. It is
// meant as the [config.Watcher] callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.ConversationChanged {
		if err := a.conv.Update(new.Conversation); err != nil {
			slog.Warn("config reload: conversation not applied", "err", err)
		} else {
			slog.Info("config reload: conversation updated, applies to the next session")
		}
	}
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("config reload: log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config reload: changes need a restart", "sections", d.RestartRequired)
	}
}

// SlogLevel converts a config log level.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops any session, flushes history and closes the stores. If ctx
// expires first the remaining steps are skipped and ctx's error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := a.manager.Close(); err != nil {
				slog.Warn("session manager close error", "err", err)
			}
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded while closing the session")
			shutdownErr = ctx.Err()
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// close releases what New acquired before it failed.
func (a *App) close() {
	for _, c := range a.closers {
		_ = c()
	}
}
