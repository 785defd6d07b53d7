// Package resilience guards remote session opens with a circuit breaker.
//
// A [Breaker] is a three-state breaker (closed, open, half-open). After
// MaxFailures consecutive handshake failures it rejects further attempts with
// [ErrCircuitOpen] until ResetTimeout has elapsed, then lets HalfOpenMax probe
// attempts through. Attempts abandoned because the caller's context ended are
// not counted: a user pressing stop during a dial is not a remote failure.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] when the breaker rejects the
// attempt without calling the guarded function.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every attempt.
	StateClosed State = iota

	// StateOpen rejects attempts until the reset timeout elapses.
	StateOpen

	// StateHalfOpen admits a limited number of probe attempts.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name is a label used in log messages, typically the provider name.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 3.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before admitting probes.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes required to close the
	// breaker again. Default: 1.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition, outside the
	// breaker's lock.
	OnStateChange func(name string, from, to State)

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	cfg BreakerConfig

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	probesRunning int
	probesPassed  int
}

// NewBreaker creates a [Breaker]. Zero-value config fields are replaced with
// defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

type transition struct{ from, to State }

// Do runs fn if the breaker admits the attempt. The error from fn is returned
// unchanged. A nil Breaker calls fn directly.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if b == nil {
		return fn(ctx)
	}

	probe, tr, err := b.admit()
	b.notify(tr)
	if err != nil {
		return err
	}

	err = fn(ctx)

	b.notify(b.settle(ctx, probe, err))
	return err
}

func (b *Breaker) admit() (probe bool, tr []transition, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false, nil, ErrCircuitOpen
		}
		tr = append(tr, b.moveTo(StateHalfOpen))
	}
	if b.state == StateHalfOpen {
		if b.probesRunning+b.probesPassed >= b.cfg.HalfOpenMax {
			return false, tr, ErrCircuitOpen
		}
		b.probesRunning++
		return true, tr, nil
	}
	return false, tr, nil
}

func (b *Breaker) settle(ctx context.Context, probe bool, err error) []transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probesRunning--
	}
	// Attempts cut short by the caller say nothing about the remote.
	if err != nil && ctx.Err() != nil {
		return nil
	}
	// A transition may have happened while fn ran; only the current state's
	// bookkeeping applies.
	switch {
	case err == nil && b.state == StateHalfOpen && probe:
		b.probesPassed++
		if b.probesPassed >= b.cfg.HalfOpenMax {
			return []transition{b.moveTo(StateClosed)}
		}
	case err == nil:
		if b.state == StateClosed {
			b.failures = 0
		}
	case b.state == StateHalfOpen && probe:
		return []transition{b.moveTo(StateOpen)}
	case b.state == StateClosed:
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			return []transition{b.moveTo(StateOpen)}
		}
	}
	return nil
}

// moveTo changes state and resets the counters of the new state. Must be
// called with b.mu held.
func (b *Breaker) moveTo(to State) transition {
	tr := transition{from: b.state, to: to}
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = b.cfg.Now()
	case StateClosed:
		b.failures = 0
	}
	b.probesPassed = 0
	return tr
}

func (b *Breaker) notify(trs []transition) {
	for _, tr := range trs {
		level := slog.LevelInfo
		if tr.to == StateOpen {
			level = slog.LevelWarn
		}
		slog.Log(context.Background(), level, "resilience: circuit breaker state changed",
			"name", b.cfg.Name, "from", tr.from.String(), "to", tr.to.String())
		if b.cfg.OnStateChange != nil {
			b.cfg.OnStateChange(b.cfg.Name, tr.from, tr.to)
		}
	}
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// [Breaker.Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to [StateClosed].
func (b *Breaker) Reset() {
	b.mu.Lock()
	var trs []transition
	if b.state != StateClosed {
		trs = append(trs, b.moveTo(StateClosed))
	}
	b.failures = 0
	b.mu.Unlock()
	b.notify(trs)
}
