// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out controllable connections.
// Use Conn to script inbound events and inspect the frames that were sent.
//
// Example:
//
//	p := &mock.Provider{}
//	// ... code under test calls p.Connect ...
//	c := p.AwaitConn(time.Second)
//	c.Emit(live.Event{Kind: live.EventTurnComplete})
//	frames := c.AwaitSent(3, time.Second)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/live"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the Config passed to Connect.
	Cfg live.Config
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Gate, if non-nil, holds Connect until it is closed or ctx is done.
	Gate chan struct{}

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	conns []*Conn
}

var _ live.Provider = (*Provider)(nil)

// Name implements live.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Connect records the call and returns a fresh Conn or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.Config) (live.Conn, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	c := NewConn()
	p.conns = append(p.conns, c)
	return c, nil
}

// Calls returns the number of Connect invocations so far.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Conns returns every connection handed out so far.
func (p *Provider) Conns() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Conn(nil), p.conns...)
}

// AwaitConn polls until a connection exists and returns the latest one, or
// nil after timeout.
func (p *Provider) AwaitConn(timeout time.Duration) *Conn {
	deadline := time.Now().Add(timeout)
	for {
		if cs := p.Conns(); len(cs) > 0 {
			return cs[len(cs)-1]
		}
		if time.Now().After(deadline) {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
}

// ─── Conn ─────────────────────────────────────────────────────────────────────

type inbound struct {
	ev  live.Event
	err error
}

// Conn is a mock implementation of live.Conn.
type Conn struct {
	in        chan inbound
	done      chan struct{}
	closeOnce sync.Once

	mu sync.Mutex

	// SendErr, if non-nil, is returned by SendAudio.
	SendErr error

	sent       []audio.AudioFrame
	closeCalls int
}

var _ live.Conn = (*Conn)(nil)

// NewConn creates an open connection.
func NewConn() *Conn {
	return &Conn{
		in:   make(chan inbound, 256),
		done: make(chan struct{}),
	}
}

// Emit queues an inbound event.
func (c *Conn) Emit(ev live.Event) {
	c.in <- inbound{ev: ev}
}

// Fail makes Receive return err once every previously emitted event has been
// consumed.
func (c *Conn) Fail(err error) {
	c.in <- inbound{err: err}
}

// Receive implements live.Conn.
func (c *Conn) Receive(ctx context.Context) (live.Event, error) {
	select {
	case <-c.done:
		return live.Event{}, live.ErrClosed
	default:
	}
	select {
	case it := <-c.in:
		return it.ev, it.err
	case <-c.done:
		return live.Event{}, live.ErrClosed
	case <-ctx.Done():
		return live.Event{}, ctx.Err()
	}
}

// SendAudio implements live.Conn.
func (c *Conn) SendAudio(_ context.Context, f audio.AudioFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return live.ErrClosed
	default:
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, f)
	return nil
}

// Sent returns a copy of every frame sent so far.
func (c *Conn) Sent() []audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audio.AudioFrame(nil), c.sent...)
}

// AwaitSent polls until at least n frames were sent and returns them, or
// whatever was sent when timeout elapses.
func (c *Conn) AwaitSent(n int, timeout time.Duration) []audio.AudioFrame {
	deadline := time.Now().Add(timeout)
	for {
		s := c.Sent()
		if len(s) >= n || time.Now().After(deadline) {
			return s
		}
		time.Sleep(time.Millisecond)
	}
}

// SetSendErr sets SendErr under the mock's lock.
func (c *Conn) SetSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SendErr = err
}

// Close implements live.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closeCalls++
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// CloseCalls returns how often Close was called.
func (c *Conn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
