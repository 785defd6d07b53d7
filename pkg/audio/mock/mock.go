// Package mock provides in-memory implementations of [audio.DeviceAccess],
// [audio.InputDevice] and [audio.OutputFactory] for use in unit tests.
//
// All mocks are safe for concurrent use. They record calls so tests can
// assert on them, and expose exported fields that control return values.
//
// Typical usage:
//
//	mic := mock.NewInputDevice(audio.CaptureFormat)
//	access := &mock.DeviceAccess{Device: mic}
//	out := &mock.OutputFactory{}
//	// ... start a session, then:
//	mic.Push(frame)
//	out.Last().Advance(time.Second)
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

// ─── InputDevice ──────────────────────────────────────────────────────────────

// InputDevice is a mock [audio.InputDevice] fed by [InputDevice.Push].
type InputDevice struct {
	format audio.Format
	frames chan audio.AudioFrame

	mu     sync.Mutex
	err    error
	closed bool

	// CloseCalls counts Close invocations.
	CloseCalls int
}

var _ audio.InputDevice = (*InputDevice)(nil)

// NewInputDevice creates a device with a generous frame buffer.
func NewInputDevice(f audio.Format) *InputDevice {
	return &InputDevice{format: f, frames: make(chan audio.AudioFrame, 256)}
}

// Format implements [audio.InputDevice].
func (d *InputDevice) Format() audio.Format { return d.format }

// Frames implements [audio.InputDevice].
func (d *InputDevice) Frames() <-chan audio.AudioFrame { return d.frames }

// Err implements [audio.InputDevice].
func (d *InputDevice) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Push delivers f as if it had just been captured. It returns false once the
// device is closed or lost.
func (d *InputDevice) Push(f audio.AudioFrame) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.frames <- f
	return true
}

// Lose simulates a mid-stream hardware failure.
func (d *InputDevice) Lose(cause string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.err = fmt.Errorf("%w: %s", audio.ErrDeviceLost, cause)
	d.closed = true
	close(d.frames)
}

// Close implements [audio.InputDevice].
func (d *InputDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CloseCalls++
	if !d.closed {
		d.closed = true
		close(d.frames)
	}
	return nil
}

// Closed reports whether the device was closed or lost.
func (d *InputDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// ─── DeviceAccess ─────────────────────────────────────────────────────────────

// DeviceAccess is a mock [audio.DeviceAccess].
type DeviceAccess struct {
	mu sync.Mutex

	// Device is returned by Acquire. When nil, a fresh 16 kHz mono device is
	// created per call.
	Device *InputDevice

	// Err, when set, is returned by Acquire instead of a device.
	Err error

	// Block, when non-nil, makes Acquire wait until it is closed or ctx ends.
	Block chan struct{}

	// AcquireCalls counts Acquire invocations.
	AcquireCalls int

	// Acquired records every device handed out.
	Acquired []*InputDevice
}

var _ audio.DeviceAccess = (*DeviceAccess)(nil)

// Acquire implements [audio.DeviceAccess].
func (a *DeviceAccess) Acquire(ctx context.Context) (audio.InputDevice, error) {
	a.mu.Lock()
	a.AcquireCalls++
	block := a.Block
	a.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return nil, a.Err
	}
	d := a.Device
	if d == nil {
		d = NewInputDevice(audio.CaptureFormat)
	}
	a.Acquired = append(a.Acquired, d)
	return d, nil
}

// Calls returns the number of Acquire invocations so far.
func (a *DeviceAccess) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.AcquireCalls
}

// ─── OutputFactory ────────────────────────────────────────────────────────────

// Output is an [audio.Timeline] whose clock only moves when the test calls
// Advance or Render. It records Close calls.
type Output struct {
	*audio.Timeline

	mu         sync.Mutex
	closeCalls int
}

// Close implements [audio.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	o.closeCalls++
	o.mu.Unlock()
	return o.Timeline.Close()
}

// CloseCalls returns how often Close was called.
func (o *Output) CloseCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closeCalls
}

// OutputFactory is a mock [audio.OutputFactory] handing out manually clocked
// outputs.
type OutputFactory struct {
	mu sync.Mutex

	// Err, when set, is returned by Open.
	Err error

	// Opened records every output handed out, in order.
	Opened []*Output
}

var _ audio.OutputFactory = (*OutputFactory)(nil)

// Open implements [audio.OutputFactory].
func (f *OutputFactory) Open(_ context.Context, format audio.Format) (audio.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	o := &Output{Timeline: audio.NewTimeline(format)}
	f.Opened = append(f.Opened, o)
	return o, nil
}

// Last returns the most recently opened output, or nil.
func (f *OutputFactory) Last() *Output {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Opened) == 0 {
		return nil
	}
	return f.Opened[len(f.Opened)-1]
}
