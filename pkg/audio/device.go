package audio

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermissionDenied is returned when a capture device is unavailable or
	// access to it was refused.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrDeviceLost is reported by an [InputDevice] that failed mid-stream.
	ErrDeviceLost = errors.New("audio: device lost")
)

// InputDevice is an exclusively held capture device.
type InputDevice interface {
	// Format is the device's native format. Frames arrive in this format.
	Format() Format

	// Frames delivers captured frames. The channel is closed when the device
	// is closed or lost; call Err afterwards to tell the two apart.
	Frames() <-chan AudioFrame

	// Err returns the error that ended the stream, wrapping [ErrDeviceLost],
	// or nil if the device was closed by its holder.
	Err() error

	// Close releases the device. Safe to call more than once.
	Close() error
}

// DeviceAccess grants capture devices.
type DeviceAccess interface {
	// Acquire returns an exclusively held input device, or an error wrapping
	// [ErrPermissionDenied].
	Acquire(ctx context.Context) (InputDevice, error)
}

// DeviceAccessFunc adapts a function to [DeviceAccess].
type DeviceAccessFunc func(ctx context.Context) (InputDevice, error)

// Acquire calls f(ctx).
func (f DeviceAccessFunc) Acquire(ctx context.Context) (InputDevice, error) { return f(ctx) }

// Source is one buffer scheduled on an [Output].
type Source interface {
	// Stop silences the source immediately. Its ended callback is not run.
	// Safe to call after the source finished.
	Stop()
}

// Output is a clocked playback sink onto which buffers are scheduled at
// absolute positions on its own timeline.
type Output interface {
	// Format is the format every scheduled buffer must be in.
	Format() Format

	// Clock is the current playback position. It never decreases.
	Clock() time.Duration

	// Play schedules buf to begin at position at (clamped to Clock). onEnded,
	// if non-nil, runs once when the buffer has played in full. It may run on
	// any goroutine and must not block.
	Play(buf Buffer, at time.Duration, onEnded func()) (Source, error)

	// Close stops every scheduled source and releases the device.
	Close() error
}

// OutputFactory opens one [Output] per session.
type OutputFactory interface {
	Open(ctx context.Context, f Format) (Output, error)
}

// OutputFactoryFunc adapts a function to [OutputFactory].
type OutputFactoryFunc func(ctx context.Context, f Format) (Output, error)

// Open calls fn(ctx, f).
func (fn OutputFactoryFunc) Open(ctx context.Context, f Format) (Output, error) { return fn(ctx, f) }
