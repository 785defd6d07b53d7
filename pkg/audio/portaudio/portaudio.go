//go:build portaudio

// Package portaudio drives the host's default microphone and speaker through
// PortAudio. Build with -tags portaudio; the library links against
// libportaudio via cgo.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/parley/pkg/audio"
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Access opens the default input device.
type Access struct {
	// Format to capture in. Defaults to [audio.CaptureFormat].
	Format audio.Format

	// FrameDuration is the size of one blocking read. Defaults to 100 ms.
	FrameDuration time.Duration
}

var _ audio.DeviceAccess = (*Access)(nil)

// Acquire implements [audio.DeviceAccess]. A missing or busy default input
// device is reported as [audio.ErrPermissionDenied].
func (a *Access) Acquire(ctx context.Context) (audio.InputDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f := a.Format
	if !f.Valid() {
		f = audio.CaptureFormat
	}
	frame := a.FrameDuration
	if frame <= 0 {
		frame = 100 * time.Millisecond
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	buf := make([]int16, f.Samples(frame))
	stream, err := portaudio.OpenDefaultStream(f.Channels, 0, float64(f.SampleRate), len(buf)/f.Channels, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, classifyOpen(err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, classifyOpen(err)
	}

	m := &mic{
		format: f,
		stream: stream,
		buf:    buf,
		frames: make(chan audio.AudioFrame, 8),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go m.readLoop()
	return m, nil
}

func classifyOpen(err error) error {
	switch {
	case errors.Is(err, portaudio.NoDefaultInputDevice),
		errors.Is(err, portaudio.DeviceUnavailable),
		errors.Is(err, portaudio.InvalidDevice),
		errors.Is(err, portaudio.HostApiNotFound):
		return fmt.Errorf("%w: %v", audio.ErrPermissionDenied, err)
	}
	return fmt.Errorf("portaudio: open input: %w", err)
}

type mic struct {
	format audio.Format
	stream *portaudio.Stream
	buf    []int16

	frames chan audio.AudioFrame
	done   chan struct{}
	exited chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// readLoop owns the stream: it is the only goroutine that reads, stops or
// closes it.
func (m *mic) readLoop() {
	defer close(m.exited)
	defer close(m.frames)
	defer func() {
		_ = m.stream.Stop()
		_ = m.stream.Close()
		_ = portaudio.Terminate()
	}()

	frame := m.format.Duration(len(m.buf))
	var ts time.Duration
	for {
		select {
		case <-m.done:
			return
		default:
		}
		if err := m.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				slog.Debug("portaudio: input overflowed")
			} else {
				m.mu.Lock()
				m.err = fmt.Errorf("%w: %v", audio.ErrDeviceLost, err)
				m.mu.Unlock()
				return
			}
		}
		f := audio.AudioFrame{
			Data:       audio.Bytes(m.buf),
			SampleRate: m.format.SampleRate,
			Channels:   m.format.Channels,
			Timestamp:  ts,
		}
		ts += frame
		select {
		case m.frames <- f:
		case <-m.done:
			return
		}
	}
}

func (m *mic) Format() audio.Format            { return m.format }
func (m *mic) Frames() <-chan audio.AudioFrame { return m.frames }

func (m *mic) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Close waits for at most one in-flight read before the device is released.
func (m *mic) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		<-m.exited
	})
	return nil
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker opens the default output device. Each Open creates a stream whose
// callback pulls from an [audio.Timeline], so the output clock is the
// device's own sample clock.
type Speaker struct {
	// BufferDuration is the callback period. Defaults to 40 ms.
	BufferDuration time.Duration
}

var _ audio.OutputFactory = (*Speaker)(nil)

type speaker struct {
	*audio.Timeline
	stream    *portaudio.Stream
	closeOnce sync.Once
}

// Open implements [audio.OutputFactory].
func (s *Speaker) Open(ctx context.Context, f audio.Format) (audio.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	period := s.BufferDuration
	if period <= 0 {
		period = 40 * time.Millisecond
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	tl := audio.NewTimeline(f)
	frames := f.Samples(period) / f.Channels
	stream, err := portaudio.OpenDefaultStream(0, f.Channels, float64(f.SampleRate), frames, func(out []int16) {
		tl.Render(out)
	})
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: open output: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: start output: %w", err)
	}
	return &speaker{Timeline: tl, stream: stream}, nil
}

func (s *speaker) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		if err := s.stream.Abort(); err != nil {
			errs = append(errs, fmt.Errorf("portaudio: abort output: %w", err))
		}
		if err := s.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("portaudio: close output: %w", err))
		}
		if err := portaudio.Terminate(); err != nil {
			errs = append(errs, fmt.Errorf("portaudio: terminate: %w", err))
		}
		errs = append(errs, s.Timeline.Close())
	})
	return errors.Join(errs...)
}
