// Package virtual provides audio devices with no hardware behind them: a
// microphone replaying raw PCM from a file (or producing silence), and a
// speaker whose clock is driven by wall time. They back headless deployments
// and end-to-end tests.
package virtual

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

const defaultFrameDuration = 100 * time.Millisecond

// ─── Mic ──────────────────────────────────────────────────────────────────────

// Mic is an [audio.InputDevice] that paces frames in real time. Samples come
// from src until it is exhausted, then the mic produces silence.
type Mic struct {
	format audio.Format
	frame  time.Duration
	src    io.Reader
	closer io.Closer

	frames chan audio.AudioFrame
	done   chan struct{}
	exited chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

var _ audio.InputDevice = (*Mic)(nil)

// NewMic starts a mic emitting frames of the given duration. src may be nil
// for pure silence. If src implements io.Closer it is closed with the mic.
func NewMic(f audio.Format, frame time.Duration, src io.Reader) *Mic {
	if frame <= 0 {
		frame = defaultFrameDuration
	}
	m := &Mic{
		format: f,
		frame:  frame,
		src:    src,
		frames: make(chan audio.AudioFrame, 8),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	if c, ok := src.(io.Closer); ok {
		m.closer = c
	}
	go m.run()
	return m
}

func (m *Mic) run() {
	defer close(m.exited)
	defer close(m.frames)

	ticker := time.NewTicker(m.frame)
	defer ticker.Stop()

	size := m.format.Samples(m.frame) * 2
	var elapsed time.Duration
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
		}

		data := make([]byte, size)
		if m.src != nil {
			_, err := io.ReadFull(m.src, data)
			switch {
			case err == nil:
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				m.src = nil
			default:
				m.mu.Lock()
				m.err = fmt.Errorf("%w: read: %v", audio.ErrDeviceLost, err)
				m.mu.Unlock()
				return
			}
		}

		f := audio.AudioFrame{
			Data:       data,
			SampleRate: m.format.SampleRate,
			Channels:   m.format.Channels,
			Timestamp:  elapsed,
		}
		elapsed += m.frame
		select {
		case m.frames <- f:
		case <-m.done:
			return
		}
	}
}

// Format implements [audio.InputDevice].
func (m *Mic) Format() audio.Format { return m.format }

// Frames implements [audio.InputDevice].
func (m *Mic) Frames() <-chan audio.AudioFrame { return m.frames }

// Err implements [audio.InputDevice].
func (m *Mic) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Close implements [audio.InputDevice].
func (m *Mic) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		<-m.exited
		if m.closer != nil {
			err = m.closer.Close()
		}
	})
	return err
}

// Access opens a fresh [Mic] per Acquire. An empty Path yields silence.
type Access struct {
	Format        audio.Format
	FrameDuration time.Duration
	Path          string
}

var _ audio.DeviceAccess = (*Access)(nil)

// Acquire implements [audio.DeviceAccess]. A missing or unreadable file is
// reported as [audio.ErrPermissionDenied].
func (a *Access) Acquire(ctx context.Context) (audio.InputDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f := a.Format
	if !f.Valid() {
		f = audio.CaptureFormat
	}
	if a.Path == "" {
		return NewMic(f, a.FrameDuration, nil), nil
	}
	file, err := os.Open(a.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", audio.ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("virtual: open %s: %w", a.Path, err)
	}
	return NewMic(f, a.FrameDuration, file), nil
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker is an [audio.OutputFactory] whose outputs render in real time on a
// ticker. Rendered PCM is written to Sink when set.
type Speaker struct {
	// Tick is the render period. Defaults to 20 ms.
	Tick time.Duration

	// Sink receives the mixed little-endian PCM. Optional.
	Sink io.Writer
}

var _ audio.OutputFactory = (*Speaker)(nil)

type clockOutput struct {
	*audio.Timeline
	stop      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
}

// Open implements [audio.OutputFactory].
func (s *Speaker) Open(ctx context.Context, f audio.Format) (audio.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tick := s.Tick
	if tick <= 0 {
		tick = 20 * time.Millisecond
	}
	o := &clockOutput{
		Timeline: audio.NewTimeline(f),
		stop:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	go o.run(tick, s.Sink)
	return o, nil
}

func (o *clockOutput) run(tick time.Duration, sink io.Writer) {
	defer close(o.exited)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	buf := make([]int16, o.Format().Samples(tick))
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
		}
		o.Render(buf)
		if sink != nil {
			_, _ = sink.Write(audio.Bytes(buf))
		}
	}
}

// Close implements [audio.Output].
func (o *clockOutput) Close() error {
	o.closeOnce.Do(func() {
		close(o.stop)
		<-o.exited
	})
	return o.Timeline.Close()
}
