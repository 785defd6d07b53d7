package voice

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// DefaultFrameDuration is the length of one captured frame.
const DefaultFrameDuration = 100 * time.Millisecond

// Capture turns a held input device into a stream of fixed-size frames in the
// streaming format. The device is released on every exit path: Stop, device
// loss, or the device closing on its own.
type Capture struct {
	target       audio.Format
	frameSamples int

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	mu      sync.Mutex
	dev     audio.InputDevice
	err     error
	started bool
}

// NewCapture creates a pipeline emitting frames of frame length in format
// target. A non-positive frame uses [DefaultFrameDuration].
func NewCapture(target audio.Format, frame time.Duration) *Capture {
	if frame <= 0 {
		frame = DefaultFrameDuration
	}
	n := target.Samples(frame) * target.Channels
	if n <= 0 {
		n = 1
	}
	return &Capture{
		target:       target,
		frameSamples: n,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start takes ownership of dev and begins emitting frames. The returned
// channel is closed when capture ends; [Capture.Err] then tells a device loss
// apart from a Stop. Start may be called once.
func (c *Capture) Start(dev audio.InputDevice) (<-chan audio.AudioFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil, errors.New("voice: capture already started")
	}
	select {
	case <-c.stop:
		_ = dev.Close()
		return nil, errors.New("voice: capture stopped")
	default:
	}
	c.started = true
	c.dev = dev

	out := make(chan audio.AudioFrame, 16)
	go c.run(dev, out)
	return out, nil
}

func (c *Capture) run(dev audio.InputDevice, out chan<- audio.AudioFrame) {
	defer close(c.done)
	defer close(out)

	conv := &audio.Converter{Target: c.target}
	frameDur := c.target.Duration(c.frameSamples / c.target.Channels)
	var (
		pending []int16
		emitted int
	)

	in := dev.Frames()
	for {
		select {
		case <-c.stop:
			return
		case f, ok := <-in:
			if !ok {
				c.ended(dev)
				return
			}
			if len(f.Data)%2 != 0 {
				// Malformed frames are dropped; the stream continues.
				slog.Debug("voice: dropping malformed capture frame", "bytes", len(f.Data))
				continue
			}
			pending = append(pending, conv.ConvertStream(audio.Int16s(f.Data), f.Format())...)
			for len(pending) >= c.frameSamples {
				frame := audio.AudioFrame{
					Data:       audio.Bytes(pending[:c.frameSamples]),
					SampleRate: c.target.SampleRate,
					Channels:   c.target.Channels,
					Timestamp:  time.Duration(emitted) * frameDur,
				}
				pending = pending[c.frameSamples:]
				emitted++
				select {
				case out <- frame:
				case <-c.stop:
					return
				}
			}
		}
	}
}

// ended records why the device's frame stream closed and releases it.
func (c *Capture) ended(dev audio.InputDevice) {
	cause := dev.Err()
	if cause == nil {
		cause = errors.New("input stream closed")
	}
	if !errors.Is(cause, audio.ErrDeviceLost) {
		cause = fmt.Errorf("%w: %w", audio.ErrDeviceLost, cause)
	}
	if err := dev.Close(); err != nil {
		slog.Warn("voice: release lost capture device", "err", err)
	}

	c.mu.Lock()
	select {
	case <-c.stop:
		// Stop raced the loss; the holder asked for this.
	default:
		c.err = cause
	}
	c.mu.Unlock()
}

// Stop ends capture and releases the device. It is idempotent and waits for
// the capture goroutine to exit.
func (c *Capture) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stop)

		c.mu.Lock()
		dev, started := c.dev, c.started
		c.mu.Unlock()
		if !started {
			return
		}
		err = dev.Close()
		<-c.done
	})
	return err
}

// Err returns the device loss that ended capture, or nil.
func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
