package audio

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrOutputClosed is returned by [Timeline.Play] after Close.
var ErrOutputClosed = errors.New("audio: output closed")

// Timeline is a software [Output]. Scheduled buffers are mixed into whatever
// the driver pulls through [Timeline.Render], and the clock advances by
// exactly the number of frames rendered. Device drivers call Render from their
// audio callback; tests and headless setups call [Timeline.Advance].
//
// Timeline is safe for concurrent use.
type Timeline struct {
	format Format

	mu      sync.Mutex
	pos     int64 // frames rendered so far
	sources []*timelineSource
	closed  bool
}

var _ Output = (*Timeline)(nil)

type timelineSource struct {
	t       *Timeline
	samples []int16
	start   int64 // first frame
	end     int64 // one past the last frame
	onEnded func()
}

// NewTimeline creates a timeline rendering in format f.
func NewTimeline(f Format) *Timeline {
	return &Timeline{format: f}
}

// Format implements [Output].
func (t *Timeline) Format() Format { return t.format }

// Clock implements [Output].
func (t *Timeline) Clock() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frameTime(t.pos)
}

// Active returns the number of sources that have not finished or been stopped.
func (t *Timeline) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sources)
}

// Play implements [Output].
func (t *Timeline) Play(buf Buffer, at time.Duration, onEnded func()) (Source, error) {
	if buf.Format != t.format {
		return nil, fmt.Errorf("audio: timeline plays %s, got %s", t.format, buf.Format)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrOutputClosed
	}
	start := max(t.timeFrame(at), t.pos)
	src := &timelineSource{
		t:       t,
		samples: buf.Samples,
		start:   start,
		end:     start + int64(len(buf.Samples)/t.format.Channels),
		onEnded: onEnded,
	}
	t.sources = append(t.sources, src)
	return src, nil
}

// Render mixes every source overlapping the next len(out)/channels frames
// into out and advances the clock. Sources that finish inside the window are
// removed and their ended callbacks run, in order of completion, after the
// timeline lock is released.
func (t *Timeline) Render(out []int16) {
	ch := t.format.Channels
	frames := int64(len(out) / ch)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		clear(out)
		return
	}
	from, to := t.pos, t.pos+frames
	mix := make([]int32, len(out))
	var ended []*timelineSource
	kept := t.sources[:0]
	for _, s := range t.sources {
		lo, hi := max(s.start, from), min(s.end, to)
		for f := lo; f < hi; f++ {
			src := (f - s.start) * int64(ch)
			dst := (f - from) * int64(ch)
			for c := range int64(ch) {
				mix[dst+c] += int32(s.samples[src+c])
			}
		}
		if s.end <= to {
			ended = append(ended, s)
			continue
		}
		kept = append(kept, s)
	}
	clear(t.sources[len(kept):])
	t.sources = kept
	t.pos = to
	t.mu.Unlock()

	for i, v := range mix {
		out[i] = clamp16(v)
	}
	sort.SliceStable(ended, func(i, j int) bool { return ended[i].end < ended[j].end })
	for _, s := range ended {
		if s.onEnded != nil {
			s.onEnded()
		}
	}
}

// Advance renders d worth of audio into a scratch buffer. It is the clock
// driver for outputs with no physical device.
func (t *Timeline) Advance(d time.Duration) {
	n := t.format.Samples(d)
	if n <= 0 {
		return
	}
	t.Render(make([]int16, n))
}

// Close implements [Output]. Pending sources are dropped without running
// their ended callbacks.
func (t *Timeline) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.sources = nil
	return nil
}

// Stop implements [Source].
func (s *timelineSource) Stop() {
	t := s.t
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, other := range t.sources {
		if other == s {
			t.sources = append(t.sources[:i], t.sources[i+1:]...)
			return
		}
	}
}

func (t *Timeline) frameTime(frame int64) time.Duration {
	return t.format.FrameTime(frame)
}

func (t *Timeline) timeFrame(d time.Duration) int64 {
	return t.format.FrameAt(d)
}
