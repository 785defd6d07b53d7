package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// Int16s decodes little-endian PCM bytes into samples. A trailing odd byte is
// ignored.
func Int16s(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// Bytes encodes samples as little-endian PCM bytes.
func Bytes(s []int16) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// Remix converts interleaved samples between channel counts. Downmixing
// averages all channels; upmixing copies the first channel into every output
// channel.
func Remix(s []int16, from, to int) []int16 {
	if from == to || from <= 0 || to <= 0 {
		return s
	}
	frames := len(s) / from
	out := make([]int16, frames*to)
	for i := range frames {
		var v int16
		if to < from {
			var sum int32
			for c := range from {
				sum += int32(s[i*from+c])
			}
			v = clamp16(sum / int32(from))
		} else {
			v = s[i*from]
		}
		for c := range to {
			out[i*to+c] = v
		}
	}
	return out
}

// Resample converts interleaved samples from one rate to another with linear
// interpolation, per channel. Equal or invalid rates return s unchanged.
func Resample(s []int16, channels, from, to int) []int16 {
	if from == to || from <= 0 || to <= 0 || channels <= 0 {
		return s
	}
	srcFrames := len(s) / channels
	if srcFrames == 0 {
		return nil
	}
	dstFrames := int(int64(srcFrames) * int64(to) / int64(from))
	out := make([]int16, dstFrames*channels)
	step := float64(from) / float64(to)
	for i := range dstFrames {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = srcFrames - 1
		}
		for c := range channels {
			a := float64(s[idx*channels+c])
			b := float64(s[next*channels+c])
			out[i*channels+c] = int16(a + (b-a)*frac)
		}
	}
	return out
}

// Resampler converts one continuous interleaved stream between rates with
// linear interpolation. Unlike [Resample] it keeps its position and the last
// source frame between calls, so buffer boundaries neither drop nor repeat
// samples: output frame k always sits at source position k*from/to.
type Resampler struct {
	channels int
	from, to int64

	in   int64 // source frames consumed by earlier calls
	out  int64 // output frames produced so far
	last []int16
}

// NewResampler returns a resampler for interleaved frames of channels samples.
func NewResampler(channels, from, to int) *Resampler {
	return &Resampler{channels: channels, from: int64(from), to: int64(to)}
}

// Process consumes s and returns every output frame whose source position is
// now covered. A trailing partial frame in s is ignored.
func (r *Resampler) Process(s []int16) []int16 {
	if r.from == r.to || r.from <= 0 || r.to <= 0 || r.channels <= 0 {
		return s
	}
	ch := r.channels
	n := int64(len(s) / ch)
	if n == 0 {
		return nil
	}
	base, end := r.in, r.in+n
	at := func(j int64, c int) float64 {
		if j < base {
			return float64(r.last[c])
		}
		return float64(s[int(j-base)*ch+c])
	}

	out := make([]int16, 0, int((n*r.to/r.from+1)*int64(ch)))
	for {
		num := r.out * r.from
		idx, rem := num/r.to, num%r.to
		if idx >= end || (rem != 0 && idx+1 >= end) {
			break
		}
		frac := float64(rem) / float64(r.to)
		for c := range ch {
			a := at(idx, c)
			if rem == 0 {
				out = append(out, int16(a))
				continue
			}
			b := at(idx+1, c)
			out = append(out, int16(a+(b-a)*frac))
		}
		r.out++
	}
	r.last = append(r.last[:0], s[int(n-1)*ch:int(n)*ch]...)
	r.in = end
	return out
}

func clamp16(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	}
	return int16(v)
}

// Converter rewrites PCM into a fixed target format. It logs a warning the
// first time it sees a mismatching source format. Create one per stream; it is
// not designed for shared use across goroutines.
type Converter struct {
	Target Format

	rs     *Resampler
	rsFrom Format

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns s (in format from) rewritten to the target format.
// Resampling runs before channel conversion when downmixing so fewer channels
// are interpolated.
func (c *Converter) Convert(s []int16, from Format) []int16 {
	if from == c.Target || !from.Valid() || !c.Target.Valid() {
		return s
	}
	c.warnedMismatch.Do(func() {
		slog.Warn("audio: converting format", "from", from.String(), "to", c.Target.String())
	})
	if c.Target.Channels < from.Channels {
		s = Remix(s, from.Channels, c.Target.Channels)
		return Resample(s, c.Target.Channels, from.SampleRate, c.Target.SampleRate)
	}
	s = Resample(s, from.Channels, from.SampleRate, c.Target.SampleRate)
	return Remix(s, from.Channels, c.Target.Channels)
}

// ConvertStream is [Converter.Convert] for consecutive buffers of one stream,
// such as device callbacks. Resampling state carries across calls; a change
// of source format starts a new stream.
func (c *Converter) ConvertStream(s []int16, from Format) []int16 {
	if from == c.Target || !from.Valid() || !c.Target.Valid() {
		return s
	}
	c.warnedMismatch.Do(func() {
		slog.Warn("audio: converting format", "from", from.String(), "to", c.Target.String())
	})
	downmix := c.Target.Channels < from.Channels
	ch := from.Channels
	if downmix {
		s = Remix(s, from.Channels, c.Target.Channels)
		ch = c.Target.Channels
	}
	if c.rs == nil || c.rsFrom != from {
		c.rs = NewResampler(ch, from.SampleRate, c.Target.SampleRate)
		c.rsFrom = from
	}
	s = c.rs.Process(s)
	if !downmix {
		s = Remix(s, from.Channels, c.Target.Channels)
	}
	return s
}

// ConvertFrame converts the next captured frame of a stream to the target
// format with [Converter.ConvertStream]. Frames with an odd byte count are
// corrupt and come back with nil Data.
func (c *Converter) ConvertFrame(f AudioFrame) AudioFrame {
	if len(f.Data)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: odd byte count in PCM frame, dropping", "bytes", len(f.Data), "format", f.Format().String())
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: f.Timestamp}
	}
	if f.Format() == c.Target {
		return f
	}
	return AudioFrame{
		Data:       Bytes(c.ConvertStream(Int16s(f.Data), f.Format())),
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  f.Timestamp,
	}
}
