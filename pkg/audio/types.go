// Package audio defines the PCM primitives shared by the capture and playback
// halves of a voice session: frames, inbound chunks, decoded buffers, sample
// conversion, and the device contracts that platform drivers implement.
//
// All PCM in this package is signed 16-bit little-endian, interleaved when
// more than one channel is present.
package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

var (
	// CaptureFormat is the format frames are streamed to the remote endpoint in.
	CaptureFormat = Format{SampleRate: 16000, Channels: 1}

	// PlaybackFormat is the format remote audio is produced in unless a chunk
	// says otherwise.
	PlaybackFormat = Format{SampleRate: 24000, Channels: 1}
)

// Valid reports whether both the rate and channel count are positive.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// String renders the format as e.g. "16000Hz/1ch".
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels)
}

// Duration returns the playing time of n interleaved samples.
func (f Format) Duration(n int) time.Duration {
	if !f.Valid() || n <= 0 {
		return 0
	}
	frames := int64(n / f.Channels)
	return time.Duration(frames * int64(time.Second) / int64(f.SampleRate))
}

// FrameTime returns the offset of frame index n. It truncates to the
// nanosecond; [Format.FrameAt] maps the result back onto n.
func (f Format) FrameTime(n int64) time.Duration {
	if !f.Valid() || n <= 0 {
		return 0
	}
	return time.Duration(n * int64(time.Second) / int64(f.SampleRate))
}

// FrameAt returns the frame index nearest to d.
func (f Format) FrameAt(d time.Duration) int64 {
	if !f.Valid() || d <= 0 {
		return 0
	}
	return (int64(d)*int64(f.SampleRate) + int64(time.Second)/2) / int64(time.Second)
}

// Samples returns the number of interleaved samples covering d.
func (f Format) Samples(d time.Duration) int {
	if !f.Valid() || d <= 0 {
		return 0
	}
	frames := int64(d) * int64(f.SampleRate) / int64(time.Second)
	return int(frames) * f.Channels
}

// AudioFrame is one block of captured PCM handed from the capture pipeline to
// the streaming session. Frames are immutable once emitted.
type AudioFrame struct {
	// Data holds little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz (16000 for the streaming rate).
	SampleRate int

	// Channels is 1 for mono.
	Channels int

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// Format returns the frame's sample rate and channel count.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration returns the playing time of the frame.
func (f AudioFrame) Duration() time.Duration {
	return f.Format().Duration(len(f.Data) / 2)
}

// Chunk is an encoded audio payload received from the remote endpoint. It is
// decoded exactly once into a [Buffer] before scheduling.
type Chunk struct {
	// Data is the encoded payload.
	Data []byte

	// MIMEType identifies the encoding, e.g. "audio/pcm;rate=24000" or
	// "audio/opus". Empty means raw PCM.
	MIMEType string

	// SampleRate and Channels tag the payload. Zero values fall back to
	// [PlaybackFormat].
	SampleRate int
	Channels   int
}

// Format returns the tagged format of the chunk, defaulting missing fields to
// [PlaybackFormat].
func (c Chunk) Format() Format {
	f := Format{SampleRate: c.SampleRate, Channels: c.Channels}
	if f.SampleRate <= 0 {
		f.SampleRate = PlaybackFormat.SampleRate
	}
	if f.Channels <= 0 {
		f.Channels = PlaybackFormat.Channels
	}
	return f
}

// Buffer is decoded PCM with a known duration, ready for an [Output].
type Buffer struct {
	Samples []int16
	Format  Format
}

// Duration returns the playing time of the buffer.
func (b Buffer) Duration() time.Duration {
	return b.Format.Duration(len(b.Samples))
}
