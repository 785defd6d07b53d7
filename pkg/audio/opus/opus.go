// Package opus decodes Opus-encoded inbound chunks for the playback
// scheduler. Each chunk carries exactly one Opus packet.
package opus

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/parley/pkg/audio"
)

// MediaType is the MIME media type this package decodes.
const MediaType = "audio/opus"

// maxFrameMs is the longest frame an Opus packet can carry.
const maxFrameMs = 120

// Decoder wraps a gopus decoder. Opus decoders are stateful across packets,
// so one Decoder serves one stream. Not safe for concurrent use.
type Decoder struct {
	dec    *gopus.Decoder
	format audio.Format
}

var _ audio.Decoder = (*Decoder)(nil)

// NewDecoder creates a decoder producing PCM at f. Opus supports 8, 12, 16,
// 24 and 48 kHz output with one or two channels.
func NewDecoder(f audio.Format) (*Decoder, error) {
	dec, err := gopus.NewDecoder(f.SampleRate, f.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder %s: %w", f, err)
	}
	return &Decoder{dec: dec, format: f}, nil
}

// Decode implements [audio.Decoder].
func (d *Decoder) Decode(c audio.Chunk) (audio.Buffer, error) {
	if len(c.Data) == 0 {
		return audio.Buffer{}, fmt.Errorf("%w: empty opus packet", audio.ErrDecode)
	}
	frameSize := d.format.SampleRate * maxFrameMs / 1000
	pcm, err := d.dec.Decode(c.Data, frameSize, false)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("%w: opus: %v", audio.ErrDecode, err)
	}
	return audio.Buffer{Samples: pcm, Format: d.format}, nil
}

// Register installs a fresh decoder producing f on m under [MediaType].
func Register(m *audio.MIMEDecoder, f audio.Format) error {
	d, err := NewDecoder(f)
	if err != nil {
		return err
	}
	m.Register(MediaType, d)
	return nil
}
