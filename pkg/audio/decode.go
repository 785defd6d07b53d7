package audio

import (
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"
)

// ErrDecode marks a chunk that could not be turned into PCM. It only ever
// affects the chunk that produced it.
var ErrDecode = errors.New("audio: decode failure")

// Decoder turns one inbound chunk into a playable buffer.
type Decoder interface {
	Decode(c Chunk) (Buffer, error)
}

// DecoderFunc adapts a function to the [Decoder] interface.
type DecoderFunc func(c Chunk) (Buffer, error)

// Decode calls f(c).
func (f DecoderFunc) Decode(c Chunk) (Buffer, error) { return f(c) }

// PCMDecoder decodes raw little-endian int16 PCM. A "rate" parameter on the
// MIME type overrides the chunk's tagged sample rate.
var PCMDecoder = DecoderFunc(decodePCM)

func decodePCM(c Chunk) (Buffer, error) {
	f := c.Format()
	if c.MIMEType != "" {
		_, params, err := mime.ParseMediaType(c.MIMEType)
		if err != nil {
			return Buffer{}, fmt.Errorf("%w: mime %q: %v", ErrDecode, c.MIMEType, err)
		}
		if r, ok := params["rate"]; ok {
			rate, err := strconv.Atoi(r)
			if err != nil || rate <= 0 {
				return Buffer{}, fmt.Errorf("%w: bad rate %q", ErrDecode, r)
			}
			f.SampleRate = rate
		}
		if ch, ok := params["channels"]; ok {
			n, err := strconv.Atoi(ch)
			if err != nil || n <= 0 {
				return Buffer{}, fmt.Errorf("%w: bad channels %q", ErrDecode, ch)
			}
			f.Channels = n
		}
	}
	if len(c.Data) == 0 {
		return Buffer{}, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	if len(c.Data)%(2*f.Channels) != 0 {
		return Buffer{}, fmt.Errorf("%w: %d bytes is not a whole number of %s frames", ErrDecode, len(c.Data), f)
	}
	return Buffer{Samples: Int16s(c.Data), Format: f}, nil
}

// MIMEDecoder dispatches chunks to a decoder by media type and converts the
// result to a fixed output format. It is not safe for concurrent use; the
// playback scheduler that owns it serialises access.
type MIMEDecoder struct {
	byType map[string]Decoder
	conv   Converter
}

// NewMIMEDecoder returns a decoder producing buffers in target. Raw PCM
// ("audio/pcm", "audio/l16" and chunks without a MIME type) is registered by
// default.
func NewMIMEDecoder(target Format) *MIMEDecoder {
	d := &MIMEDecoder{
		byType: make(map[string]Decoder),
		conv:   Converter{Target: target},
	}
	d.Register("audio/pcm", PCMDecoder)
	d.Register("audio/l16", PCMDecoder)
	return d
}

// Register installs dec for mediaType, replacing any previous decoder.
func (d *MIMEDecoder) Register(mediaType string, dec Decoder) {
	d.byType[strings.ToLower(mediaType)] = dec
}

// Decode implements [Decoder]. Every failure wraps [ErrDecode].
func (d *MIMEDecoder) Decode(c Chunk) (Buffer, error) {
	mediaType := "audio/pcm"
	if c.MIMEType != "" {
		mt, _, err := mime.ParseMediaType(c.MIMEType)
		if err != nil {
			return Buffer{}, fmt.Errorf("%w: mime %q: %v", ErrDecode, c.MIMEType, err)
		}
		mediaType = mt
	}
	dec, ok := d.byType[mediaType]
	if !ok {
		return Buffer{}, fmt.Errorf("%w: unsupported media type %q", ErrDecode, mediaType)
	}
	buf, err := dec.Decode(c)
	if err != nil {
		if !errors.Is(err, ErrDecode) {
			err = fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return Buffer{}, err
	}
	if len(buf.Samples) == 0 {
		return Buffer{}, fmt.Errorf("%w: no samples", ErrDecode)
	}
	buf.Samples = d.conv.Convert(buf.Samples, buf.Format)
	buf.Format = d.conv.Target
	return buf, nil
}
