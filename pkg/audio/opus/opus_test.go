package opus_test

import (
	"errors"
	"testing"

	"layeh.com/gopus"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/opus"
)

func TestDecoder_RoundTrip(t *testing.T) {
	t.Parallel()

	const rate, frameSize = 24000, 480 // 20 ms
	enc, err := gopus.NewEncoder(rate, 1, gopus.Audio)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	packet, err := enc.Encode(make([]int16, frameSize), frameSize, 4000)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	m := audio.NewMIMEDecoder(audio.PlaybackFormat)
	if err := opus.Register(m, audio.PlaybackFormat); err != nil {
		t.Fatalf("Register: %v", err)
	}
	buf, err := m.Decode(audio.Chunk{Data: packet, MIMEType: opus.MediaType})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(buf.Samples) != frameSize {
		t.Errorf("len(Samples) = %d, want %d", len(buf.Samples), frameSize)
	}
}

func TestDecoder_Garbage(t *testing.T) {
	t.Parallel()

	d, err := opus.NewDecoder(audio.PlaybackFormat)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	if _, err := d.Decode(audio.Chunk{}); !errors.Is(err, audio.ErrDecode) {
		t.Errorf("empty packet err = %v, want ErrDecode", err)
	}
}

func TestNewDecoder_BadRate(t *testing.T) {
	t.Parallel()

	if _, err := opus.NewDecoder(audio.Format{SampleRate: 44100, Channels: 1}); err == nil {
		t.Error("44.1 kHz should be rejected by the opus decoder")
	}
}
