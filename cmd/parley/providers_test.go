package main

import (
	"errors"
	"testing"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/audio"
)

func TestBuildProviders_Virtual(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltins(reg)

	for _, name := range []string{"gemini-live", "openai-realtime"} {
		cfg := &config.Config{Provider: config.ProviderEntry{Name: name, APIKey: "k"}}
		cfg.ApplyDefaults()
		cfg.Audio.Input.Driver = config.InputSilence
		cfg.Audio.Output.Driver = config.OutputClock

		ps, err := buildProviders(cfg, reg)
		if err != nil {
			t.Fatalf("%s: buildProviders: %v", name, err)
		}
		if ps.Live == nil || ps.Input == nil || ps.Output == nil || ps.NewDecoder == nil {
			t.Fatalf("%s: incomplete providers %+v", name, ps)
		}
	}
}

func TestBuildProviders_UnknownProvider(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltins(reg)
	cfg := &config.Config{Provider: config.ProviderEntry{Name: "nope"}}
	cfg.ApplyDefaults()

	if _, err := buildProviders(cfg, reg); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestNewDecoder_PCM(t *testing.T) {
	d := newDecoder(audio.PlaybackFormat)
	buf, err := d.Decode(audio.Chunk{MIMEType: "audio/pcm;rate=24000", Data: make([]byte, 480)})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(buf.Samples) != 240 {
		t.Errorf("samples = %d, want 240", len(buf.Samples))
	}
}

func TestOptString(t *testing.T) {
	opts := map[string]any{"default_voice": "Kore", "temperature": 0.5}
	if got := optString(opts, "default_voice"); got != "Kore" {
		t.Errorf("got %q", got)
	}
	if got := optString(opts, "temperature"); got != "" {
		t.Errorf("non-string value: got %q", got)
	}
	if got := optString(nil, "x"); got != "" {
		t.Errorf("nil map: got %q", got)
	}
}
