package main

import (
	"fmt"
	"log/slog"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/opus"
	"github.com/MrWong99/parley/pkg/audio/virtual"
	"github.com/MrWong99/parley/pkg/provider/live"
	"github.com/MrWong99/parley/pkg/provider/live/gemini"
	"github.com/MrWong99/parley/pkg/provider/live/openai"
)

// registerBuiltins wires the built-in live providers and audio drivers into
// reg. The portaudio drivers are added by registerPortAudio, which is a no-op
// unless built with -tags portaudio.
func registerBuiltins(reg *config.Registry) {
	// ── Live providers ────────────────────────────────────────────────────────

	reg.RegisterProvider("gemini-live", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		if v := optString(entry.Options, "default_voice"); v != "" {
			opts = append(opts, gemini.WithDefaultVoice(v))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterProvider("openai-realtime", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if v := optString(entry.Options, "default_voice"); v != "" {
			opts = append(opts, openai.WithDefaultVoice(v))
		}
		return openai.New(entry.APIKey, opts...), nil
	})

	// ── Virtual audio ─────────────────────────────────────────────────────────

	reg.RegisterInput(config.InputFile, func(c config.InputConfig) (audio.DeviceAccess, error) {
		return &virtual.Access{Format: inputFormat(c), FrameDuration: c.FrameDuration, Path: c.Path}, nil
	})
	reg.RegisterInput(config.InputSilence, func(c config.InputConfig) (audio.DeviceAccess, error) {
		return &virtual.Access{Format: inputFormat(c), FrameDuration: c.FrameDuration}, nil
	})
	reg.RegisterOutput(config.OutputClock, func(c config.OutputConfig) (audio.OutputFactory, error) {
		return &virtual.Speaker{Tick: c.BufferDuration}, nil
	})

	registerPortAudio(reg)
}

func inputFormat(c config.InputConfig) audio.Format {
	return audio.Format{SampleRate: c.SampleRate, Channels: c.Channels}
}

// buildProviders instantiates the drivers named in cfg.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	p, err := reg.CreateProvider(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("create live provider %q: %w", cfg.Provider.Name, err)
	}
	in, err := reg.CreateInput(cfg.Audio.Input)
	if err != nil {
		return nil, fmt.Errorf("create audio input %q: %w", cfg.Audio.Input.Driver, err)
	}
	out, err := reg.CreateOutput(cfg.Audio.Output)
	if err != nil {
		return nil, fmt.Errorf("create audio output %q: %w", cfg.Audio.Output.Driver, err)
	}
	slog.Info("drivers created",
		"provider", cfg.Provider.Name,
		"input", cfg.Audio.Input.Driver,
		"output", cfg.Audio.Output.Driver,
	)
	return &app.Providers{Live: p, Input: in, Output: out, NewDecoder: newDecoder}, nil
}

// newDecoder accepts PCM and Opus chunks.
func newDecoder(target audio.Format) audio.Decoder {
	d := audio.NewMIMEDecoder(target)
	if err := opus.Register(d, target); err != nil {
		slog.Warn("opus decoding unavailable", "err", err)
	}
	return d
}

// optString extracts a string value from a provider Options map. Returns ""
// if the key is absent or not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
