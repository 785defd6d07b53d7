package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known names per registry kind. Used by [Validate]
// to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"provider": {"gemini-live", "openai-realtime"},
	"input":    {InputPortAudio, InputFile, InputSilence},
	"output":   {OutputPortAudio, OutputClock},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every problem found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	warnUnknownName("provider", cfg.Provider.Name)
	if cfg.Provider.APIKey == "" {
		slog.Warn("provider.api_key is empty; session starts will fail unless the endpoint needs no key",
			"provider", cfg.Provider.Name)
	}

	conv := cfg.Conversation
	if conv.ResponseModality != "" && !conv.ResponseModality.IsValid() {
		errs = append(errs, fmt.Errorf("conversation.response_modality %q is invalid; valid values: audio, text", conv.ResponseModality))
	}
	if _, err := template.New("system_instruction").Parse(conv.SystemInstruction); err != nil {
		errs = append(errs, fmt.Errorf("conversation.system_instruction: %w", err))
	}

	in := cfg.Audio.Input
	warnUnknownName("input", in.Driver)
	if in.Driver == InputFile && in.Path == "" {
		errs = append(errs, errors.New("audio.input.path is required when driver is file"))
	}
	errs = append(errs, checkRate("audio.input.sample_rate", in.SampleRate)...)
	if in.Channels < 0 || in.Channels > 8 {
		errs = append(errs, fmt.Errorf("audio.input.channels %d is out of range [1, 8]", in.Channels))
	}
	errs = append(errs, checkPeriod("audio.input.frame_duration", in.FrameDuration)...)

	out := cfg.Audio.Output
	warnUnknownName("output", out.Driver)
	errs = append(errs, checkRate("audio.output.sample_rate", out.SampleRate)...)
	errs = append(errs, checkPeriod("audio.output.buffer_duration", out.BufferDuration)...)

	if cfg.History.PostgresDSN == "" {
		slog.Debug("history.postgres_dsn is empty; chat history is kept in memory only")
	}
	if p := cfg.Telemetry.MetricsPath; p != "" && p[0] != '/' {
		errs = append(errs, fmt.Errorf("telemetry.metrics_path %q must start with /", p))
	}

	return errors.Join(errs...)
}

func checkRate(field string, rate int) []error {
	if rate == 0 || (rate >= 8000 && rate <= 192000) {
		return nil
	}
	return []error{fmt.Errorf("%s %d is out of range [8000, 192000]", field, rate)}
}

func checkPeriod(field string, d time.Duration) []error {
	if d == 0 || (d >= 5*time.Millisecond && d <= time.Second) {
		return nil
	}
	return []error{fmt.Errorf("%s %v is out of range [5ms, 1s]", field, d)}
}

// warnUnknownName logs a warning if name is non-empty and not listed in
// [ValidProviderNames] for kind.
func warnUnknownName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("config: unknown name, may be a typo or a third-party registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
