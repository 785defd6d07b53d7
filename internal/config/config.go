// Package config provides the configuration schema, loader, provider registry
// and file watcher for parley.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Modality selects what the remote model answers with.
type Modality string

const (
	ModalityAudio Modality = "audio"
	ModalityText  Modality = "text"
)

// IsValid reports whether m is a recognised modality.
func (m Modality) IsValid() bool {
	return m == ModalityAudio || m == ModalityText
}

// Audio driver names.
const (
	InputPortAudio  = "portaudio"
	InputFile       = "file"
	InputSilence    = "silence"
	OutputPortAudio = "portaudio"
	OutputClock     = "clock"
)

// DefaultSystemInstruction is used when conversation.system_instruction is
// empty. It is a text/template rendered with [InstructionData].
const DefaultSystemInstruction = "You are a helpful assistant.{{with .UserName}} The user's name is {{.}}.{{end}} Keep responses concise and conversational."

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Provider     ProviderEntry      `yaml:"provider"`
	Conversation ConversationConfig `yaml:"conversation"`
	Audio        AudioConfig        `yaml:"audio"`
	History      HistoryConfig      `yaml:"history"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the control API. Default ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Default "info".
	LogLevel LogLevel `yaml:"log_level"`
}

// ProviderEntry selects the remote live endpoint. Name is looked up in the
// [Registry].
type ProviderEntry struct {
	// Name is "gemini-live" or "openai-realtime".
	Name string `yaml:"name"`

	// APIKey authenticates against the provider.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's WebSocket endpoint.
	BaseURL string `yaml:"base_url"`

	// Model overrides the provider's default model.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// ConversationConfig shapes every new session. It can be changed while the
// process runs; the next Start picks it up.
type ConversationConfig struct {
	// UserName is substituted for {{.UserName}} in SystemInstruction.
	UserName string `yaml:"user_name"`

	// SystemInstruction is a text/template. Default [DefaultSystemInstruction].
	SystemInstruction string `yaml:"system_instruction"`

	// Voice selects the provider's output voice. Empty keeps the provider
	// default.
	Voice string `yaml:"voice"`

	// ResponseModality is "audio" (default) or "text".
	ResponseModality Modality `yaml:"response_modality"`

	// Transcribe enables input and output transcription. Default true.
	Transcribe *bool `yaml:"transcribe"`
}

// TranscribeEnabled reports whether transcription is on, defaulting to true.
func (c ConversationConfig) TranscribeEnabled() bool {
	return c.Transcribe == nil || *c.Transcribe
}

// AudioConfig selects the capture and playback drivers.
type AudioConfig struct {
	Input  InputConfig  `yaml:"input"`
	Output OutputConfig `yaml:"output"`
}

// InputConfig configures the microphone.
type InputConfig struct {
	// Driver is "portaudio" (default), "file" or "silence".
	Driver string `yaml:"driver"`

	// Path is the raw PCM file read by the "file" driver.
	Path string `yaml:"path"`

	// SampleRate is the device's native rate. Default 16000.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the device's native channel count. Default 1.
	Channels int `yaml:"channels"`

	// FrameDuration is the length of one captured frame. Default 100ms.
	FrameDuration time.Duration `yaml:"frame_duration"`
}

// OutputConfig configures the speaker.
type OutputConfig struct {
	// Driver is "portaudio" (default) or "clock".
	Driver string `yaml:"driver"`

	// SampleRate is the playback rate. Default 24000.
	SampleRate int `yaml:"sample_rate"`

	// BufferDuration is the device callback period. Default 20ms.
	BufferDuration time.Duration `yaml:"buffer_duration"`
}

// HistoryConfig selects where chat messages are stored.
type HistoryConfig struct {
	// PostgresDSN, when set, stores messages in PostgreSQL. Otherwise an
	// in-memory store is used.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	// ServiceName is reported in telemetry. Default "parley".
	ServiceName string `yaml:"service_name"`

	// MetricsPath is where Prometheus metrics are served. Default "/metrics".
	MetricsPath string `yaml:"metrics_path"`
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Provider.Name == "" {
		c.Provider.Name = "gemini-live"
	}
	if c.Conversation.SystemInstruction == "" {
		c.Conversation.SystemInstruction = DefaultSystemInstruction
	}
	if c.Conversation.ResponseModality == "" {
		c.Conversation.ResponseModality = ModalityAudio
	}
	if c.Audio.Input.Driver == "" {
		c.Audio.Input.Driver = InputPortAudio
	}
	if c.Audio.Input.SampleRate == 0 {
		c.Audio.Input.SampleRate = 16000
	}
	if c.Audio.Input.Channels == 0 {
		c.Audio.Input.Channels = 1
	}
	if c.Audio.Input.FrameDuration == 0 {
		c.Audio.Input.FrameDuration = 100 * time.Millisecond
	}
	if c.Audio.Output.Driver == "" {
		c.Audio.Output.Driver = OutputPortAudio
	}
	if c.Audio.Output.SampleRate == 0 {
		c.Audio.Output.SampleRate = 24000
	}
	if c.Audio.Output.BufferDuration == 0 {
		c.Audio.Output.BufferDuration = 20 * time.Millisecond
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "parley"
	}
	if c.Telemetry.MetricsPath == "" {
		c.Telemetry.MetricsPath = "/metrics"
	}
}
