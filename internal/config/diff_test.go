package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/parley/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Provider.APIKey = "k"
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	d := config.Diff(baseConfig(), baseConfig())
	if d.LogLevelChanged || d.ConversationChanged || len(d.RestartRequired) != 0 {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("got %+v", d)
	}
}

func TestDiff_ConversationChanged(t *testing.T) {
	off := false
	tests := []struct {
		name   string
		mutate func(*config.ConversationConfig)
	}{
		{"user name", func(c *config.ConversationConfig) { c.UserName = "Ada" }},
		{"instruction", func(c *config.ConversationConfig) { c.SystemInstruction = "Be brief." }},
		{"voice", func(c *config.ConversationConfig) { c.Voice = "Kore" }},
		{"modality", func(c *config.ConversationConfig) { c.ResponseModality = config.ModalityText }},
		{"transcribe", func(c *config.ConversationConfig) { c.Transcribe = &off }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			old, new := baseConfig(), baseConfig()
			tt.mutate(&new.Conversation)
			d := config.Diff(old, new)
			if !d.ConversationChanged {
				t.Error("ConversationChanged = false")
			}
			if len(d.RestartRequired) != 0 {
				t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
			}
		})
	}
}

func TestDiff_TranscribeExplicitDefaultIsNoChange(t *testing.T) {
	on := true
	old, new := baseConfig(), baseConfig()
	new.Conversation.Transcribe = &on
	if config.Diff(old, new).ConversationChanged {
		t.Error("explicit transcribe: true should equal the default")
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	old, new := baseConfig(), baseConfig()
	new.Provider.Options = map[string]any{"temperature": 0.2}
	new.Audio.Input.SampleRate = 48000
	new.History.PostgresDSN = "postgres://localhost/parley"

	d := config.Diff(old, new)
	want := []string{"provider", "audio.input", "history"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.ConversationChanged || d.LogLevelChanged {
		t.Errorf("unexpected hot changes: %+v", d)
	}
}
