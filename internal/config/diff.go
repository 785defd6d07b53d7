package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// ConversationChanged is true if anything that shapes the next session
	// changed. Applied without restart.
	ConversationChanged bool

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the changed sections that are only read at
	// startup, e.g. "provider" or "audio.input".
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.ConversationChanged = conversationChanged(old.Conversation, new.Conversation)

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !providerEqual(old.Provider, new.Provider) {
		d.RestartRequired = append(d.RestartRequired, "provider")
	}
	if old.Audio.Input != new.Audio.Input {
		d.RestartRequired = append(d.RestartRequired, "audio.input")
	}
	if old.Audio.Output != new.Audio.Output {
		d.RestartRequired = append(d.RestartRequired, "audio.output")
	}
	if old.History != new.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func conversationChanged(old, new ConversationConfig) bool {
	return old.UserName != new.UserName ||
		old.SystemInstruction != new.SystemInstruction ||
		old.Voice != new.Voice ||
		old.ResponseModality != new.ResponseModality ||
		old.TranscribeEnabled() != new.TranscribeEnabled()
}

func providerEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL &&
		a.Model == b.Model && reflect.DeepEqual(a.Options, b.Options)
}
