package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// LogLevelChanged is applied live.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged covers audio, duplex and voice settings. They apply to
	// the next session.
	SessionChanged bool

	// ProvidersChanged and RecordingChanged need a restart.
	ProvidersChanged bool
	RecordingChanged bool

	// ListenAddrChanged needs a restart.
	ListenAddrChanged bool
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && !d.ProvidersChanged &&
		!d.RecordingChanged && !d.ListenAddrChanged
}

// RequiresRestart reports whether any change cannot be applied while running.
func (d ConfigDiff) RequiresRestart() bool {
	return d.ProvidersChanged || d.RecordingChanged || d.ListenAddrChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.ListenAddrChanged = old.Server.ListenAddr != new.Server.ListenAddr
	d.SessionChanged = old.Audio != new.Audio || !duplexEqual(old.Duplex, new.Duplex)
	d.ProvidersChanged = !reflect.DeepEqual(old.Providers, new.Providers)
	d.RecordingChanged = old.Recording != new.Recording

	return d
}

func duplexEqual(a, b DuplexConfig) bool {
	if a.PromptInterval != b.PromptInterval || a.PromptText != b.PromptText || a.Voice != b.Voice {
		return false
	}
	if a.Signature.Threshold != b.Signature.Threshold || !slices.Equal(a.Signature.Frequencies, b.Signature.Frequencies) {
		return false
	}
	switch {
	case a.EchoSimilarity == nil && b.EchoSimilarity == nil:
		return true
	case a.EchoSimilarity == nil || b.EchoSimilarity == nil:
		return false
	}
	return *a.EchoSimilarity == *b.EchoSimilarity
}
