package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; everything else
// is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	FrameDropPolicyChanged bool
	NewFrameDropPolicy     Policy

	WriteFailurePolicyChanged bool
	NewWriteFailurePolicy     Policy

	VoiceChanged bool
	NewVoice     VoiceConfig

	// RestartRequired names the top-level sections that changed in ways
	// only a restart applies.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.FrameDropPolicyChanged &&
		!d.WriteFailurePolicyChanged && !d.VoiceChanged &&
		len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Session policies and voice
	if old.Capture.FrameDropPolicy != new.Capture.FrameDropPolicy {
		d.FrameDropPolicyChanged = true
		d.NewFrameDropPolicy = new.Capture.FrameDropPolicy
	}
	if old.Synthesis.WriteFailurePolicy != new.Synthesis.WriteFailurePolicy {
		d.WriteFailurePolicyChanged = true
		d.NewWriteFailurePolicy = new.Synthesis.WriteFailurePolicy
	}
	if old.Synthesis.Voice != new.Synthesis.Voice {
		d.VoiceChanged = true
		d.NewVoice = new.Synthesis.Voice
	}

	// Everything else needs a restart.
	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Engines, new.Engines) {
		d.RestartRequired = append(d.RestartRequired, "engines")
	}
	oldCap, newCap := old.Capture, new.Capture
	oldCap.FrameDropPolicy, newCap.FrameDropPolicy = "", ""
	if !reflect.DeepEqual(oldCap, newCap) {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}
	oldSyn, newSyn := old.Synthesis, new.Synthesis
	oldSyn.WriteFailurePolicy, newSyn.WriteFailurePolicy = "", ""
	oldSyn.Voice, newSyn.Voice = VoiceConfig{}, VoiceConfig{}
	if !reflect.DeepEqual(oldSyn, newSyn) {
		d.RestartRequired = append(d.RestartRequired, "synthesis")
	}
	if old.Guidance != new.Guidance {
		d.RestartRequired = append(d.RestartRequired, "guidance")
	}
	if old.Assistant != new.Assistant {
		d.RestartRequired = append(d.RestartRequired, "assistant")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}
