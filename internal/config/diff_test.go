package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/duplex/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo},
		Engines: map[string]config.ProviderEntry{
			"dg": {Name: "deepgram", APIKey: "k"},
		},
		Capture: config.CaptureConfig{
			Engine:          "dg",
			FrameDropPolicy: config.PolicySilent,
		},
		Synthesis: config.SynthesisConfig{
			Engine: "dg",
			Voice:  config.VoiceConfig{ID: "alloy"},
		},
	}
}

func TestDiff_NoChange(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if !d.Empty() {
		t.Errorf("diff of identical configs = %+v, want empty", d)
	}
}

func TestDiff_HotReloadable(t *testing.T) {
	t.Parallel()

	newCfg := baseConfig()
	newCfg.Server.LogLevel = config.LogDebug
	newCfg.Capture.FrameDropPolicy = config.PolicyReport
	newCfg.Synthesis.WriteFailurePolicy = config.PolicyReport
	newCfg.Synthesis.Voice = config.VoiceConfig{ID: "nova", Speed: 1.1}

	d := config.Diff(baseConfig(), newCfg)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %v %q", d.LogLevelChanged, d.NewLogLevel)
	}
	if !d.FrameDropPolicyChanged || d.NewFrameDropPolicy != config.PolicyReport {
		t.Errorf("frame drop diff = %v %q", d.FrameDropPolicyChanged, d.NewFrameDropPolicy)
	}
	if !d.WriteFailurePolicyChanged || d.NewWriteFailurePolicy != config.PolicyReport {
		t.Errorf("write failure diff = %v %q", d.WriteFailurePolicyChanged, d.NewWriteFailurePolicy)
	}
	if !d.VoiceChanged || d.NewVoice.ID != "nova" {
		t.Errorf("voice diff = %v %+v", d.VoiceChanged, d.NewVoice)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	newCfg := baseConfig()
	newCfg.Server.ListenAddr = ":9090"
	newCfg.Engines["dg"] = config.ProviderEntry{Name: "deepgram", APIKey: "rotated"}
	newCfg.Capture.Language = "de"
	newCfg.Guidance.BaseURL = "http://g"

	d := config.Diff(baseConfig(), newCfg)
	for _, want := range []string{"server", "engines", "capture", "guidance"} {
		if !slices.Contains(d.RestartRequired, want) {
			t.Errorf("RestartRequired = %v, missing %q", d.RestartRequired, want)
		}
	}
	if slices.Contains(d.RestartRequired, "synthesis") {
		t.Errorf("RestartRequired = %v, synthesis did not change", d.RestartRequired)
	}
	if d.LogLevelChanged {
		t.Error("log level did not change")
	}
}
