package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known implementation names per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"engine": {"deepgram", "elevenlabs", "openai"},
	"device": {"alsa", "websocket"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Engines
	for id, entry := range cfg.Engines {
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("engines.%s.name is required", id))
			continue
		}
		validateProviderName("engine", entry.Name)
	}

	// Capture
	errs = append(errs, validateEngineRefs(cfg, "capture", cfg.Capture.Engine, cfg.Capture.Fallback)...)
	errs = append(errs, validateDevice("capture.device", cfg.Capture.Device)...)
	if !cfg.Capture.FrameDropPolicy.IsValid() {
		errs = append(errs, fmt.Errorf("capture.frame_drop_policy %q is invalid; valid values: silent, report", cfg.Capture.FrameDropPolicy))
	}
	if cfg.Capture.StopTimeout < 0 {
		errs = append(errs, fmt.Errorf("capture.stop_timeout %s must not be negative", cfg.Capture.StopTimeout))
	}

	// Synthesis
	errs = append(errs, validateEngineRefs(cfg, "synthesis", cfg.Synthesis.Engine, cfg.Synthesis.Fallback)...)
	errs = append(errs, validateDevice("synthesis.device", cfg.Synthesis.Device)...)
	if !cfg.Synthesis.WriteFailurePolicy.IsValid() {
		errs = append(errs, fmt.Errorf("synthesis.write_failure_policy %q is invalid; valid values: silent, report", cfg.Synthesis.WriteFailurePolicy))
	}
	if s := cfg.Synthesis.Voice.Speed; s != 0 && (s < 0.5 || s > 2.0) {
		errs = append(errs, fmt.Errorf("synthesis.voice.speed %.2f is out of range [0.5, 2.0]", s))
	}
	if cfg.Synthesis.StopTimeout < 0 {
		errs = append(errs, fmt.Errorf("synthesis.stop_timeout %s must not be negative", cfg.Synthesis.StopTimeout))
	}

	// Guidance
	if raw := cfg.Guidance.BaseURL; raw != "" {
		if u, err := url.Parse(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("guidance.base_url %q must be an absolute http(s) URL", raw))
		}
	} else if cfg.Assistant.Enabled {
		slog.Warn("guidance.base_url is empty; the assistant will only speak the fallback reply")
	}
	for name, d := range map[string]int64{
		"pose_timeout":          int64(cfg.Guidance.PoseTimeout),
		"chat_timeout":          int64(cfg.Guidance.ChatTimeout),
		"tts_timeout":           int64(cfg.Guidance.TTSTimeout),
		"breaker.reset_timeout": int64(cfg.Guidance.Breaker.ResetTimeout),
		"breaker.max_failures":  int64(cfg.Guidance.Breaker.MaxFailures),
		"breaker.half_open_max": int64(cfg.Guidance.Breaker.HalfOpenMax),
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("guidance.%s must not be negative", name))
		}
	}

	// Assistant
	if cfg.Assistant.Enabled {
		if cfg.Capture.Engine == "" {
			errs = append(errs, errors.New("assistant requires capture.engine"))
		}
		if cfg.Synthesis.Engine == "" {
			errs = append(errs, errors.New("assistant requires synthesis.engine"))
		}
	}
	if cfg.Assistant.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("assistant.queue_size %d must not be negative", cfg.Assistant.QueueSize))
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}
	if p := cfg.Telemetry.MetricsPath; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("telemetry.metrics_path %q must start with /", p))
	}

	return errors.Join(errs...)
}

// validateEngineRefs checks that the primary and fallback ids of a section
// name configured engines.
func validateEngineRefs(cfg *Config, section, primary string, fallback []string) []error {
	var errs []error
	if primary == "" {
		if len(fallback) > 0 {
			errs = append(errs, fmt.Errorf("%s.fallback is set but %s.engine is empty", section, section))
		}
		return errs
	}
	if _, ok := cfg.Engines[primary]; !ok {
		errs = append(errs, fmt.Errorf("%s.engine %q is not defined in engines", section, primary))
	}
	seen := map[string]bool{primary: true}
	for i, id := range fallback {
		if _, ok := cfg.Engines[id]; !ok {
			errs = append(errs, fmt.Errorf("%s.fallback[%d] %q is not defined in engines", section, i, id))
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("%s.fallback[%d] %q is listed twice", section, i, id))
		}
		seen[id] = true
	}
	return errs
}

func validateDevice(prefix string, d DeviceEntry) []error {
	if d.Name == "" {
		return nil
	}
	validateProviderName("device", d.Name)
	if d.Name == "websocket" && d.URL == "" {
		return []error{fmt.Errorf("%s.url is required for the websocket device", prefix)}
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown implementation name, may be a typo or third-party registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
