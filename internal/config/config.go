// Package config provides the configuration schema, loader, and engine/device
// registry for the duplex voice I/O server.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the duplex server.
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

// SlogLevel maps l to a [slog.Level]. Unknown and empty levels map to
// [slog.LevelInfo].
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Policy decides what happens to a dropped frame or a failed playback write.
type Policy string

const (
	// PolicySilent drops and counts the failure.
	PolicySilent Policy = "silent"

	// PolicyReport additionally delivers an error event to the listener.
	PolicyReport Policy = "report"
)

// IsValid reports whether p is a recognised policy. The empty policy is
// valid and means silent.
func (p Policy) IsValid() bool {
	switch p {
	case "", PolicySilent, PolicyReport:
		return true
	}
	return false
}

// Config is the root configuration structure for duplex.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig             `yaml:"server"`
	Engines   map[string]ProviderEntry `yaml:"engines"`
	Capture   CaptureConfig            `yaml:"capture"`
	Synthesis SynthesisConfig          `yaml:"synthesis"`
	Guidance  GuidanceConfig           `yaml:"guidance"`
	Assistant AssistantConfig          `yaml:"assistant"`
	Telemetry TelemetryConfig          `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the duplex server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderEntry configures one engine vendor runtime. The map key under
// which it appears in [Config.Engines] is the engine id referenced by the
// capture and synthesis sections; Name selects the implementation in the
// [Registry]. One runtime is shared by every session using the same id.
type ProviderEntry struct {
	// Name selects the registered engine implementation (e.g., "deepgram",
	// "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the vendor's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the vendor's default API endpoint.
	// Leave empty to use the built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model (e.g., "nova-3", "eleven_flash_v2_5").
	Model string `yaml:"model"`

	// Options holds engine-specific values not covered by the standard
	// fields above.
	Options map[string]any `yaml:"options"`
}

// DeviceEntry selects and configures an audio endpoint.
type DeviceEntry struct {
	// Name selects the registered device implementation ("alsa",
	// "websocket").
	Name string `yaml:"name"`

	// Device is the implementation-specific device identifier, e.g. the ALSA
	// PCM name ("default", "plughw:1,0").
	Device string `yaml:"device"`

	// URL is the remote endpoint for network devices.
	URL string `yaml:"url"`

	// Options holds device-specific values.
	Options map[string]any `yaml:"options"`
}

// CaptureConfig configures the capture (speech recognition) session.
type CaptureConfig struct {
	// Engine is the id of the recognition engine in [Config.Engines].
	Engine string `yaml:"engine"`

	// Fallback lists engine ids tried in order when Engine fails to start a
	// session.
	Fallback []string `yaml:"fallback"`

	// Device is the capture endpoint.
	Device DeviceEntry `yaml:"device"`

	// Language is the BCP-47 recognition language (e.g., "en", "zh-CN").
	Language string `yaml:"language"`

	// Domain is an engine-specific recognition domain or model hint.
	Domain string `yaml:"domain"`

	// Accent is an engine-specific accent or dialect hint.
	Accent string `yaml:"accent"`

	// StopTimeout bounds how long stopping waits for the capture loop.
	// Default: 2s.
	StopTimeout time.Duration `yaml:"stop_timeout"`

	// FrameDropPolicy decides whether frames the engine rejects are reported
	// to the listener. Hot-reloadable. Default: silent.
	FrameDropPolicy Policy `yaml:"frame_drop_policy"`
}

// SynthesisConfig configures the synthesis (text-to-speech) session.
type SynthesisConfig struct {
	// Engine is the id of the synthesis engine in [Config.Engines].
	Engine string `yaml:"engine"`

	// Fallback lists engine ids tried in order when Engine fails before
	// producing audio.
	Fallback []string `yaml:"fallback"`

	// Device is the playback endpoint.
	Device DeviceEntry `yaml:"device"`

	// Voice selects the synthesis voice. Hot-reloadable.
	Voice VoiceConfig `yaml:"voice"`

	// WriteFailurePolicy decides whether failed playback writes are reported
	// to the listener. Hot-reloadable. Default: silent.
	WriteFailurePolicy Policy `yaml:"write_failure_policy"`

	// StopTimeout bounds how long destroying waits for an in-flight request.
	// Default: 2s.
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// VoiceConfig specifies the synthesis voice parameters.
type VoiceConfig struct {
	// ID is the engine-specific voice identifier.
	ID string `yaml:"id"`

	// Speed adjusts speaking rate in the range [0.5, 2.0]. 0 means default.
	Speed float64 `yaml:"speed"`
}

// GuidanceConfig configures the remote shooting-guidance collaborator.
type GuidanceConfig struct {
	// BaseURL is the root of the guidance service. When empty every request
	// is answered from the built-in fallback.
	BaseURL string `yaml:"base_url"`

	// PoseTimeout bounds pose suggestion calls. Default: 3s.
	PoseTimeout time.Duration `yaml:"pose_timeout"`

	// ChatTimeout bounds chat calls. Default: 2s.
	ChatTimeout time.Duration `yaml:"chat_timeout"`

	// TTSTimeout bounds remote speech synthesis calls. Default: 2s.
	TTSTimeout time.Duration `yaml:"tts_timeout"`

	// Breaker tunes the circuit breaker guarding remote calls.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes a circuit breaker. Zero values use the defaults.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// AssistantConfig configures the voice assistant loop that answers final
// recognition results through the guidance service and speaks the reply.
type AssistantConfig struct {
	// Enabled turns the loop on.
	Enabled bool `yaml:"enabled"`

	// SessionID identifies the conversation to the guidance service. A
	// random id is generated when empty.
	SessionID string `yaml:"session_id"`

	// QueueSize bounds the number of utterances waiting for a reply.
	// Default: 8.
	QueueSize int `yaml:"queue_size"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	// ServiceName is reported in telemetry. Default: "duplex".
	ServiceName string `yaml:"service_name"`

	// MetricsPath is where Prometheus metrics are served. Default: "/metrics".
	MetricsPath string `yaml:"metrics_path"`

	// TraceSampleRatio is the fraction of root traces sampled, in [0, 1].
	// Zero samples every trace.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}
