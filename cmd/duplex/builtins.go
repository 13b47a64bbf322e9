package main

import (
	"log/slog"
	"time"

	"github.com/MrWong99/duplex/internal/config"
	"github.com/MrWong99/duplex/pkg/audio/alsa"
	"github.com/MrWong99/duplex/pkg/audio/wsdevice"
	"github.com/MrWong99/duplex/pkg/engine"
	"github.com/MrWong99/duplex/pkg/engine/deepgram"
	"github.com/MrWong99/duplex/pkg/engine/elevenlabs"
	"github.com/MrWong99/duplex/pkg/engine/openai"
)

// registerBuiltins wires all built-in engine and device factories into reg.
// Each factory receives its config entry and constructs the implementation;
// network connections are made later, when a session opens the runtime.
func registerBuiltins(reg *config.Registry) {
	// ── Engines ───────────────────────────────────────────────────────────────
	reg.RegisterEngine("deepgram", func(entry config.ProviderEntry) (engine.Backend, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if ms := config.OptInt(entry.Options, "flush_timeout_ms"); ms > 0 {
			opts = append(opts, deepgram.WithFlushTimeout(time.Duration(ms)*time.Millisecond))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterEngine("elevenlabs", func(entry config.ProviderEntry) (engine.Backend, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpoint(entry.BaseURL))
		}
		if v := config.OptString(entry.Options, "voice"); v != "" {
			opts = append(opts, elevenlabs.WithDefaultVoice(v))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// openai serves both directions; Model selects the transcription model
	// and options.speech_model the synthesis model.
	reg.RegisterEngine("openai", func(entry config.ProviderEntry) (engine.Backend, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, openai.WithTranscriptionModel(entry.Model))
		}
		if m := config.OptString(entry.Options, "speech_model"); m != "" {
			opts = append(opts, openai.WithSpeechModel(m))
		}
		if v := config.OptString(entry.Options, "voice"); v != "" {
			opts = append(opts, openai.WithDefaultVoice(v))
		}
		if ms := config.OptInt(entry.Options, "timeout_ms"); ms > 0 {
			opts = append(opts, openai.WithTimeout(time.Duration(ms)*time.Millisecond))
		}
		if ms := config.OptInt(entry.Options, "silence_ms"); ms > 0 {
			opts = append(opts, openai.WithSilenceThreshold(time.Duration(ms)*time.Millisecond))
		}
		if ms := config.OptInt(entry.Options, "max_utterance_ms"); ms > 0 {
			opts = append(opts, openai.WithMaxUtterance(time.Duration(ms)*time.Millisecond))
		}
		return openai.New(entry.APIKey, opts...)
	})

	// ── Devices ───────────────────────────────────────────────────────────────
	reg.RegisterDevice("alsa", func(entry config.DeviceEntry) (config.DeviceOpener, error) {
		return alsa.New(
			alsa.WithDevice(entry.Device),
			alsa.WithBinaries(
				config.OptString(entry.Options, "record_bin"),
				config.OptString(entry.Options, "play_bin"),
			),
		), nil
	})

	// websocket uses URL for both directions unless options.capture_url or
	// options.playback_url override one of them.
	reg.RegisterDevice("websocket", func(entry config.DeviceEntry) (config.DeviceOpener, error) {
		captureURL, playbackURL := entry.URL, entry.URL
		if u := config.OptString(entry.Options, "capture_url"); u != "" {
			captureURL = u
		}
		if u := config.OptString(entry.Options, "playback_url"); u != "" {
			playbackURL = u
		}
		var opts []wsdevice.Option
		if tok := config.OptString(entry.Options, "token"); tok != "" {
			opts = append(opts, wsdevice.WithHeader("Authorization", bearer(tok)))
		}
		return wsdevice.New(captureURL, playbackURL, opts...)
	})

	for _, name := range reg.EngineNames() {
		slog.Debug("registered engine", "name", name)
	}
	for _, name := range reg.DeviceNames() {
		slog.Debug("registered device", "name", name)
	}
}
