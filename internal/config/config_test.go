package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/duplex/internal/config"
	"github.com/MrWong99/duplex/pkg/audio"
	audiomock "github.com/MrWong99/duplex/pkg/audio/mock"
	"github.com/MrWong99/duplex/pkg/engine"
	enginemock "github.com/MrWong99/duplex/pkg/engine/mock"
)

const fullYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
engines:
  dg:
    name: deepgram
    api_key: dg-key
    model: nova-3
  oai:
    name: openai
    api_key: sk-test
    options:
      silence_ms: 500
  el:
    name: elevenlabs
    api_key: el-key
capture:
  engine: dg
  fallback: [oai]
  device:
    name: alsa
    device: plughw:1,0
  language: zh-CN
  domain: iat
  accent: mandarin
  stop_timeout: 1500ms
  frame_drop_policy: report
synthesis:
  engine: el
  fallback: [oai]
  device:
    name: websocket
    url: ws://phone.local/play
  voice:
    id: x4_xiaoyan
    speed: 1.2
  write_failure_policy: silent
guidance:
  base_url: http://guidance.local:8000
  pose_timeout: 3s
  breaker:
    max_failures: 3
    reset_timeout: 10s
assistant:
  enabled: true
  queue_size: 4
telemetry:
  service_name: duplex-test
`

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if got := len(cfg.Engines); got != 3 {
		t.Fatalf("engines: got %d, want 3", got)
	}
	if e := cfg.Engines["dg"]; e.Name != "deepgram" || e.APIKey != "dg-key" || e.Model != "nova-3" {
		t.Errorf("engines.dg = %+v", e)
	}
	if got := config.OptInt(cfg.Engines["oai"].Options, "silence_ms"); got != 500 {
		t.Errorf("engines.oai.options.silence_ms = %d, want 500", got)
	}

	c := cfg.Capture
	if c.Engine != "dg" || len(c.Fallback) != 1 || c.Fallback[0] != "oai" {
		t.Errorf("capture engines = %q / %q", c.Engine, c.Fallback)
	}
	if c.Device.Name != "alsa" || c.Device.Device != "plughw:1,0" {
		t.Errorf("capture.device = %+v", c.Device)
	}
	if c.Language != "zh-CN" || c.Domain != "iat" || c.Accent != "mandarin" {
		t.Errorf("capture stream = %q %q %q", c.Language, c.Domain, c.Accent)
	}
	if c.StopTimeout != 1500*time.Millisecond {
		t.Errorf("capture.stop_timeout = %v, want 1.5s", c.StopTimeout)
	}
	if c.FrameDropPolicy != config.PolicyReport {
		t.Errorf("capture.frame_drop_policy = %q", c.FrameDropPolicy)
	}

	s := cfg.Synthesis
	if s.Voice.ID != "x4_xiaoyan" || s.Voice.Speed != 1.2 {
		t.Errorf("synthesis.voice = %+v", s.Voice)
	}
	if s.Device.URL != "ws://phone.local/play" {
		t.Errorf("synthesis.device.url = %q", s.Device.URL)
	}

	g := cfg.Guidance
	if g.PoseTimeout != 3*time.Second || g.Breaker.MaxFailures != 3 || g.Breaker.ResetTimeout != 10*time.Second {
		t.Errorf("guidance = %+v", g)
	}
	if !cfg.Assistant.Enabled || cfg.Assistant.QueueSize != 4 {
		t.Errorf("assistant = %+v", cfg.Assistant)
	}
	if cfg.Telemetry.ServiceName != "duplex-test" {
		t.Errorf("telemetry.service_name = %q", cfg.Telemetry.ServiceName)
	}
}

func TestLoadFromReader_Empty(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("empty config: %v", err)
	}
	if cfg.Capture.Engine != "" {
		t.Errorf("capture.engine = %q, want empty", cfg.Capture.Engine)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("capture:\n  engnie: dg\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want os.ErrNotExist", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "duplex.yaml")
	writeFile(t, path, fullYAML)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Synthesis.Engine != "el" {
		t.Errorf("synthesis.engine = %q, want el", cfg.Synthesis.Engine)
	}
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// fakeBackend is a recognizer and backend built by a registry factory.
type fakeBackend struct {
	enginemock.Backend
	enginemock.Recognizer
	entry config.ProviderEntry
}

func TestRegistry_Engine(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	reg.RegisterEngine("fake", func(e config.ProviderEntry) (engine.Backend, error) {
		return &fakeBackend{entry: e}, nil
	})

	b, err := reg.CreateEngine(config.ProviderEntry{Name: "fake", Model: "m1"})
	if err != nil {
		t.Fatalf("CreateEngine: %v", err)
	}
	fb, ok := b.(*fakeBackend)
	if !ok {
		t.Fatalf("CreateEngine returned %T", b)
	}
	if fb.entry.Model != "m1" {
		t.Errorf("factory got entry %+v", fb.entry)
	}
	if _, ok := b.(engine.Recognizer); !ok {
		t.Error("backend does not implement engine.Recognizer")
	}
	if err := b.Open(context.Background()); err != nil {
		t.Errorf("Open: %v", err)
	}

	_, err = reg.CreateEngine(config.ProviderEntry{Name: "missing"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_Device(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	opener := &audiomock.Opener{}
	reg.RegisterDevice("mock", func(config.DeviceEntry) (config.DeviceOpener, error) {
		return opener, nil
	})

	got, err := reg.CreateDevice(config.DeviceEntry{Name: "mock"})
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	dev, err := got.OpenCapture(context.Background(), audio.Contract)
	if err != nil {
		t.Fatalf("OpenCapture: %v", err)
	}
	_ = dev.Close()
	if opener.CallCountOpenCapture != 1 {
		t.Errorf("OpenCapture calls = %d, want 1", opener.CallCountOpenCapture)
	}

	_, err = reg.CreateDevice(config.DeviceEntry{Name: "alsa"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_Names(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	for _, n := range []string{"openai", "deepgram", "elevenlabs"} {
		reg.RegisterEngine(n, func(config.ProviderEntry) (engine.Backend, error) { return engine.NopBackend{}, nil })
	}
	got := strings.Join(reg.EngineNames(), ",")
	if got != "deepgram,elevenlabs,openai" {
		t.Errorf("EngineNames() = %s", got)
	}
	if n := len(reg.DeviceNames()); n != 0 {
		t.Errorf("DeviceNames() has %d entries, want 0", n)
	}
}
