// Package app wires the duplex subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates the engine runtimes,
// audio devices, voice sessions and guidance service from the config, Run
// serves HTTP (plus the config watcher and the assistant loop), and Shutdown
// tears everything down in order.
//
// For testing, pass a [config.Registry] populated with mock engine and
// device factories, and inject collaborators via functional options
// (WithRemote, WithMetrics).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/duplex/internal/config"
	"github.com/MrWong99/duplex/internal/guidance"
	"github.com/MrWong99/duplex/internal/health"
	"github.com/MrWong99/duplex/internal/observe"
	"github.com/MrWong99/duplex/internal/resilience"
	"github.com/MrWong99/duplex/internal/voice"
	"github.com/MrWong99/duplex/pkg/engine"
)

const (
	defaultDevice      = "alsa"
	defaultMetricsPath = "/metrics"

	// serverShutdownTimeout bounds the HTTP server drain once Run's context
	// is cancelled.
	serverShutdownTimeout = 10 * time.Second
)

// App owns all subsystem lifetimes of the duplex server.
type App struct {
	cfg      *config.Config
	reg      *config.Registry
	metrics  *observe.Metrics
	levelVar *slog.LevelVar
	watcher  *config.Watcher

	// Engine runtimes keyed by engine id, shared across sessions.
	runtimes map[string]*engine.Runtime

	// Subsystems: initialised in New, torn down in Shutdown. Either session
	// may be nil when its section names no engine.
	capture   *voice.CaptureSession
	synthesis *voice.SynthesisSession
	captureRT *engine.Runtime
	synthRT   *engine.Runtime
	remote    guidance.Remote
	breaker   *resilience.CircuitBreaker
	guide     *guidance.Service
	hub       *Hub
	assistant *Assistant
	health    *health.Handler

	handlerOnce sync.Once
	handler     http.Handler

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLogLevel hands New the level variable behind the process logger so
// that Reload can change verbosity.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithWatcher makes Run poll the config file with w.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithRemote injects the guidance collaborator instead of building an HTTP
// client from cfg.Guidance.
func WithRemote(r guidance.Remote) Option {
	return func(a *App) { a.remote = r }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Engines and devices
// are built through reg, so main registers the real implementations and
// tests register mocks.
//
// New opens the engine runtimes the sessions use. On failure everything
// opened so far is released again.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		reg:      reg,
		runtimes: make(map[string]*engine.Runtime),
		hub:      NewHub(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	ok := false
	defer func() {
		if !ok {
			a.teardown()
		}
	}()

	// ── 1. Engine runtimes ───────────────────────────────────────────────
	if err := a.initRuntimes(); err != nil {
		return nil, fmt.Errorf("app: init engines: %w", err)
	}

	// ── 2. Voice sessions ────────────────────────────────────────────────
	if err := a.initCapture(ctx); err != nil {
		return nil, fmt.Errorf("app: init capture: %w", err)
	}
	if err := a.initSynthesis(ctx); err != nil {
		return nil, fmt.Errorf("app: init synthesis: %w", err)
	}

	// ── 3. Guidance ──────────────────────────────────────────────────────
	if err := a.initGuidance(); err != nil {
		return nil, fmt.Errorf("app: init guidance: %w", err)
	}

	// ── 4. Assistant ─────────────────────────────────────────────────────
	a.initAssistant()

	// ── 5. Health ────────────────────────────────────────────────────────
	a.initHealth()

	ok = true
	slog.Info("app initialised",
		"engines", len(a.runtimes),
		"capture", a.capture != nil,
		"synthesis", a.synthesis != nil,
		"guidance_remote", a.remote != nil,
		"assistant", a.assistant != nil,
	)
	return a, nil
}

// initRuntimes creates one runtime per engine id referenced by the capture or
// synthesis section. Unreferenced engines are not built.
func (a *App) initRuntimes() error {
	ids := append([]string{a.cfg.Capture.Engine}, a.cfg.Capture.Fallback...)
	ids = append(ids, a.cfg.Synthesis.Engine)
	ids = append(ids, a.cfg.Synthesis.Fallback...)

	for _, id := range ids {
		if id == "" || a.runtimes[id] != nil {
			continue
		}
		entry, ok := a.cfg.Engines[id]
		if !ok {
			return fmt.Errorf("engine %q is not defined", id)
		}
		backend, err := a.reg.CreateEngine(entry)
		if err != nil {
			return fmt.Errorf("create engine %q: %w", id, err)
		}
		a.runtimes[id] = engine.NewRuntime(id, backend)
		slog.Info("engine created", "id", id, "name", entry.Name)
	}
	return nil
}

// recognizer resolves the capture engine chain. With fallbacks the chain
// gets its own runtime that leases every member.
func (a *App) recognizer() (engine.Recognizer, *engine.Runtime, error) {
	c := a.cfg.Capture
	primary := a.runtimes[c.Engine]
	rec, ok := primary.Backend().(engine.Recognizer)
	if !ok {
		return nil, nil, fmt.Errorf("engine %q does not support recognition", c.Engine)
	}
	if len(c.Fallback) == 0 {
		return rec, primary, nil
	}

	chain := resilience.NewRecognizerFallback(rec, c.Engine, primary, a.fallbackConfig())
	for _, id := range c.Fallback {
		rt := a.runtimes[id]
		fb, ok := rt.Backend().(engine.Recognizer)
		if !ok {
			return nil, nil, fmt.Errorf("fallback engine %q does not support recognition", id)
		}
		chain.AddFallback(id, fb, rt)
	}
	return chain, engine.NewRuntime(observe.DirectionCapture, chain), nil
}

// synthesizer resolves the synthesis engine chain.
func (a *App) synthesizer() (engine.Synthesizer, *engine.Runtime, error) {
	c := a.cfg.Synthesis
	primary := a.runtimes[c.Engine]
	synth, ok := primary.Backend().(engine.Synthesizer)
	if !ok {
		return nil, nil, fmt.Errorf("engine %q does not support synthesis", c.Engine)
	}
	if len(c.Fallback) == 0 {
		return synth, primary, nil
	}

	chain := resilience.NewSynthesizerFallback(synth, c.Engine, primary, a.fallbackConfig())
	for _, id := range c.Fallback {
		rt := a.runtimes[id]
		fb, ok := rt.Backend().(engine.Synthesizer)
		if !ok {
			return nil, nil, fmt.Errorf("fallback engine %q does not support synthesis", id)
		}
		chain.AddFallback(id, fb, rt)
	}
	return chain, engine.NewRuntime(observe.DirectionSynthesis, chain), nil
}

// fallbackConfig gives every engine in a failover chain a breaker that
// reports its transitions.
func (a *App) fallbackConfig() resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{OnStateChange: a.recordBreaker},
	}
}

func (a *App) recordBreaker(name string, _, to resilience.State) {
	a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
}

func (a *App) device(entry config.DeviceEntry) (config.DeviceOpener, error) {
	if entry.Name == "" {
		entry.Name = defaultDevice
	}
	dev, err := a.reg.CreateDevice(entry)
	if err != nil {
		return nil, fmt.Errorf("create device %q: %w", entry.Name, err)
	}
	return dev, nil
}

func (a *App) initCapture(ctx context.Context) error {
	c := a.cfg.Capture
	if c.Engine == "" {
		slog.Warn("no capture engine configured, capture endpoints disabled")
		return nil
	}
	rec, rt, err := a.recognizer()
	if err != nil {
		return err
	}
	dev, err := a.device(c.Device)
	if err != nil {
		return err
	}
	s, err := voice.NewCaptureSession(ctx, voice.CaptureConfig{
		Opener:     dev,
		Recognizer: rec,
		Runtime:    rt,
		Stream: engine.StreamConfig{
			Language: c.Language,
			Domain:   c.Domain,
			Accent:   c.Accent,
		},
		DropPolicy:  voice.DropPolicy(c.FrameDropPolicy),
		StopTimeout: c.StopTimeout,
		Metrics:     a.metrics,
	})
	if err != nil {
		return err
	}
	a.capture, a.captureRT = s, rt
	return nil
}

func (a *App) initSynthesis(ctx context.Context) error {
	c := a.cfg.Synthesis
	if c.Engine == "" {
		slog.Warn("no synthesis engine configured, speak endpoints disabled")
		return nil
	}
	synth, rt, err := a.synthesizer()
	if err != nil {
		return err
	}
	dev, err := a.device(c.Device)
	if err != nil {
		return err
	}
	s, err := voice.NewSynthesisSession(ctx, voice.SynthesisConfig{
		Opener:      dev,
		Synthesizer: synth,
		Runtime:     rt,
		Voice:       engineVoice(c.Voice),
		DropPolicy:  voice.DropPolicy(c.WriteFailurePolicy),
		StopTimeout: c.StopTimeout,
		Metrics:     a.metrics,
	})
	if err != nil {
		return err
	}
	s.SetListener(a.hub.Listener(observe.DirectionSynthesis))
	a.synthesis, a.synthRT = s, rt
	return nil
}

func (a *App) initGuidance() error {
	g := a.cfg.Guidance
	if a.remote == nil && g.BaseURL != "" {
		a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:          "guidance",
			MaxFailures:   g.Breaker.MaxFailures,
			ResetTimeout:  g.Breaker.ResetTimeout,
			HalfOpenMax:   g.Breaker.HalfOpenMax,
			OnStateChange: a.recordBreaker,
		})
		client, err := guidance.NewClient(g.BaseURL,
			guidance.WithTimeouts(guidance.Timeouts{
				Pose: g.PoseTimeout,
				Chat: g.ChatTimeout,
				TTS:  g.TTSTimeout,
			}),
			guidance.WithBreaker(a.breaker),
		)
		if err != nil {
			return err
		}
		a.remote = client
	}
	if c, ok := a.remote.(*guidance.Client); ok && a.breaker == nil {
		a.breaker = c.Breaker()
	}
	if a.remote == nil {
		slog.Warn("no guidance base_url configured, serving fallback guidance only")
	}
	a.guide = guidance.NewService(a.remote, guidance.WithMetrics(a.metrics))
	return nil
}

func (a *App) initAssistant() {
	c := a.cfg.Assistant
	if !c.Enabled || a.capture == nil || a.synthesis == nil {
		if a.capture != nil {
			a.capture.SetListener(a.hub.Listener(observe.DirectionCapture))
		}
		return
	}
	sid := c.SessionID
	if sid == "" {
		sid = uuid.NewString()
	}
	a.assistant = NewAssistant(sid, a.guide, a.synthesis, c.QueueSize)
	a.capture.SetListener(voice.Tee(a.hub.Listener(observe.DirectionCapture), a.assistant))
	slog.Info("assistant enabled", "session_id", sid)
}

func (a *App) initHealth() {
	var checks []health.Checker
	seen := make(map[*engine.Runtime]bool)
	for _, rt := range []*engine.Runtime{a.captureRT, a.synthRT} {
		if rt == nil || seen[rt] {
			continue
		}
		seen[rt] = true
		checks = append(checks, health.RuntimeChecker(rt))
	}
	if a.breaker != nil {
		checks = append(checks, health.BreakerChecker(a.breaker))
	}
	a.health = health.New(checks...)
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler: the voice, guidance, event feed,
// health and metrics routes behind the tracing and metrics middleware.
func (a *App) Handler() http.Handler {
	a.handlerOnce.Do(func() {
		mux := http.NewServeMux()
		a.registerVoiceRoutes(mux)
		guidance.NewHandler(a.guide).Register(mux)
		mux.Handle("GET /api/voice/events", a.hub)
		a.health.Register(mux)

		path := a.cfg.Telemetry.MetricsPath
		if path == "" {
			path = defaultMetricsPath
		}
		mux.Handle("GET "+path, observe.MetricsHandler(nil))

		a.handler = observe.Middleware(a.metrics)(mux)
	})
	return a.handler
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on cfg.Server.ListenAddr and runs the config watcher and
// the assistant loop until ctx is cancelled or one of them fails. The HTTP
// server is drained before Run returns.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener. It closes ln.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), serverShutdownTimeout)
		defer cancel()
		// Event feed connections are hijacked and unknown to Shutdown.
		a.hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown", "err", err)
		}
		return nil
	})

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	if a.assistant != nil {
		g.Go(func() error { return a.assistant.Run(gctx) })
	}

	return g.Wait()
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of a config change: log level,
// drop policies and the synthesis voice. Other changes are logged and wait
// for a restart.
func (a *App) Reload(oldCfg, newCfg *config.Config) {
	d := config.Diff(oldCfg, newCfg)
	if d.Empty() {
		return
	}

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.SlogLevel())
		slog.Info("config reload: log level changed", "level", d.NewLogLevel)
	}
	if d.FrameDropPolicyChanged && a.capture != nil {
		a.applyPolicy("frame_drop_policy", d.NewFrameDropPolicy, a.capture.SetDropPolicy)
	}
	if d.WriteFailurePolicyChanged && a.synthesis != nil {
		a.applyPolicy("write_failure_policy", d.NewWriteFailurePolicy, a.synthesis.SetDropPolicy)
	}
	if d.VoiceChanged && a.synthesis != nil {
		a.synthesis.SetVoice(engineVoice(d.NewVoice))
		slog.Info("config reload: voice changed", "voice", d.NewVoice.ID, "speed", d.NewVoice.Speed)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config reload: changes require a restart", "sections", d.RestartRequired)
	}
}

func (a *App) applyPolicy(key string, p config.Policy, set func(voice.DropPolicy)) {
	dp, err := voice.ParseDropPolicy(string(p))
	if err != nil {
		slog.Warn("config reload: ignoring policy", "key", key, "err", err)
		return
	}
	set(dp)
	slog.Info("config reload: policy changed", "key", key, "policy", dp)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops both sessions, releases their engine runtimes and closes
// the event feed. It respects the context deadline: if ctx expires first the
// context error is returned and teardown continues in the background.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")
		done := make(chan error, 1)
		go func() { done <- a.teardown() }()

		select {
		case err := <-done:
			shutdownErr = err
			slog.Info("shutdown complete")
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded")
			shutdownErr = ctx.Err()
		}
	})
	return shutdownErr
}

// teardown stops and destroys whatever New managed to build.
func (a *App) teardown() error {
	var errs []error
	if a.capture != nil {
		if err := a.capture.Stop(); err != nil {
			errs = append(errs, err)
		}
		if err := a.capture.Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.synthesis != nil {
		if err := a.synthesis.Stop(); err != nil {
			errs = append(errs, err)
		}
		if err := a.synthesis.Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	a.hub.Close()
	if a.watcher != nil {
		a.watcher.Stop()
	}
	for _, err := range errs {
		slog.Warn("shutdown error", "err", err)
	}
	return errors.Join(errs...)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// engineVoice converts a config.VoiceConfig to engine.Voice.
func engineVoice(v config.VoiceConfig) engine.Voice {
	return engine.Voice{ID: v.ID, Speed: v.Speed}
}
