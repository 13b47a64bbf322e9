package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/duplex/internal/observe"
	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/MrWong99/duplex/pkg/engine"
)

// ErrEmptyText is returned by Synthesize for blank text.
var ErrEmptyText = errors.New("voice: synthesis text is empty")

// SynthesisConfig holds the dependencies of a [SynthesisSession].
type SynthesisConfig struct {
	// Opener opens the playback device once. Required.
	Opener audio.PlaybackOpener

	// Synthesizer serves every request. Required.
	Synthesizer engine.Synthesizer

	// Runtime is the synthesizer's shared engine runtime. When nil the
	// session uses a private runtime with no process-wide state.
	Runtime *engine.Runtime

	// Voice is the voice profile sent with every request.
	Voice engine.Voice

	// Format is the playback format. Zero means the audio contract.
	Format audio.Format

	// DropPolicy decides whether chunks the device rejects are reported.
	DropPolicy DropPolicy

	// StopTimeout bounds how long Destroy waits for cancelled requests to
	// return. Defaults to [DefaultStopTimeout].
	StopTimeout time.Duration

	// Metrics receives session metrics. Defaults to observe.DefaultMetrics.
	Metrics *observe.Metrics
}

// SynthesisSession turns text into speech on a playback device. The device
// is opened once and reused; each Synthesize call supersedes the previous
// request, whose remaining chunks are discarded.
//
// All methods are safe for concurrent use.
type SynthesisSession struct {
	cfg     SynthesisConfig
	router  Router
	lease   *engine.Lease
	policy  atomic.Value // DropPolicy
	metrics *observe.Metrics
	state   lifecycle

	// gen identifies the current request. Chunks carrying an older
	// generation are stale and never reach the device.
	gen atomic.Uint64

	mu       sync.Mutex
	device   audio.PlaybackDevice
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	// writeMu orders device writes against Flush so that no stale chunk
	// lands after a flush.
	writeMu sync.Mutex
}

// NewSynthesisSession validates cfg and acquires a lease on the engine
// runtime. The playback device is opened lazily.
func NewSynthesisSession(ctx context.Context, cfg SynthesisConfig) (*SynthesisSession, error) {
	if cfg.Opener == nil {
		return nil, errors.New("voice: synthesis config: Opener is required")
	}
	if cfg.Synthesizer == nil {
		return nil, errors.New("voice: synthesis config: Synthesizer is required")
	}
	if cfg.Format.SampleRate == 0 {
		cfg.Format = audio.Contract
	}
	if err := cfg.Format.Validate(); err != nil {
		return nil, fmt.Errorf("voice: synthesis config: %w", err)
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Runtime == nil {
		cfg.Runtime = engine.NewRuntime("synthesis", engine.NopBackend{})
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	policy, err := ParseDropPolicy(string(cfg.DropPolicy))
	if err != nil {
		return nil, err
	}

	lease, err := cfg.Runtime.Acquire(ctx)
	if err != nil {
		return nil, &EngineStartError{Code: engine.CodeOf(err), Err: err}
	}

	s := &SynthesisSession{
		cfg:     cfg,
		lease:   lease,
		metrics: cfg.Metrics,
		state:   lifecycle{dir: observe.DirectionSynthesis, metrics: cfg.Metrics},
	}
	s.policy.Store(policy)
	s.router.OnUndelivered = func(engine.Event) {
		s.metrics.RecordUndelivered(context.Background(), observe.DirectionSynthesis)
	}
	return s, nil
}

// State returns Active while a request is in flight and Idle otherwise.
func (s *SynthesisSession) State() State {
	if st := s.state.load(); st != destroyed {
		return st
	}
	return Idle
}

// Destroyed reports whether Destroy has completed.
func (s *SynthesisSession) Destroyed() bool { return s.state.load() == destroyed }

// SetListener replaces the listener that receives engine events.
func (s *SynthesisSession) SetListener(l Listener) { s.router.SetListener(l) }

// SetDropPolicy changes how rejected chunks are handled.
func (s *SynthesisSession) SetDropPolicy(p DropPolicy) { s.policy.Store(p) }

// SetVoice changes the voice profile used by subsequent requests.
func (s *SynthesisSession) SetVoice(v engine.Voice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Voice = v
}

// StartPlaybackDevice opens the playback device if it is not open yet. It
// returns an error matching [ErrDeviceUnavailable] when the device cannot be
// opened.
func (s *SynthesisSession) StartPlaybackDevice(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openDeviceLocked(ctx)
}

func (s *SynthesisSession) openDeviceLocked(ctx context.Context) error {
	if s.state.load() == destroyed {
		return ErrDestroyed
	}
	if s.device != nil {
		return nil
	}
	dev, err := s.cfg.Opener.OpenPlayback(ctx, s.cfg.Format)
	if err != nil {
		s.metrics.RecordSessionStart(ctx, observe.DirectionSynthesis, "device_error")
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	s.device = dev
	slog.Info("playback device opened", "format", s.cfg.Format.String())
	return nil
}

// Device returns the playback device, or nil before it is opened.
func (s *SynthesisSession) Device() audio.PlaybackDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

// Synthesize starts speaking text and returns the tag that marks the
// request's events. Any request still in flight is cancelled and buffered
// audio is flushed first. A non-nil listener replaces the current one.
//
// The engine runs on its own goroutine; its failures arrive as engine.Error
// events carrying the returned tag.
func (s *SynthesisSession) Synthesize(ctx context.Context, text string, l Listener) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyText
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.openDeviceLocked(ctx); err != nil {
		return "", err
	}
	if l != nil {
		s.router.SetListener(l)
	}

	s.abortLocked()
	s.writeMu.Lock()
	if err := s.device.Flush(); err != nil {
		slog.Warn("voice: flush playback device", "err", err)
	}
	s.writeMu.Unlock()

	tag := uuid.NewString()
	gen := s.gen.Load()
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	req := engine.Request{
		Text:   text,
		Voice:  s.cfg.Voice,
		Tag:    tag,
		Format: s.cfg.Format,
	}
	s.inflight.Add(1)
	s.state.set(Active)
	s.metrics.RecordSessionStart(ctx, observe.DirectionSynthesis, "ok")
	go s.run(rctx, cancel, req, gen, s.device)

	slog.Debug("synthesis started", "tag", tag, "chars", len(text))
	return tag, nil
}

// Stop aborts the current request, then pauses and flushes the device. The
// device stays open. Stop is idempotent.
func (s *SynthesisSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.load() == destroyed {
		return nil
	}
	start := time.Now()
	wasActive := s.state.load() == Active
	s.abortLocked()

	if s.device != nil {
		s.writeMu.Lock()
		if err := s.device.Pause(); err != nil {
			slog.Warn("voice: pause playback device", "err", err)
		}
		if err := s.device.Flush(); err != nil {
			slog.Warn("voice: flush playback device", "err", err)
		}
		s.writeMu.Unlock()
	}
	s.state.set(Idle)

	if wasActive {
		s.metrics.RecordStop(context.Background(), observe.DirectionSynthesis, time.Since(start))
	}
	return nil
}

// Destroy closes the playback device and releases the engine runtime lease.
// It returns [ErrInvalidState] while a request is in flight. Repeated calls
// return nil.
func (s *SynthesisSession) Destroy() error {
	s.mu.Lock()
	switch s.state.load() {
	case destroyed:
		s.mu.Unlock()
		return nil
	case Idle:
	default:
		st := s.state.load()
		s.mu.Unlock()
		return fmt.Errorf("voice: destroy synthesis session in state %s: %w", st, ErrInvalidState)
	}
	s.state.set(destroyed)
	dev := s.device
	s.device = nil
	s.mu.Unlock()

	// Cancelled requests may still be unwinding inside the engine.
	if !waitTimeout(&s.inflight, s.cfg.StopTimeout) {
		slog.Warn("voice: synthesis requests still running at destroy", "timeout", s.cfg.StopTimeout)
	}

	var errs []error
	if dev != nil {
		if err := dev.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close playback device: %w", err))
		}
	}
	s.router.SetListener(nil)
	if err := s.lease.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release engine runtime: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("voice: destroy synthesis session: %w", err)
	}
	return nil
}

// abortLocked cancels the current request and invalidates its chunks.
// s.mu must be held.
func (s *SynthesisSession) abortLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen.Add(1)
}

// run executes one request on its own goroutine.
func (s *SynthesisSession) run(ctx context.Context, cancel context.CancelFunc, req engine.Request, gen uint64, dev audio.PlaybackDevice) {
	defer s.inflight.Done()
	defer cancel()

	start := time.Now()
	bg := context.Background()

	sink := func(ev engine.Event) {
		switch e := ev.(type) {
		case engine.Synthesized:
			current, writeErr := s.play(gen, dev, e.PCM)
			if !current {
				return
			}
			s.router.Deliver(ev)
			if writeErr != nil && s.policy.Load().(DropPolicy).reports() {
				s.router.Deliver(engine.Error{
					Code:    engine.CodePlaybackWriteFailed,
					Message: writeErr.Error(),
					Tag:     req.Tag,
				})
			}
			return
		case engine.Error:
			if s.gen.Load() != gen {
				return
			}
			s.metrics.RecordEngineError(bg, observe.DirectionSynthesis, e.Code)
		}
		s.router.Deliver(ev)
	}

	err := s.cfg.Synthesizer.Synthesize(ctx, req, sink)
	switch {
	case ctx.Err() != nil:
		slog.Debug("synthesis cancelled", "tag", req.Tag)
	case err != nil:
		code := engine.CodeOf(err)
		if code == engine.CodeUnknown {
			code = engine.CodeSynthesisFailed
		}
		slog.Warn("voice: synthesis failed", "tag", req.Tag, "code", code, "err", err)
		if s.gen.Load() == gen {
			s.metrics.RecordEngineError(bg, observe.DirectionSynthesis, code)
			s.router.Deliver(engine.Error{Code: code, Message: err.Error(), Tag: req.Tag})
		}
	default:
		s.metrics.SynthesisDuration.Record(bg, time.Since(start).Seconds())
	}

	s.mu.Lock()
	if s.gen.Load() == gen && s.state.load() == Active {
		s.state.set(Idle)
		s.cancel = nil
	}
	s.mu.Unlock()
}

// play writes one chunk of generation gen. It reports whether the chunk was
// current and the device's write error, if any. The device is switched to
// playing on the first chunk.
func (s *SynthesisSession) play(gen uint64, dev audio.PlaybackDevice, pcm []byte) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.gen.Load() != gen {
		return false, nil
	}
	bg := context.Background()
	if _, err := dev.Write(pcm); err != nil {
		s.metrics.PlaybackWriteFailures.Add(bg, 1)
		slog.Debug("voice: playback write failed", "err", err)
		return true, err
	}
	s.metrics.SynthesisChunks.Add(bg, 1)
	if dev.State() != audio.Playing {
		if err := dev.Play(); err != nil {
			slog.Warn("voice: start playback", "err", err)
		}
	}
	return true, nil
}

// waitTimeout waits for wg and reports whether it finished within d.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
