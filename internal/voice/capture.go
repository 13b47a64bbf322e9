package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/duplex/internal/observe"
	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/MrWong99/duplex/pkg/engine"
)

// DefaultStopTimeout bounds how long Stop waits for the capture loop.
const DefaultStopTimeout = 2 * time.Second

// frameDuration is the length of one capture read.
const frameDuration = 40 * time.Millisecond

// CaptureConfig holds the dependencies of a [CaptureSession].
type CaptureConfig struct {
	// Opener opens the capture device on every Start. Required.
	Opener audio.CaptureOpener

	// Recognizer starts one engine session per Start. Required.
	Recognizer engine.Recognizer

	// Runtime is the recognizer's shared engine runtime. When nil the session
	// uses a private runtime with no process-wide state.
	Runtime *engine.Runtime

	// Stream configures each engine session. A zero Format means the audio
	// contract.
	Stream engine.StreamConfig

	// DropPolicy decides whether frames the engine rejects are reported.
	DropPolicy DropPolicy

	// StopTimeout bounds Stop's wait for the capture loop. Defaults to
	// [DefaultStopTimeout].
	StopTimeout time.Duration

	// Metrics receives session metrics. Defaults to observe.DefaultMetrics.
	Metrics *observe.Metrics
}

// CaptureSession streams frames from a capture device into a recognition
// engine and routes the engine's events to a [Listener].
//
// Stop and State may be called from any goroutine, including a listener
// callback. Stop from a callback returns promptly only when the engine
// delivers on its own goroutine, as [engine.Session] requires; a sink run
// inside Ingest holds the capture loop, and Stop then waits out StopTimeout.
type CaptureSession struct {
	cfg     CaptureConfig
	router  Router
	lease   *engine.Lease
	policy  atomic.Value // DropPolicy
	metrics *observe.Metrics
	state   lifecycle

	mu          sync.Mutex
	device      audio.CaptureDevice
	handle      engine.Session
	stop        chan struct{}
	done        chan struct{}
	cancelStart context.CancelFunc
}

// NewCaptureSession validates cfg and acquires a lease on the engine runtime.
// The returned session is Idle. Call Destroy to release the lease.
func NewCaptureSession(ctx context.Context, cfg CaptureConfig) (*CaptureSession, error) {
	if cfg.Opener == nil {
		return nil, errors.New("voice: capture config: Opener is required")
	}
	if cfg.Recognizer == nil {
		return nil, errors.New("voice: capture config: Recognizer is required")
	}
	if cfg.Stream.Format.SampleRate == 0 {
		cfg.Stream.Format = audio.Contract
	}
	if err := cfg.Stream.Format.Validate(); err != nil {
		return nil, fmt.Errorf("voice: capture config: %w", err)
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Runtime == nil {
		cfg.Runtime = engine.NewRuntime("capture", engine.NopBackend{})
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

	s := &CaptureSession{
		cfg:     cfg,
		lease:   lease,
		metrics: cfg.Metrics,
		state:   lifecycle{dir: observe.DirectionCapture, metrics: cfg.Metrics},
	}
	s.policy.Store(policy)
	s.router.OnUndelivered = func(engine.Event) {
		s.metrics.RecordUndelivered(context.Background(), observe.DirectionCapture)
	}
	return s, nil
}

// State returns the current lifecycle state.
func (s *CaptureSession) State() State {
	if st := s.state.load(); st != destroyed {
		return st
	}
	return Idle
}

// Destroyed reports whether Destroy has completed.
func (s *CaptureSession) Destroyed() bool { return s.state.load() == destroyed }

// SetListener replaces the listener that receives engine events.
func (s *CaptureSession) SetListener(l Listener) { s.router.SetListener(l) }

// SetDropPolicy changes how rejected frames are handled. Takes effect for
// the next dropped frame.
func (s *CaptureSession) SetDropPolicy(p DropPolicy) { s.policy.Store(p) }

// Start opens an engine session and the capture device and begins
// streaming. A non-nil listener replaces the current one first.
//
// Start returns [ErrAlreadyActive] unless the session is Idle, an
// [*EngineStartError] if the engine rejects the session, and an error
// matching [ErrDeviceUnavailable] if the device cannot be opened; the engine
// session is aborted in that case. The engine handshake and device open run
// without the session lock, so a concurrent Stop cancels them and Start
// returns [ErrStartCancelled].
func (s *CaptureSession) Start(ctx context.Context, l Listener) error {
	s.mu.Lock()
	switch s.state.load() {
	case Idle:
	case destroyed:
		s.mu.Unlock()
		return ErrDestroyed
	default:
		s.mu.Unlock()
		return ErrAlreadyActive
	}
	s.state.set(Starting)
	if l != nil {
		s.router.SetListener(l)
	}
	setupCtx, cancel := context.WithCancel(ctx)
	s.cancelStart = cancel
	s.mu.Unlock()

	handle, dev, err := s.setup(setupCtx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelStart = nil
	cancelled := setupCtx.Err() != nil && ctx.Err() == nil
	cancel()

	if err == nil && cancelled {
		s.rollback(handle, dev)
	}
	if err != nil || cancelled {
		s.state.set(Idle)
		if cancelled {
			s.metrics.RecordSessionStart(ctx, observe.DirectionCapture, "cancelled")
			slog.Info("capture session start cancelled")
			return ErrStartCancelled
		}
		return err
	}

	s.device = dev
	s.handle = handle
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(dev, handle, s.stop, s.done)

	s.state.set(Active)
	s.metrics.RecordSessionStart(ctx, observe.DirectionCapture, "ok")
	slog.Info("capture session started",
		"runtime", s.lease.Runtime().Name(),
		"language", s.cfg.Stream.Language,
		"format", s.cfg.Stream.Format.String(),
	)
	return nil
}

// setup opens the engine session, then the device. On failure nothing is
// left open.
func (s *CaptureSession) setup(ctx context.Context) (engine.Session, audio.CaptureDevice, error) {
	handle, err := s.cfg.Recognizer.StartSession(ctx, s.cfg.Stream, s.sink)
	if err != nil {
		if ctx.Err() == nil {
			s.metrics.RecordSessionStart(ctx, observe.DirectionCapture, "engine_error")
		}
		return nil, nil, &EngineStartError{Code: engine.CodeOf(err), Err: err}
	}

	dev, err := s.cfg.Opener.OpenCapture(ctx, s.cfg.Stream.Format)
	if err != nil {
		s.rollback(handle, nil)
		if ctx.Err() == nil {
			s.metrics.RecordSessionStart(ctx, observe.DirectionCapture, "device_error")
		}
		return nil, nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	return handle, dev, nil
}

// rollback aborts an engine session and closes a device opened by a Start
// that did not complete.
func (s *CaptureSession) rollback(handle engine.Session, dev audio.CaptureDevice) {
	if dev != nil {
		if err := dev.Close(); err != nil {
			slog.Warn("voice: close capture device after cancelled start", "err", err)
		}
	}
	if handle != nil {
		if err := handle.End(true); err != nil {
			slog.Warn("voice: abort engine session", "err", err)
		}
	}
}

// Stop ends streaming. It closes the device to unblock a pending read, waits
// up to StopTimeout for the capture loop, then ends the engine session
// without aborting so a trailing result can still arrive.
//
// While Start is still setting up, Stop cancels it and returns at once; Start
// then releases whatever it opened. Stop is a no-op in any other state.
func (s *CaptureSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state.load() {
	case Active:
	case Starting:
		if s.cancelStart != nil {
			s.cancelStart()
		}
		return nil
	default:
		return nil
	}
	start := time.Now()
	s.state.set(Stopping)

	close(s.stop)
	if err := s.device.Close(); err != nil {
		slog.Warn("voice: close capture device", "err", err)
	}

	select {
	case <-s.done:
	case <-time.After(s.cfg.StopTimeout):
		slog.Warn("voice: capture loop did not exit in time", "timeout", s.cfg.StopTimeout)
	}

	if err := s.handle.End(false); err != nil {
		slog.Warn("voice: end engine session", "err", err)
	}

	s.device = nil
	s.handle = nil
	s.state.set(Idle)

	elapsed := time.Since(start)
	s.metrics.RecordStop(context.Background(), observe.DirectionCapture, elapsed)
	slog.Info("capture session stopped", "elapsed", elapsed)
	return nil
}

// Destroy releases the engine runtime lease. It returns [ErrInvalidState]
// unless the session is Idle. Repeated calls return nil.
func (s *CaptureSession) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state.load() {
	case destroyed:
		return nil
	case Idle:
	default:
		return fmt.Errorf("voice: destroy capture session in state %s: %w", s.state.load(), ErrInvalidState)
	}

	s.state.set(destroyed)
	s.router.SetListener(nil)
	if err := s.lease.Release(); err != nil {
		return fmt.Errorf("voice: destroy capture session: %w", err)
	}
	return nil
}

// sink receives events from the engine session. Partial results are dropped
// once the session has left Active; trailing finals still pass.
func (s *CaptureSession) sink(ev engine.Event) {
	if r, ok := ev.(engine.Recognized); ok && !r.IsFinal && s.state.load() != Active {
		return
	}
	if e, ok := ev.(engine.Error); ok {
		s.metrics.RecordEngineError(context.Background(), observe.DirectionCapture, e.Code)
	}
	s.router.Deliver(ev)
}

// run drives the capture loop. A device failure is reported after done is
// closed so a listener may call Stop from the callback.
func (s *CaptureSession) run(dev audio.CaptureDevice, handle engine.Session, stop <-chan struct{}, done chan<- struct{}) {
	err := s.loop(dev, handle, stop)
	close(done)
	if err != nil {
		slog.Warn("voice: capture device read failed", "err", err)
		s.metrics.RecordEngineError(context.Background(), observe.DirectionCapture, engine.CodeDeviceReadFailed)
		s.router.Deliver(engine.Error{Code: engine.CodeDeviceReadFailed, Message: err.Error()})
	}
}

// loop reads frames until stop is closed or the device fails. Each read uses
// a fresh buffer because the engine may retain the frame.
func (s *CaptureSession) loop(dev audio.CaptureDevice, handle engine.Session, stop <-chan struct{}) error {
	size := frameSize(s.cfg.Stream.Format)
	ctx := context.Background()
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		buf := make([]byte, size)
		n, err := dev.Read(buf)

		select {
		case <-stop:
			return nil
		default:
		}

		if n > 0 {
			if ingestErr := handle.Ingest(buf[:n]); ingestErr != nil {
				s.metrics.DroppedFrames.Add(ctx, 1)
				if s.policy.Load().(DropPolicy).reports() {
					s.router.Deliver(engine.Error{Code: engine.CodeFrameDropped, Message: ingestErr.Error()})
				}
			} else {
				s.metrics.CaptureFrames.Add(ctx, 1)
			}
		}

		if err != nil {
			return err
		}
	}
}

// frameSize returns the byte size of one 40 ms read in format f.
func frameSize(f audio.Format) int {
	if f == audio.Contract {
		return audio.FrameSize
	}
	return f.Bytes(frameDuration)
}
