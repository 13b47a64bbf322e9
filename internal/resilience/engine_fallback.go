package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/duplex/pkg/engine"
)

// ─── Runtime leases ──────────────────────────────────────────────────────────

// leaseSet holds one lease on the runtime of every member engine, so a
// fallback chain opens all its vendors together.
type leaseSet struct {
	mu       sync.Mutex
	runtimes []*engine.Runtime
	leases   []*engine.Lease
}

func (l *leaseSet) add(rt *engine.Runtime) {
	if rt == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runtimes = append(l.runtimes, rt)
}

func (l *leaseSet) open(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rt := range l.runtimes {
		lease, err := rt.Acquire(ctx)
		if err != nil {
			for _, acquired := range l.leases {
				_ = acquired.Release()
			}
			l.leases = nil
			return err
		}
		l.leases = append(l.leases, lease)
	}
	return nil
}

func (l *leaseSet) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	for _, lease := range l.leases {
		if err := lease.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	l.leases = nil
	return errors.Join(errs...)
}

// ─── RecognizerFallback ──────────────────────────────────────────────────────

// RecognizerFallback implements [engine.Recognizer] with failover across
// several recognition engines. Only session setup fails over: once a session
// is started, its mid-stream errors are delivered as events.
//
// It also implements [engine.Backend] by leasing every member's runtime, so
// it can be wrapped in its own [engine.Runtime].
type RecognizerFallback struct {
	group  *FallbackGroup[engine.Recognizer]
	leases leaseSet
}

var (
	_ engine.Recognizer = (*RecognizerFallback)(nil)
	_ engine.Backend    = (*RecognizerFallback)(nil)
)

// NewRecognizerFallback creates a [RecognizerFallback] with primary as the
// preferred engine. rt is primary's runtime and may be nil.
func NewRecognizerFallback(primary engine.Recognizer, primaryName string, rt *engine.Runtime, cfg FallbackConfig) *RecognizerFallback {
	f := &RecognizerFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
	f.leases.add(rt)
	return f
}

// AddFallback registers an additional recognizer tried after the primary.
func (f *RecognizerFallback) AddFallback(name string, rec engine.Recognizer, rt *engine.Runtime) {
	f.group.AddFallback(name, rec)
	f.leases.add(rt)
}

// Names returns the member engines in failover order.
func (f *RecognizerFallback) Names() []string { return f.group.Names() }

// States returns the breaker state of every member engine.
func (f *RecognizerFallback) States() map[string]State { return f.group.States() }

// Open implements [engine.Backend].
func (f *RecognizerFallback) Open(ctx context.Context) error {
	if err := f.leases.open(ctx); err != nil {
		return fmt.Errorf("resilience: open recognizer chain: %w", err)
	}
	return nil
}

// Close implements [engine.Backend].
func (f *RecognizerFallback) Close() error { return f.leases.close() }

// StartSession starts a session on the first healthy engine. A cancelled ctx
// stops the chain. When every engine fails the returned error carries the
// code of the last failure.
func (f *RecognizerFallback) StartSession(ctx context.Context, cfg engine.StreamConfig, sink engine.Sink) (engine.Session, error) {
	lastCode := engine.CodeUnknown
	sess, err := ExecuteWithResult(f.group, func(r engine.Recognizer) (engine.Session, error) {
		s, err := r.StartSession(ctx, cfg, sink)
		if err != nil {
			if ctx.Err() != nil {
				return nil, Permanent(err)
			}
			lastCode = engine.CodeOf(err)
		}
		return s, err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, &engine.StartError{Code: lastCode, Err: err}
	}
	return sess, nil
}

// ─── SynthesizerFallback ─────────────────────────────────────────────────────

// SynthesizerFallback implements [engine.Synthesizer] with failover across
// several synthesis engines. A request fails over only while it has produced
// no audio; once a chunk has been delivered the engine's error is returned
// as-is so the listener never hears the same text twice.
type SynthesizerFallback struct {
	group  *FallbackGroup[engine.Synthesizer]
	leases leaseSet
}

var (
	_ engine.Synthesizer = (*SynthesizerFallback)(nil)
	_ engine.Backend     = (*SynthesizerFallback)(nil)
)

// NewSynthesizerFallback creates a [SynthesizerFallback] with primary as the
// preferred engine. rt is primary's runtime and may be nil.
func NewSynthesizerFallback(primary engine.Synthesizer, primaryName string, rt *engine.Runtime, cfg FallbackConfig) *SynthesizerFallback {
	f := &SynthesizerFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
	f.leases.add(rt)
	return f
}

// AddFallback registers an additional synthesizer tried after the primary.
func (f *SynthesizerFallback) AddFallback(name string, synth engine.Synthesizer, rt *engine.Runtime) {
	f.group.AddFallback(name, synth)
	f.leases.add(rt)
}

// Names returns the member engines in failover order.
func (f *SynthesizerFallback) Names() []string { return f.group.Names() }

// States returns the breaker state of every member engine.
func (f *SynthesizerFallback) States() map[string]State { return f.group.States() }

// Open implements [engine.Backend].
func (f *SynthesizerFallback) Open(ctx context.Context) error {
	if err := f.leases.open(ctx); err != nil {
		return fmt.Errorf("resilience: open synthesizer chain: %w", err)
	}
	return nil
}

// Close implements [engine.Backend].
func (f *SynthesizerFallback) Close() error { return f.leases.close() }

// Synthesize runs req on the first healthy engine.
func (f *SynthesizerFallback) Synthesize(ctx context.Context, req engine.Request, sink engine.Sink) error {
	lastCode := engine.CodeUnknown
	err := f.group.Execute(func(s engine.Synthesizer) error {
		var delivered atomic.Bool
		err := s.Synthesize(ctx, req, func(ev engine.Event) {
			if _, ok := ev.(engine.Synthesized); ok {
				delivered.Store(true)
			}
			sink(ev)
		})
		if err == nil {
			return nil
		}
		if delivered.Load() || ctx.Err() != nil {
			return Permanent(err)
		}
		lastCode = engine.CodeOf(err)
		return err
	})
	if err == nil || ctx.Err() != nil || !errors.Is(err, ErrAllFailed) {
		return err
	}
	return &engine.StartError{Code: lastCode, Err: err}
}
