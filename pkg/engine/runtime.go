package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrLeaseReleased is returned when a released [Lease] is used again.
var ErrLeaseReleased = errors.New("engine: lease already released")

// Runtime is the shared, reference-counted handle to an engine vendor's
// process-wide state. The backend is opened by the first [Runtime.Acquire]
// and closed when the last [Lease] is released, so one session tearing down
// never pulls the engine out from under another.
//
// A Runtime may be re-opened after it has been fully released.
type Runtime struct {
	name    string
	backend Backend

	mu   sync.Mutex
	refs int
}

// NewRuntime wraps backend in a Runtime. name is used in logs and errors.
func NewRuntime(name string, backend Backend) *Runtime {
	return &Runtime{name: name, backend: backend}
}

// Name returns the runtime's name.
func (r *Runtime) Name() string { return r.name }

// Backend returns the wrapped backend.
func (r *Runtime) Backend() Backend { return r.backend }

// Refs returns the number of outstanding leases.
func (r *Runtime) Refs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs
}

// IsOpen reports whether the backend is currently open.
func (r *Runtime) IsOpen() bool { return r.Refs() > 0 }

// Acquire takes a reference, opening the backend if this is the first one.
func (r *Runtime) Acquire(ctx context.Context) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refs == 0 {
		if err := r.backend.Open(ctx); err != nil {
			return nil, fmt.Errorf("engine: open runtime %q: %w", r.name, err)
		}
		slog.Debug("engine runtime opened", "runtime", r.name)
	}
	r.refs++
	return &Lease{rt: r}, nil
}

func (r *Runtime) release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs--
	if r.refs > 0 {
		return nil
	}
	r.refs = 0
	slog.Debug("engine runtime closing", "runtime", r.name)
	if err := r.backend.Close(); err != nil {
		return fmt.Errorf("engine: close runtime %q: %w", r.name, err)
	}
	return nil
}

// Lease is one reference to a [Runtime]. It does not own the runtime.
type Lease struct {
	rt   *Runtime
	once sync.Once
}

// Runtime returns the runtime this lease refers to.
func (l *Lease) Runtime() *Runtime { return l.rt }

// Release drops the reference. Releasing the last lease closes the backend.
// Subsequent calls return [ErrLeaseReleased].
func (l *Lease) Release() error {
	err := ErrLeaseReleased
	l.once.Do(func() {
		err = l.rt.release()
	})
	return err
}

// NopBackend is a [Backend] with no process-wide state.
type NopBackend struct{}

// Open implements [Backend].
func (NopBackend) Open(context.Context) error { return nil }

// Close implements [Backend].
func (NopBackend) Close() error { return nil }
