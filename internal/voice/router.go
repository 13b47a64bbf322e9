package voice

import (
	"sync/atomic"

	"github.com/MrWong99/duplex/pkg/engine"
)

// Listener receives engine events. HandleEvent is called on an engine-owned
// goroutine and must not block.
type Listener interface {
	HandleEvent(ev engine.Event)
}

// ListenerFunc adapts a plain function to [Listener].
type ListenerFunc func(ev engine.Event)

// HandleEvent implements [Listener].
func (f ListenerFunc) HandleEvent(ev engine.Event) { f(ev) }

// Tee returns a Listener that hands every event to each non-nil listener in
// order.
func Tee(ls ...Listener) Listener {
	out := make([]Listener, 0, len(ls))
	for _, l := range ls {
		if l != nil {
			out = append(out, l)
		}
	}
	return ListenerFunc(func(ev engine.Event) {
		for _, l := range out {
			l.HandleEvent(ev)
		}
	})
}

// listenerBox lets an interface value live behind an atomic.Pointer.
type listenerBox struct {
	l Listener
}

// Router is a single-slot mailbox that hands engine events to the currently
// registered [Listener]. Events are delivered synchronously on the caller's
// goroutine and are never queued: when no listener is registered the event
// is dropped.
//
// The zero value is ready to use. All methods are safe for concurrent use.
type Router struct {
	slot atomic.Pointer[listenerBox]

	// OnUndelivered, when set, is called with every dropped event.
	OnUndelivered func(ev engine.Event)
}

// SetListener replaces the current listener. A nil listener clears the slot.
// Deliveries that begin after SetListener returns never reach the previous
// listener.
func (r *Router) SetListener(l Listener) {
	if l == nil {
		r.slot.Store(nil)
		return
	}
	r.slot.Store(&listenerBox{l: l})
}

// Listener returns the current listener, or nil.
func (r *Router) Listener() Listener {
	if b := r.slot.Load(); b != nil {
		return b.l
	}
	return nil
}

// Deliver hands ev to the current listener and reports whether one was
// registered.
func (r *Router) Deliver(ev engine.Event) bool {
	b := r.slot.Load()
	if b == nil {
		if r.OnUndelivered != nil {
			r.OnUndelivered(ev)
		}
		return false
	}
	b.l.HandleEvent(ev)
	return true
}

// Sink returns an [engine.Sink] that delivers through r.
func (r *Router) Sink() engine.Sink {
	return func(ev engine.Event) { r.Deliver(ev) }
}

// ─── Callback adapters ───────────────────────────────────────────────────────

// CaptureCallbacks adapts per-event callbacks to [Listener] for the capture
// direction. Nil callbacks are skipped.
type CaptureCallbacks struct {
	OnResult        func(text string, isFinal bool)
	OnError         func(code int, msg string)
	OnBeginOfSpeech func()
	OnVolume        func(level float64)
}

var _ Listener = CaptureCallbacks{}

// HandleEvent implements [Listener].
func (c CaptureCallbacks) HandleEvent(ev engine.Event) {
	switch e := ev.(type) {
	case engine.Recognized:
		if c.OnResult != nil {
			c.OnResult(e.Text, e.IsFinal)
		}
	case engine.Error:
		if c.OnError != nil {
			c.OnError(e.Code, e.Message)
		}
	case engine.BeginOfSpeech:
		if c.OnBeginOfSpeech != nil {
			c.OnBeginOfSpeech()
		}
	case engine.VolumeSample:
		if c.OnVolume != nil {
			c.OnVolume(e.Level)
		}
	}
}

// SynthesisCallbacks adapts per-event callbacks to [Listener] for the
// synthesis direction. Nil callbacks are skipped.
type SynthesisCallbacks struct {
	OnResult func(chunk []byte, tag string)
	OnError  func(code int, msg, tag string)
}

var _ Listener = SynthesisCallbacks{}

// HandleEvent implements [Listener].
func (c SynthesisCallbacks) HandleEvent(ev engine.Event) {
	switch e := ev.(type) {
	case engine.Synthesized:
		if c.OnResult != nil {
			c.OnResult(e.PCM, e.Tag)
		}
	case engine.Error:
		if c.OnError != nil {
			c.OnError(e.Code, e.Message, e.Tag)
		}
	}
}
