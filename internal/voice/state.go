// Package voice manages the two long-running voice sessions of duplex: a
// [CaptureSession] that streams microphone frames into a recognition engine,
// and a [SynthesisSession] that plays synthesized speech on an output device.
//
// Both sessions hand engine events to a single application [Listener]
// through a [Router]. Engine events originate on engine-owned goroutines, so
// listeners must be safe to call from any goroutine and must not block.
//
// Engine process state is shared through a reference-counted
// [engine.Runtime]; each session holds one lease from construction until
// Destroy.
package voice

import (
	"context"
	"sync/atomic"

	"github.com/MrWong99/duplex/internal/observe"
)

// State is the lifecycle state of a session.
type State int32

const (
	// Idle means no device or engine session is held.
	Idle State = iota

	// Starting means Start is acquiring the engine session and device.
	Starting

	// Active means the session is streaming.
	Active

	// Stopping means Stop is tearing the session down.
	Stopping

	// destroyed is terminal and never reported by State.
	destroyed
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	case destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// lifecycle holds a session's state and keeps the active-session gauge in
// step with transitions into and out of Active.
type lifecycle struct {
	v       atomic.Int32
	dir     string
	metrics *observe.Metrics
}

func (l *lifecycle) load() State { return State(l.v.Load()) }

func (l *lifecycle) set(to State) {
	from := State(l.v.Swap(int32(to)))
	switch {
	case from != Active && to == Active:
		l.metrics.RecordSessionActive(context.Background(), l.dir, 1)
	case from == Active && to != Active:
		l.metrics.RecordSessionActive(context.Background(), l.dir, -1)
	}
}
