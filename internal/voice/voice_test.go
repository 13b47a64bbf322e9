package voice_test

import (
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/duplex/internal/observe"
	"github.com/MrWong99/duplex/internal/voice"
	"github.com/MrWong99/duplex/pkg/engine"
)

// testMetrics returns metrics backed by a no-op provider.
func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// collector is a Listener that records every event.
type collector struct {
	mu     sync.Mutex
	events []engine.Event
}

var _ voice.Listener = (*collector)(nil)

func (c *collector) HandleEvent(ev engine.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []engine.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]engine.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// waitFor polls until match returns true for some recorded event.
func (c *collector) waitFor(t *testing.T, what string, match func(engine.Event) bool) engine.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range c.snapshot() {
			if match(ev) {
				return ev
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; got %v", what, c.snapshot())
	return nil
}

// count returns the number of recorded events matching match.
func (c *collector) count(match func(engine.Event) bool) int {
	n := 0
	for _, ev := range c.snapshot() {
		if match(ev) {
			n++
		}
	}
	return n
}

func isFinal(ev engine.Event) bool {
	r, ok := ev.(engine.Recognized)
	return ok && r.IsFinal
}

func isPartial(ev engine.Event) bool {
	r, ok := ev.(engine.Recognized)
	return ok && !r.IsFinal
}

func isErrorCode(code int) func(engine.Event) bool {
	return func(ev engine.Event) bool {
		e, ok := ev.(engine.Error)
		return ok && e.Code == code
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
