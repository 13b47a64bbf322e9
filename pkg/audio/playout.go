package audio

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// ErrPlayoutFull is returned by [Playout.Write] when queuing p would exceed
// the configured buffer limit. Nothing is queued in that case.
var ErrPlayoutFull = errors.New("audio: playout buffer full")

const (
	defaultPlayoutPeriod = 20 * time.Millisecond
	defaultPlayoutLimit  = 2 * time.Minute
)

// PlayoutOption is a functional option for [NewPlayout].
type PlayoutOption func(*Playout)

// WithPlayoutPeriod sets the pacing interval. Each tick drains one period of
// audio to the output. Defaults to 20 ms.
func WithPlayoutPeriod(d time.Duration) PlayoutOption {
	return func(p *Playout) {
		if d > 0 {
			p.period = d
		}
	}
}

// WithPlayoutLimit caps the amount of queued audio. Defaults to two minutes.
func WithPlayoutLimit(d time.Duration) PlayoutOption {
	return func(p *Playout) {
		if d > 0 {
			p.limit = d
		}
	}
}

// Playout is a paced, stream-mode playback queue. Written PCM is buffered and
// drained to an [io.Writer] in real time while the playout is [Playing].
//
// Playout implements [PlaybackDevice]; backends embed it and override Close to
// release their own endpoint.
type Playout struct {
	format Format
	out    io.Writer
	period time.Duration
	limit  time.Duration

	mu     sync.Mutex
	queue  []byte
	state  PlayState
	closed bool
	warned bool

	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

var _ PlaybackDevice = (*Playout)(nil)

// NewPlayout creates a Playout draining to out in format f and starts its
// pacing goroutine. The playout starts in the [Stopped] state.
func NewPlayout(f Format, out io.Writer, opts ...PlayoutOption) *Playout {
	p := &Playout{
		format:  f,
		out:     out,
		period:  defaultPlayoutPeriod,
		limit:   defaultPlayoutLimit,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	go p.run()
	return p
}

// Write queues a copy of p. It never blocks on the output.
func (p *Playout) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrDeviceClosed
	}
	if len(p.queue)+len(b) > p.format.Bytes(p.limit) {
		return 0, ErrPlayoutFull
	}
	p.queue = append(p.queue, b...)
	return len(b), nil
}

// Play starts or resumes draining.
func (p *Playout) Play() error { return p.setState(Playing) }

// Pause suspends draining, keeping queued audio.
func (p *Playout) Pause() error { return p.setState(Paused) }

// Flush discards queued audio.
func (p *Playout) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrDeviceClosed
	}
	p.queue = nil
	return nil
}

// Pending reports the number of queued bytes.
func (p *Playout) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// State reports the current transport state.
func (p *Playout) State() PlayState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Close stops the pacing goroutine and discards queued audio. It does not
// close the underlying writer. Safe to call more than once.
func (p *Playout) Close() error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.queue = nil
		p.state = Stopped
		p.mu.Unlock()
		close(p.done)
		<-p.stopped
	})
	return nil
}

func (p *Playout) setState(s PlayState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrDeviceClosed
	}
	p.state = s
	return nil
}

// next removes and returns up to one period of queued audio, or nil when
// nothing should be played this tick.
func (p *Playout) next() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Playing || len(p.queue) == 0 {
		return nil
	}
	n := min(len(p.queue), max(p.format.Bytes(p.period), 2))
	chunk := make([]byte, n)
	copy(chunk, p.queue)
	p.queue = p.queue[n:]
	if len(p.queue) == 0 {
		p.queue = nil
	}
	return chunk
}

func (p *Playout) run() {
	defer close(p.stopped)
	t := time.NewTicker(p.period)
	defer t.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-t.C:
		}
		chunk := p.next()
		if chunk == nil {
			continue
		}
		if _, err := p.out.Write(chunk); err != nil {
			p.mu.Lock()
			warn := !p.warned
			p.warned = true
			p.mu.Unlock()
			if warn {
				slog.Warn("audio: playout write failed", "err", err)
			}
		}
	}
}
