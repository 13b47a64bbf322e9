// Package mock provides in-memory mock implementations of the engine
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so that tests
// can assert on call counts and arguments, and expose exported fields that
// control return values.
//
// Typical usage:
//
//	rec := &mock.Recognizer{
//	    OnIngest: func(s *mock.Session, frames int) {
//	        if frames == 10 {
//	            go s.Emit(engine.Recognized{Text: "hello", IsFinal: true})
//	        }
//	    },
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/duplex/pkg/engine"
)

// ─── Backend ──────────────────────────────────────────────────────────────────

// Backend is a mock implementation of [engine.Backend].
type Backend struct {
	mu sync.Mutex

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// CloseErr is returned by Close.
	CloseErr error

	opens  int
	closes int
}

var _ engine.Backend = (*Backend)(nil)

// Open implements [engine.Backend].
func (b *Backend) Open(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.OpenErr != nil {
		return b.OpenErr
	}
	b.opens++
	return nil
}

// Close implements [engine.Backend].
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closes++
	return b.CloseErr
}

// SetOpenErr replaces OpenErr under the lock.
func (b *Backend) SetOpenErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.OpenErr = err
}

// OpenCount returns the number of successful Open calls.
func (b *Backend) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

// CloseCount returns the number of Close calls.
func (b *Backend) CloseCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes
}

// ─── Recognizer ───────────────────────────────────────────────────────────────

// Recognizer is a mock implementation of [engine.Recognizer].
type Recognizer struct {
	mu sync.Mutex

	// StartErr is returned by StartSession when non-nil.
	StartErr error

	// IngestErr is returned by every Ingest of sessions started afterwards.
	IngestErr error

	// OnIngest, when set, is called synchronously after each accepted frame
	// with the session and its running frame count. Emit from it on a new
	// goroutine to behave like a real engine.
	OnIngest func(s *Session, frames int)

	// StartCalls records the config of every StartSession call.
	StartCalls []engine.StreamConfig

	sessions []*Session
}

var _ engine.Recognizer = (*Recognizer)(nil)

// StartSession implements [engine.Recognizer].
func (r *Recognizer) StartSession(_ context.Context, cfg engine.StreamConfig, sink engine.Sink) (engine.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StartCalls = append(r.StartCalls, cfg)
	if r.StartErr != nil {
		return nil, r.StartErr
	}
	s := &Session{sink: sink, ingestErr: r.IngestErr, onIngest: r.OnIngest}
	r.sessions = append(r.sessions, s)
	return s, nil
}

// Session returns the i-th session started, or nil.
func (r *Recognizer) Session(i int) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.sessions) {
		return nil
	}
	return r.sessions[i]
}

// SessionCount returns the number of sessions started.
func (r *Recognizer) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Session is a mock implementation of [engine.Session].
type Session struct {
	mu        sync.Mutex
	sink      engine.Sink
	ingestErr error
	onIngest  func(s *Session, frames int)

	frames   [][]byte
	ended    bool
	aborted  bool
	endCalls int
}

var _ engine.Session = (*Session)(nil)

// Ingest implements [engine.Session].
func (s *Session) Ingest(frame []byte) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return engine.ErrSessionClosed
	}
	if s.ingestErr != nil {
		s.mu.Unlock()
		return s.ingestErr
	}
	s.frames = append(s.frames, frame)
	n := len(s.frames)
	hook := s.onIngest
	s.mu.Unlock()

	if hook != nil {
		hook(s, n)
	}
	return nil
}

// End implements [engine.Session].
func (s *Session) End(abort bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endCalls++
	if !s.ended {
		s.ended = true
		s.aborted = abort
	}
	return nil
}

// Emit delivers ev to the session's sink on the calling goroutine.
func (s *Session) Emit(ev engine.Event) {
	s.sink(ev)
}

// Frames returns a copy of the ingested frames.
func (s *Session) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}

// Ended reports whether End was called, and whether it aborted.
func (s *Session) Ended() (ended, aborted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended, s.aborted
}

// EndCalls returns the number of End calls.
func (s *Session) EndCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endCalls
}

// ─── Synthesizer ──────────────────────────────────────────────────────────────

// Synthesizer is a mock implementation of [engine.Synthesizer].
type Synthesizer struct {
	mu sync.Mutex

	// Chunks are delivered in order for every request.
	Chunks [][]byte

	// StartErr is returned before any chunk is delivered.
	StartErr error

	// Err is returned after all chunks were delivered.
	Err error

	// ChunkDelay is slept between chunks.
	ChunkDelay time.Duration

	// Block makes Synthesize wait for ctx cancellation after the last chunk.
	Block bool

	// Requests records every request.
	Requests []engine.Request
}

var _ engine.Synthesizer = (*Synthesizer)(nil)

// Synthesize implements [engine.Synthesizer].
func (m *Synthesizer) Synthesize(ctx context.Context, req engine.Request, sink engine.Sink) error {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	chunks := m.Chunks
	startErr, finalErr := m.StartErr, m.Err
	delay, block := m.ChunkDelay, m.Block
	m.mu.Unlock()

	if startErr != nil {
		return startErr
	}
	for i, c := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		sink(engine.Synthesized{PCM: c, Tag: req.Tag})
		if delay > 0 && i < len(chunks)-1 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return finalErr
}

// RequestCount returns the number of Synthesize calls.
func (m *Synthesizer) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}
