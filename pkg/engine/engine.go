// Package engine defines the capability interfaces for speech recognition and
// speech synthesis engines, the event type they produce, and the shared,
// reference-counted engine [Runtime].
//
// A recognition engine is used through a [Session]: audio frames go in via
// Ingest and results come out through a [Sink] on an engine-owned goroutine.
// A synthesis engine turns one [Request] into a sequence of [Synthesized]
// events delivered to a Sink.
//
// Engine backends live in sub-packages (engine/deepgram, engine/elevenlabs,
// engine/openai, engine/mock). This package lives under pkg/ because external
// code is expected to implement these interfaces.
package engine

import (
	"context"

	"github.com/MrWong99/duplex/pkg/audio"
)

// StreamConfig configures a recognition session.
type StreamConfig struct {
	// Format is the PCM format of ingested frames. Always [audio.Contract] when
	// created by the capture session.
	Format audio.Format

	// Language is the BCP-47 language tag (e.g., "en", "zh-CN"). Empty lets the
	// engine use its default.
	Language string

	// Domain is an engine-specific recognition domain or model hint
	// (e.g., "iat", "nova-3"). Optional.
	Domain string

	// Accent is an engine-specific accent or dialect hint. Optional.
	Accent string
}

// Session is an open recognition stream.
//
// Ingest is called from a single goroutine. End may be called from any
// goroutine and at most once takes effect.
type Session interface {
	// Ingest forwards one PCM frame. It must not block on the network; when
	// the engine cannot accept the frame it returns an error and the frame is
	// dropped. Ingest must not call the sink: events are delivered from an
	// engine goroutine so a listener may end the session from its callback.
	Ingest(frame []byte) error

	// End finishes the stream. With abort=false the engine flushes and may
	// still deliver trailing results to the sink after End returns; with
	// abort=true pending results are discarded. End does not block on the
	// network. Calling End more than once is safe.
	End(abort bool) error
}

// Recognizer starts recognition sessions.
type Recognizer interface {
	// StartSession opens a new session delivering results to sink. ctx bounds
	// the session setup only. A rejected session returns a *[StartError].
	StartSession(ctx context.Context, cfg StreamConfig, sink Sink) (Session, error)
}

// Voice selects a synthesis voice.
type Voice struct {
	// ID is the engine-specific voice identifier (e.g., "x4_xiaoyan", "alloy").
	ID string

	// Speed is a playback speed multiplier. Zero means engine default.
	Speed float64
}

// Request is one synthesis request.
type Request struct {
	Text   string
	Voice  Voice
	Tag    string
	Format audio.Format
}

// Synthesizer turns text into PCM.
type Synthesizer interface {
	// Synthesize runs one request to completion, delivering each chunk to sink
	// as a [Synthesized] event tagged with req.Tag, in order. It blocks until
	// the engine is done, ctx is cancelled (abort) or a failure occurs. Setup
	// failures return a *[StartError]; mid-stream failures a *[RuntimeError].
	Synthesize(ctx context.Context, req Request, sink Sink) error
}

// Backend is the process-wide initialisation hook of an engine vendor. Open
// is called once before first use and Close once after last use, both driven
// by a [Runtime].
type Backend interface {
	Open(ctx context.Context) error
	Close() error
}
