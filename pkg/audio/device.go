// Package audio defines the audio contract and the device abstractions used by
// the capture and synthesis sessions.
//
// The two primary abstractions are:
//
//   - [CaptureDevice]: a microphone-like endpoint producing raw PCM frames.
//   - [PlaybackDevice]: a speaker-like endpoint consuming raw PCM in stream
//     mode with play/pause/flush control.
//
// Devices are obtained from a [CaptureOpener] or [PlaybackOpener]. Backend
// packages (audio/alsa, audio/wsdevice, audio/mock) provide implementations.
//
// This package lives under pkg/ because external code is expected to implement
// the device interfaces.
package audio

import (
	"context"
	"errors"
)

// ErrDeviceClosed is returned by device operations after Close has been
// called. A Read blocked inside a capture device returns it when the device is
// closed from another goroutine.
var ErrDeviceClosed = errors.New("audio: device closed")

// PlayState is the transport state of a [PlaybackDevice].
type PlayState int

const (
	// Stopped is the initial state: written audio is buffered but not played.
	Stopped PlayState = iota

	// Playing drains buffered audio to the output in real time.
	Playing

	// Paused keeps buffered audio but does not drain it.
	Paused
)

// String returns the human-readable name of the play state.
func (s PlayState) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Playing:
		return "PLAYING"
	case Paused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}

// CaptureDevice is an open audio input endpoint.
//
// Read blocks until len(p) bytes of PCM are available (short reads are
// permitted at end of stream) and returns the number of bytes written into p.
// Close stops recording and releases the endpoint; any Read blocked at that
// moment must return promptly with an error.
//
// Read is called from a single goroutine; Close may be called concurrently
// with Read.
type CaptureDevice interface {
	Read(p []byte) (int, error)
	Close() error
}

// PlaybackDevice is an open audio output endpoint operating in stream mode.
//
// Written audio is queued and drained to the output while the device is in the
// [Playing] state. Implementations must be safe for concurrent use.
type PlaybackDevice interface {
	// Write queues PCM for playback. It never blocks on the output.
	Write(p []byte) (int, error)

	// Play starts or resumes draining queued audio.
	Play() error

	// Pause suspends draining without discarding queued audio.
	Pause() error

	// Flush discards all queued, not yet played audio.
	Flush() error

	// Pending reports the number of queued, not yet played bytes.
	Pending() int

	// State reports the current transport state.
	State() PlayState

	// Close releases the endpoint. Further writes return [ErrDeviceClosed].
	Close() error
}

// CaptureOpener opens capture devices in a given format.
type CaptureOpener interface {
	OpenCapture(ctx context.Context, f Format) (CaptureDevice, error)
}

// PlaybackOpener opens playback devices in a given format.
type PlaybackOpener interface {
	OpenPlayback(ctx context.Context, f Format) (PlaybackDevice, error)
}
