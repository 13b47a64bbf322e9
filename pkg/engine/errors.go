package engine

import (
	"errors"
	"fmt"
)

// Locally assigned error codes. Vendor codes are passed through unchanged;
// these live in a range vendors do not use.
const (
	// CodeUnknown is used when a failure carries no vendor code.
	CodeUnknown = -1

	// CodeDeviceReadFailed reports that the capture device failed mid-stream.
	CodeDeviceReadFailed = 90001

	// CodeFrameDropped reports a capture frame the engine did not accept.
	CodeFrameDropped = 90002

	// CodePlaybackWriteFailed reports a synthesized chunk the playback device
	// did not accept.
	CodePlaybackWriteFailed = 90003

	// CodeSynthesisFailed reports a synthesis request that failed without a
	// vendor code.
	CodeSynthesisFailed = 90004

	// CodeTransport reports a lost connection to the engine.
	CodeTransport = 90005
)

// ErrSessionClosed is returned by Session.Ingest after End.
var ErrSessionClosed = errors.New("engine: session closed")

// ErrBackpressure is returned by Session.Ingest when the engine cannot accept
// more audio right now. The frame is not queued.
var ErrBackpressure = errors.New("engine: ingest queue full")

// StartError reports that an engine rejected a new session or request. Code
// is the vendor's code, or [CodeUnknown].
type StartError struct {
	Code int
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("engine: start failed (code %d): %v", e.Code, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// RuntimeError is a mid-stream engine failure.
type RuntimeError struct {
	Code    int
	Message string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("engine: runtime error (code %d): %s", e.Code, e.Message)
}

// CodeOf extracts the engine code carried by err. It returns [CodeUnknown]
// when err carries none.
func CodeOf(err error) int {
	var se *StartError
	if errors.As(err, &se) {
		return se.Code
	}
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code
	}
	return CodeUnknown
}
