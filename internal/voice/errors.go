package voice

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when an operation is not allowed in the
	// session's current state.
	ErrInvalidState = errors.New("voice: invalid session state")

	// ErrAlreadyActive is returned by Start on a session that is not idle.
	// It wraps [ErrInvalidState].
	ErrAlreadyActive = fmt.Errorf("voice: session already active: %w", ErrInvalidState)

	// ErrDeviceUnavailable is returned when the audio device cannot be opened.
	ErrDeviceUnavailable = errors.New("voice: audio device unavailable")

	// ErrEngineStartFailed matches every [*EngineStartError].
	ErrEngineStartFailed = errors.New("voice: engine start failed")

	// ErrStartCancelled is returned by Start when Stop is called before setup
	// completes.
	ErrStartCancelled = errors.New("voice: start cancelled by stop")

	// ErrDestroyed is returned by operations on a destroyed session. It wraps
	// [ErrInvalidState].
	ErrDestroyed = fmt.Errorf("voice: session destroyed: %w", ErrInvalidState)
)

// EngineStartError reports that the engine rejected a new session or request.
// Code is the engine's own code, or engine.CodeUnknown.
type EngineStartError struct {
	Code int
	Err  error
}

func (e *EngineStartError) Error() string {
	return fmt.Sprintf("voice: engine start failed (code %d): %v", e.Code, e.Err)
}

func (e *EngineStartError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrEngineStartFailed].
func (e *EngineStartError) Is(target error) bool {
	return target == ErrEngineStartFailed
}
