// Package mock provides in-memory mock implementations of the audio device
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	opener := &mock.Opener{}
//	dev, _ := opener.OpenCapture(ctx, audio.Contract)
//	opener.Capture(0).Feed(make([]byte, audio.FrameSize))
//	n, err := dev.Read(buf)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/duplex/pkg/audio"
)

// ─── CaptureDevice ────────────────────────────────────────────────────────────

// CaptureDevice is a mock implementation of [audio.CaptureDevice].
//
// Read blocks until a frame is fed with [CaptureDevice.Feed], a read error is
// injected with [CaptureDevice.Fail], or the device is closed.
type CaptureDevice struct {
	// IgnoreClose makes a blocked Read ignore Close, simulating a platform
	// read that cannot be interrupted. Set before the device is used.
	IgnoreClose bool

	frames chan []byte
	fail   chan error
	closed chan struct{}
	once   sync.Once

	mu sync.Mutex

	// CallCountRead records how many times Read returned.
	CallCountRead int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// Format is the format the device was opened with.
	Format audio.Format
}

// NewCaptureDevice returns a ready-to-use CaptureDevice.
func NewCaptureDevice() *CaptureDevice {
	return &CaptureDevice{
		frames: make(chan []byte, 64),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

// Feed queues one frame to be returned by a future Read.
func (d *CaptureDevice) Feed(frame []byte) {
	d.frames <- frame
}

// Fail makes the next Read return err.
func (d *CaptureDevice) Fail(err error) {
	d.fail <- err
}

// Read implements [audio.CaptureDevice].
func (d *CaptureDevice) Read(p []byte) (int, error) {
	defer func() {
		d.mu.Lock()
		d.CallCountRead++
		d.mu.Unlock()
	}()

	closed := d.closed
	if d.IgnoreClose {
		closed = nil
	}
	select {
	case <-closed:
		return 0, audio.ErrDeviceClosed
	default:
	}
	select {
	case f := <-d.frames:
		return copy(p, f), nil
	case err := <-d.fail:
		return 0, err
	case <-closed:
		return 0, audio.ErrDeviceClosed
	}
}

// Close implements [audio.CaptureDevice]. Safe to call more than once.
func (d *CaptureDevice) Close() error {
	d.mu.Lock()
	d.CallCountClose++
	d.mu.Unlock()
	d.once.Do(func() { close(d.closed) })
	return nil
}

// Closed reports whether Close has been called.
func (d *CaptureDevice) Closed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}

// Reads returns the number of completed Read calls.
func (d *CaptureDevice) Reads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountRead
}

// ─── PlaybackDevice ───────────────────────────────────────────────────────────

// PlaybackDevice is a mock implementation of [audio.PlaybackDevice]. Written
// audio is never drained: Pending only decreases on Flush.
type PlaybackDevice struct {
	mu sync.Mutex

	// WriteErr is returned by Write when non-nil. Nothing is queued.
	WriteErr error

	// Writes records every successfully written chunk, in order.
	Writes [][]byte

	// CallCountPlay records how many times Play was called.
	CallCountPlay int

	// CallCountPause records how many times Pause was called.
	CallCountPause int

	// CallCountFlush records how many times Flush was called.
	CallCountFlush int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// Format is the format the device was opened with.
	Format audio.Format

	pending int
	state   audio.PlayState
	closed  bool
}

// Write implements [audio.PlaybackDevice].
func (d *PlaybackDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, audio.ErrDeviceClosed
	}
	if d.WriteErr != nil {
		return 0, d.WriteErr
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	d.Writes = append(d.Writes, cp)
	d.pending += len(p)
	return len(p), nil
}

// Play implements [audio.PlaybackDevice].
func (d *PlaybackDevice) Play() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountPlay++
	if d.closed {
		return audio.ErrDeviceClosed
	}
	d.state = audio.Playing
	return nil
}

// Pause implements [audio.PlaybackDevice].
func (d *PlaybackDevice) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountPause++
	if d.closed {
		return audio.ErrDeviceClosed
	}
	d.state = audio.Paused
	return nil
}

// Flush implements [audio.PlaybackDevice].
func (d *PlaybackDevice) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountFlush++
	if d.closed {
		return audio.ErrDeviceClosed
	}
	d.pending = 0
	return nil
}

// Pending implements [audio.PlaybackDevice].
func (d *PlaybackDevice) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// State implements [audio.PlaybackDevice].
func (d *PlaybackDevice) State() audio.PlayState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Close implements [audio.PlaybackDevice].
func (d *PlaybackDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	d.closed = true
	d.pending = 0
	d.state = audio.Stopped
	return nil
}

// Closed reports whether Close has been called.
func (d *PlaybackDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// WriteCount returns the number of successful writes.
func (d *PlaybackDevice) WriteCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Writes)
}

// ─── Opener ───────────────────────────────────────────────────────────────────

// Opener is a mock implementation of [audio.CaptureOpener] and
// [audio.PlaybackOpener]. Every device it opens is recorded so tests can
// check for leaked handles.
type Opener struct {
	mu sync.Mutex

	// OpenCaptureErr is returned by OpenCapture when non-nil.
	OpenCaptureErr error

	// OpenPlaybackErr is returned by OpenPlayback when non-nil.
	OpenPlaybackErr error

	// NewCapture, when set, builds the devices returned by OpenCapture.
	NewCapture func() *CaptureDevice

	// CallCountOpenCapture records how many times OpenCapture was called.
	CallCountOpenCapture int

	// CallCountOpenPlayback records how many times OpenPlayback was called.
	CallCountOpenPlayback int

	captures  []*CaptureDevice
	playbacks []*PlaybackDevice
}

var (
	_ audio.CaptureOpener  = (*Opener)(nil)
	_ audio.PlaybackOpener = (*Opener)(nil)
)

// OpenCapture implements [audio.CaptureOpener].
func (o *Opener) OpenCapture(_ context.Context, f audio.Format) (audio.CaptureDevice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountOpenCapture++
	if o.OpenCaptureErr != nil {
		return nil, o.OpenCaptureErr
	}
	var d *CaptureDevice
	if o.NewCapture != nil {
		d = o.NewCapture()
	} else {
		d = NewCaptureDevice()
	}
	d.Format = f
	o.captures = append(o.captures, d)
	return d, nil
}

// OpenPlayback implements [audio.PlaybackOpener].
func (o *Opener) OpenPlayback(_ context.Context, f audio.Format) (audio.PlaybackDevice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountOpenPlayback++
	if o.OpenPlaybackErr != nil {
		return nil, o.OpenPlaybackErr
	}
	d := &PlaybackDevice{Format: f}
	o.playbacks = append(o.playbacks, d)
	return d, nil
}

// Capture returns the i-th capture device opened, or nil.
func (o *Opener) Capture(i int) *CaptureDevice {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i < 0 || i >= len(o.captures) {
		return nil
	}
	return o.captures[i]
}

// Playback returns the i-th playback device opened, or nil.
func (o *Opener) Playback(i int) *PlaybackDevice {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i < 0 || i >= len(o.playbacks) {
		return nil
	}
	return o.playbacks[i]
}

// OpenCaptures returns the number of capture devices opened but not closed.
func (o *Opener) OpenCaptures() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, d := range o.captures {
		if !d.Closed() {
			n++
		}
	}
	return n
}

// OpenPlaybacks returns the number of playback devices opened but not closed.
func (o *Opener) OpenPlaybacks() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, d := range o.playbacks {
		if !d.Closed() {
			n++
		}
	}
	return n
}
