// Package alsa provides capture and playback devices backed by the ALSA
// command-line tools. Capture runs `arecord` and reads raw PCM from its
// stdout; playback runs `aplay` and feeds it through an [audio.Playout].
//
// Closing a capture device kills the recorder process, which unblocks any
// pending Read with [audio.ErrDeviceClosed].
//
// Usage:
//
//	o := alsa.New(alsa.WithDevice("plughw:1,0"))
//	dev, err := o.OpenCapture(ctx, audio.Contract)
package alsa

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/MrWong99/duplex/pkg/audio"
)

var (
	_ audio.CaptureOpener  = (*Opener)(nil)
	_ audio.PlaybackOpener = (*Opener)(nil)
)

// Option is a functional option for configuring an Opener.
type Option func(*Opener)

// WithDevice selects the ALSA PCM device name (passed as -D). Empty uses the
// system default.
func WithDevice(name string) Option {
	return func(o *Opener) {
		o.device = name
	}
}

// WithBinaries overrides the recorder and player executables. Defaults to
// "arecord" and "aplay".
func WithBinaries(record, play string) Option {
	return func(o *Opener) {
		if record != "" {
			o.recordBin = record
		}
		if play != "" {
			o.playBin = play
		}
	}
}

// Opener opens ALSA capture and playback devices.
type Opener struct {
	device    string
	recordBin string
	playBin   string
}

// New creates an Opener.
func New(opts ...Option) *Opener {
	o := &Opener{recordBin: "arecord", playBin: "aplay"}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Opener) args(f audio.Format) []string {
	args := []string{
		"-q",
		"-t", "raw",
		"-f", fmt.Sprintf("S%d_LE", f.BitDepth),
		"-r", strconv.Itoa(f.SampleRate),
		"-c", strconv.Itoa(f.Channels),
	}
	if o.device != "" {
		args = append(args, "-D", o.device)
	}
	return args
}

// OpenCapture implements [audio.CaptureOpener]. ctx bounds process startup
// only.
func (o *Opener) OpenCapture(ctx context.Context, f audio.Format) (audio.CaptureDevice, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("alsa: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("alsa: open capture: %w", err)
	}
	// The device owns the read end, so Close can reap the recorder while a
	// Read is still pending.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("alsa: open capture: %w", err)
	}
	cmd := exec.Command(o.recordBin, o.args(f)...)
	cmd.Stdout = pw
	err = cmd.Start()
	_ = pw.Close()
	if err != nil {
		_ = pr.Close()
		return nil, fmt.Errorf("alsa: start %s: %w", o.recordBin, err)
	}
	return &captureDevice{cmd: cmd, r: pr}, nil
}

// OpenPlayback implements [audio.PlaybackOpener].
func (o *Opener) OpenPlayback(ctx context.Context, f audio.Format) (audio.PlaybackDevice, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("alsa: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("alsa: open playback: %w", err)
	}
	cmd := exec.Command(o.playBin, o.args(f)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("alsa: open playback: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("alsa: start %s: %w", o.playBin, err)
	}
	return &playbackDevice{
		Playout: audio.NewPlayout(f, stdin),
		cmd:     cmd,
		stdin:   stdin,
	}, nil
}

// ─── capture ──────────────────────────────────────────────────────────────────

type captureDevice struct {
	cmd *exec.Cmd
	r   *os.File

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

// Read fills p completely unless the recorder exits.
func (d *captureDevice) Read(p []byte) (int, error) {
	n, err := io.ReadFull(d.r, p)
	if err != nil {
		d.mu.Lock()
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return n, audio.ErrDeviceClosed
		}
		if errors.Is(err, io.ErrUnexpectedEOF) && n > 0 {
			return n, nil
		}
		return n, fmt.Errorf("alsa: read: %w", err)
	}
	return n, nil
}

// Close kills the recorder and reaps it. A pending Read sees end of stream
// and reports [audio.ErrDeviceClosed].
func (d *captureDevice) Close() error {
	var err error
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		if d.cmd.Process != nil {
			_ = d.cmd.Process.Kill()
		}
		// Wait reports the kill; only failures to reap matter.
		if werr := d.cmd.Wait(); werr != nil {
			var exitErr *exec.ExitError
			if !errors.As(werr, &exitErr) {
				err = fmt.Errorf("alsa: close capture: %w", werr)
			}
		}
		_ = d.r.Close()
	})
	return err
}

// ─── playback ─────────────────────────────────────────────────────────────────

type playbackDevice struct {
	*audio.Playout
	cmd   *exec.Cmd
	stdin io.Closer
	once  sync.Once
}

func (d *playbackDevice) Close() error {
	var err error
	d.once.Do(func() {
		_ = d.Playout.Close()
		_ = d.stdin.Close()
		if werr := d.cmd.Wait(); werr != nil {
			var exitErr *exec.ExitError
			if !errors.As(werr, &exitErr) {
				err = fmt.Errorf("alsa: close playback: %w", werr)
			}
		}
	})
	return err
}
