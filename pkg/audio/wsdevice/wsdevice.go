// Package wsdevice provides capture and playback devices that exchange raw PCM
// with a remote endpoint over WebSocket binary messages. A typical peer is a
// phone or browser client that streams its microphone and plays back what it
// receives.
//
// Capture reassembles arbitrarily sized incoming messages into the frame size
// requested by Read. Playback paces outgoing audio through an [audio.Playout]
// so the peer receives it in real time.
package wsdevice

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/duplex/pkg/audio"
)

const defaultWriteTimeout = 5 * time.Second

var (
	_ audio.CaptureOpener  = (*Opener)(nil)
	_ audio.PlaybackOpener = (*Opener)(nil)
)

// Option is a functional option for configuring an Opener.
type Option func(*Opener)

// WithHeader adds an HTTP header to the WebSocket handshake, e.g. for
// authentication.
func WithHeader(key, value string) Option {
	return func(o *Opener) {
		o.header.Add(key, value)
	}
}

// WithHTTPClient sets the HTTP client used for the handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opener) {
		o.httpClient = c
	}
}

// Opener dials WebSocket endpoints for capture and playback.
type Opener struct {
	captureURL  string
	playbackURL string
	header      http.Header
	httpClient  *http.Client
}

// New creates an Opener. Either URL may be empty if the direction is unused.
// The audio format is appended to both URLs as query parameters
// (sample_rate, channels, encoding).
func New(captureURL, playbackURL string, opts ...Option) (*Opener, error) {
	if captureURL == "" && playbackURL == "" {
		return nil, errors.New("wsdevice: at least one of capture or playback URL must be set")
	}
	o := &Opener{
		captureURL:  captureURL,
		playbackURL: playbackURL,
		header:      http.Header{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func (o *Opener) dial(ctx context.Context, raw string, f audio.Format) (*websocket.Conn, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse URL: %w", err)
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(f.SampleRate))
	q.Set("channels", strconv.Itoa(f.Channels))
	q.Set("encoding", fmt.Sprintf("s%dle", f.BitDepth))
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: o.header,
		HTTPClient: o.httpClient,
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// OpenCapture implements [audio.CaptureOpener].
func (o *Opener) OpenCapture(ctx context.Context, f audio.Format) (audio.CaptureDevice, error) {
	if o.captureURL == "" {
		return nil, errors.New("wsdevice: no capture URL configured")
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("wsdevice: %w", err)
	}
	conn, err := o.dial(ctx, o.captureURL, f)
	if err != nil {
		return nil, fmt.Errorf("wsdevice: open capture: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	rctx, cancel := context.WithCancel(context.Background())
	return &captureDevice{conn: conn, ctx: rctx, cancel: cancel}, nil
}

// OpenPlayback implements [audio.PlaybackOpener].
func (o *Opener) OpenPlayback(ctx context.Context, f audio.Format) (audio.PlaybackDevice, error) {
	if o.playbackURL == "" {
		return nil, errors.New("wsdevice: no playback URL configured")
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("wsdevice: %w", err)
	}
	conn, err := o.dial(ctx, o.playbackURL, f)
	if err != nil {
		return nil, fmt.Errorf("wsdevice: open playback: %w", err)
	}
	d := &playbackDevice{conn: conn}
	d.Playout = audio.NewPlayout(f, connWriter{conn: conn})

	// Drain control frames so pings and the peer's close are handled.
	conn.CloseRead(context.Background())
	return d, nil
}

// ─── capture ──────────────────────────────────────────────────────────────────

type captureDevice struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	// pending holds received bytes not yet returned by Read. Only the reading
	// goroutine touches it.
	pending []byte

	once sync.Once
}

// Read blocks until len(p) bytes have been received, the peer closes the
// stream, or the device is closed.
func (d *captureDevice) Read(p []byte) (int, error) {
	for len(d.pending) < len(p) {
		typ, data, err := d.conn.Read(d.ctx)
		if err != nil {
			if d.ctx.Err() != nil {
				return 0, audio.ErrDeviceClosed
			}
			if len(d.pending) > 0 {
				n := copy(p, d.pending)
				d.pending = d.pending[n:]
				return n, nil
			}
			return 0, fmt.Errorf("wsdevice: read: %w", err)
		}
		if typ != websocket.MessageBinary {
			continue
		}
		d.pending = append(d.pending, data...)
	}
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	if len(d.pending) == 0 {
		d.pending = nil
	}
	return n, nil
}

func (d *captureDevice) Close() error {
	d.once.Do(func() {
		d.cancel()
		_ = d.conn.Close(websocket.StatusNormalClosure, "capture closed")
	})
	return nil
}

// ─── playback ─────────────────────────────────────────────────────────────────

type connWriter struct {
	conn *websocket.Conn
}

func (w connWriter) Write(p []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()
	if err := w.conn.Write(ctx, websocket.MessageBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

type playbackDevice struct {
	*audio.Playout
	conn *websocket.Conn
	once sync.Once
}

func (d *playbackDevice) Close() error {
	d.once.Do(func() {
		_ = d.Playout.Close()
		_ = d.conn.Close(websocket.StatusNormalClosure, "playback closed")
	})
	return nil
}
