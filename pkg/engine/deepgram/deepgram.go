// Package deepgram provides a Deepgram-backed recognition engine using the
// Deepgram streaming WebSocket API. It implements [engine.Recognizer] and
// [engine.Backend].
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/MrWong99/duplex/pkg/engine"
)

const (
	deepgramEndpoint    = "wss://api.deepgram.com/v1/listen"
	defaultModel        = "nova-3"
	defaultLanguage     = "en"
	defaultQueueSize    = 64
	defaultFlushTimeout = 5 * time.Second
	defaultDialTimeout  = 10 * time.Second
)

var (
	_ engine.Recognizer = (*Provider)(nil)
	_ engine.Backend    = (*Provider)(nil)
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default BCP-47 language code (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the streaming endpoint URL.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithFlushTimeout bounds how long a gracefully ended session waits for the
// final results before the connection is dropped. Defaults to 5 s.
func WithFlushTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.flushTimeout = d
		}
	}
}

// WithDialTimeout bounds the WebSocket handshake of each session. Defaults
// to 10 s.
func WithDialTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.dialTimeout = d
		}
	}
}

// Provider implements engine.Recognizer backed by the Deepgram streaming API.
type Provider struct {
	apiKey       string
	model        string
	language     string
	endpoint     string
	flushTimeout time.Duration
	dialTimeout  time.Duration

	mu     sync.Mutex
	client *http.Client
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		language:     defaultLanguage,
		endpoint:     deepgramEndpoint,
		flushTimeout: defaultFlushTimeout,
		dialTimeout:  defaultDialTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Open implements [engine.Backend]. It prepares the HTTP client shared by all
// sessions for the WebSocket handshake.
func (p *Provider) Open(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client = &http.Client{}
	return nil
}

// Close implements [engine.Backend].
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.CloseIdleConnections()
		p.client = nil
	}
	return nil
}

func (p *Provider) httpClient() *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return http.DefaultClient
	}
	return p.client
}

// StartSession opens a streaming recognition session with Deepgram. ctx and
// the dial timeout bound the handshake only. A rejected handshake returns an
// *engine.StartError carrying the HTTP status code.
func (p *Provider) StartSession(ctx context.Context, cfg engine.StreamConfig, sink engine.Sink) (engine.Session, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, &engine.StartError{Code: engine.CodeUnknown, Err: fmt.Errorf("deepgram: build URL: %w", err)}
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	conn, resp, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
		HTTPClient: p.httpClient(),
	})
	if err != nil {
		code := engine.CodeUnknown
		if resp != nil {
			code = resp.StatusCode
		}
		return nil, &engine.StartError{Code: code, Err: fmt.Errorf("deepgram: dial: %w", err)}
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:         conn,
		sink:         sink,
		audio:        make(chan []byte, defaultQueueSize),
		closing:      make(chan struct{}),
		ctx:          sctx,
		cancel:       cancel,
		flushTimeout: p.flushTimeout,
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()

	return s, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg engine.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	model := p.model
	if cfg.Domain != "" {
		model = cfg.Domain
	}
	f := cfg.Format
	if f.SampleRate == 0 {
		f = audio.Contract
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("vad_events", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(f.SampleRate))
	q.Set("channels", strconv.Itoa(f.Channels))
	if cfg.Accent != "" {
		q.Set("dialect", cfg.Accent)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramMessage is the JSON structure of the server messages we consume.
type deepgramMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	Description string `json:"description"`
	Message     string `json:"message"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements engine.Session.
type session struct {
	conn  *websocket.Conn
	sink  engine.Sink
	audio chan []byte

	closing      chan struct{}
	ended        atomic.Bool
	endOnce      sync.Once
	ctx          context.Context
	cancel       context.CancelFunc
	flushTimeout time.Duration
	wg           sync.WaitGroup
}

// Ingest queues a PCM frame for delivery to Deepgram without blocking.
func (s *session) Ingest(frame []byte) error {
	if s.ended.Load() {
		return engine.ErrSessionClosed
	}
	select {
	case s.audio <- frame:
		return nil
	default:
		return engine.ErrBackpressure
	}
}

// End finishes the session. A graceful end sends the queued audio followed
// by CloseStream and lets the read loop deliver trailing results; an abort
// drops the connection immediately.
func (s *session) End(abort bool) error {
	s.endOnce.Do(func() {
		s.ended.Store(true)
		if abort {
			s.cancel()
			return
		}
		close(s.closing)
	})
	return nil
}

// writeLoop forwards queued audio as binary messages and emits a volume
// sample per frame.
func (s *session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if !s.send(chunk) {
				return
			}
		case <-s.closing:
			if !s.drain() {
				return
			}
			_ = s.conn.Write(s.ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
			time.AfterFunc(s.flushTimeout, s.cancel)
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// drain sends whatever is still queued.
func (s *session) drain() bool {
	for {
		select {
		case chunk := <-s.audio:
			if !s.send(chunk) {
				return false
			}
		default:
			return true
		}
	}
}

func (s *session) send(chunk []byte) bool {
	s.sink(engine.VolumeSample{Level: audio.Level(chunk)})
	return s.conn.Write(s.ctx, websocket.MessageBinary, chunk) == nil
}

// readLoop receives JSON messages from Deepgram and delivers them as events.
func (s *session) readLoop() {
	defer s.wg.Done()
	defer s.conn.CloseNow()
	defer s.cancel()

	for {
		_, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || s.ended.Load() {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			s.sink(transportError(err))
			return
		}

		if ev, ok := parseMessage(msg); ok {
			s.sink(ev)
		}
	}
}

func transportError(err error) engine.Error {
	code := engine.CodeTransport
	if st := websocket.CloseStatus(err); st != -1 {
		code = int(st)
	}
	return engine.Error{Code: code, Message: err.Error()}
}

// parseMessage converts a raw Deepgram message into an event. It returns
// false for messages that carry nothing for the listener.
func parseMessage(data []byte) (engine.Event, bool) {
	var m deepgramMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	switch m.Type {
	case "Results":
		if len(m.Channel.Alternatives) == 0 {
			return nil, false
		}
		text := m.Channel.Alternatives[0].Transcript
		if text == "" {
			return nil, false
		}
		return engine.Recognized{Text: text, IsFinal: m.IsFinal}, true
	case "SpeechStarted":
		return engine.BeginOfSpeech{}, true
	case "Error":
		msg := m.Description
		if msg == "" {
			msg = m.Message
		}
		return engine.Error{Code: engine.CodeUnknown, Message: msg}, true
	default:
		return nil, false
	}
}
