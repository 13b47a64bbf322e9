// Package openai provides recognition and synthesis engines backed by the
// OpenAI audio API (or any compatible server selected with WithBaseURL).
//
// One [Provider] serves both directions, so capture and synthesis sessions
// configured for OpenAI share a single engine runtime.
//
// Recognition is batch-based: the session buffers ingested PCM, segments it
// into utterances with an energy-based silence detector and submits each
// utterance to the transcription endpoint. Synthesis requests raw 24 kHz PCM
// from the speech endpoint and resamples it to the audio contract.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/duplex/pkg/engine"
)

const (
	defaultSTTModel = oai.AudioModelWhisper1
	defaultTTSModel = oai.SpeechModelTTS1
	defaultVoice    = "alloy"

	// speechSampleRate is the fixed rate of the speech endpoint's pcm output.
	speechSampleRate = 24000
)

var (
	_ engine.Recognizer  = (*Provider)(nil)
	_ engine.Synthesizer = (*Provider)(nil)
	_ engine.Backend     = (*Provider)(nil)
)

// errNotOpen is returned when the provider is used outside an open runtime.
var errNotOpen = errors.New("openai: provider is not open")

// Option is a functional option for Provider.
type Option func(*Provider)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.baseURL = url
	}
}

// WithTranscriptionModel sets the transcription model (default "whisper-1").
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) {
		p.sttModel = model
	}
}

// WithSpeechModel sets the speech model (default "tts-1").
func WithSpeechModel(model string) Option {
	return func(p *Provider) {
		p.ttsModel = model
	}
}

// WithDefaultVoice sets the voice used when a request names none.
func WithDefaultVoice(voice string) Option {
	return func(p *Provider) {
		p.voice = voice
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.timeout = d
	}
}

// WithSilenceThreshold sets how much trailing silence ends an utterance.
// Defaults to 600 ms.
func WithSilenceThreshold(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.silence = d
		}
	}
}

// WithMaxUtterance caps the buffered duration of a single utterance.
// Defaults to 15 s.
func WithMaxUtterance(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.maxUtterance = d
		}
	}
}

// Provider implements engine.Recognizer, engine.Synthesizer and
// engine.Backend using the OpenAI audio API.
type Provider struct {
	apiKey       string
	baseURL      string
	sttModel     string
	ttsModel     string
	voice        string
	timeout      time.Duration
	silence      time.Duration
	maxUtterance time.Duration

	mu     sync.RWMutex
	client *oai.Client
	hc     *http.Client
}

// New constructs a Provider. apiKey must be non-empty. The HTTP client is
// created by Open.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		sttModel:     defaultSTTModel,
		ttsModel:     defaultTTSModel,
		voice:        defaultVoice,
		timeout:      30 * time.Second,
		silence:      600 * time.Millisecond,
		maxUtterance: 15 * time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Open implements [engine.Backend]. It builds the API client shared by every
// session and request.
func (p *Provider) Open(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.hc = &http.Client{Timeout: p.timeout}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(p.hc),
		option.WithMaxRetries(0),
	}
	if p.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(p.baseURL))
	}
	client := oai.NewClient(reqOpts...)
	p.client = &client
	return nil
}

// Close implements [engine.Backend].
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hc != nil {
		p.hc.CloseIdleConnections()
	}
	p.client = nil
	p.hc = nil
	return nil
}

func (p *Provider) api() (*oai.Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.client == nil {
		return nil, errNotOpen
	}
	return p.client, nil
}

// statusCode extracts the HTTP status of an API error, or CodeUnknown.
func statusCode(err error) int {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return engine.CodeUnknown
}

func apiError(op string, err error) error {
	return fmt.Errorf("openai: %s: %w", op, err)
}
