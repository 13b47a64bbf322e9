// Package elevenlabs provides an ElevenLabs-backed synthesis engine using the
// ElevenLabs streaming WebSocket API. It implements [engine.Synthesizer] and
// [engine.Backend].
//
// Audio is requested as pcm_16000, which matches the audio contract, so
// chunks are delivered as received.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/duplex/pkg/engine"
)

const (
	defaultEndpoint  = "wss://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

var (
	_ engine.Synthesizer = (*Provider)(nil)
	_ engine.Backend     = (*Provider)(nil)
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithDefaultVoice sets the voice used when a request names none.
func WithDefaultVoice(id string) Option {
	return func(p *Provider) {
		p.defaultVoice = id
	}
}

// WithEndpoint overrides the WebSocket base URL (scheme and host).
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = strings.TrimRight(endpoint, "/")
	}
}

// Provider implements engine.Synthesizer backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	defaultVoice string
	endpoint     string

	mu     sync.Mutex
	client *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		endpoint: defaultEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Open implements [engine.Backend].
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

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// buildURL constructs the stream-input URL for a voice.
func (p *Provider) buildURL(voiceID string) string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", defaultOutputFmt)
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?%s", p.endpoint, url.PathEscape(voiceID), q.Encode())
}

// Synthesize opens a WebSocket to ElevenLabs, sends req.Text followed by a
// flush, and delivers every audio message to sink until the server marks the
// stream final. Cancelling ctx aborts the stream.
func (p *Provider) Synthesize(ctx context.Context, req engine.Request, sink engine.Sink) error {
	voiceID := req.Voice.ID
	if voiceID == "" {
		voiceID = p.defaultVoice
	}
	if voiceID == "" {
		return &engine.StartError{Code: engine.CodeUnknown, Err: errors.New("elevenlabs: voice ID must not be empty")}
	}

	conn, resp, err := websocket.Dial(ctx, p.buildURL(voiceID), &websocket.DialOptions{
		HTTPClient: p.httpClient(),
	})
	if err != nil {
		code := engine.CodeUnknown
		if resp != nil {
			code = resp.StatusCode
		}
		return &engine.StartError{Code: code, Err: fmt.Errorf("elevenlabs: dial: %w", err)}
	}
	defer conn.CloseNow()
	conn.SetReadLimit(4 << 20)

	// Begin-of-input authenticates and configures the stream; ElevenLabs
	// requires a non-empty first text value.
	msgs := []textMessage{
		{
			Text:          " ",
			VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75, Speed: req.Voice.Speed},
			XiAPIKey:      p.apiKey,
		},
		{Text: strings.TrimSpace(req.Text) + " "},
		{Text: ""},
	}
	for _, m := range msgs {
		b, _ := json.Marshal(m)
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &engine.StartError{Code: engine.CodeTransport, Err: fmt.Errorf("elevenlabs: send: %w", err)}
		}
	}

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return &engine.RuntimeError{Code: engine.CodeTransport, Message: err.Error()}
		}
		pcm, final, err := parseAudioResponse(msg)
		if err != nil {
			return err
		}
		if len(pcm) > 0 {
			sink(engine.Synthesized{PCM: pcm, Tag: req.Tag})
		}
		if final {
			_ = conn.Close(websocket.StatusNormalClosure, "done")
			return nil
		}
	}
}

// parseAudioResponse decodes one server message. Malformed messages are
// skipped; an error message from the server becomes a *engine.RuntimeError.
func parseAudioResponse(msg []byte) (pcm []byte, final bool, err error) {
	var resp audioResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return nil, false, nil
	}
	if resp.Error != "" {
		text := resp.Error
		if resp.Message != "" {
			text += ": " + resp.Message
		}
		return nil, false, &engine.RuntimeError{Code: engine.CodeSynthesisFailed, Message: text}
	}
	if resp.Audio != "" {
		pcm, err = base64.StdEncoding.DecodeString(resp.Audio)
		if err != nil {
			pcm = nil
		}
	}
	return pcm, resp.IsFinal, nil
}
