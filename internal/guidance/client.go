package guidance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/duplex/internal/observe"
	"github.com/MrWong99/duplex/internal/resilience"
)

// maxResponseBytes caps how much of a remote response body is read.
const maxResponseBytes = 1 << 20

// Timeouts bounds each remote operation.
type Timeouts struct {
	Pose time.Duration
	Chat time.Duration
	TTS  time.Duration
}

// DefaultTimeouts are applied to every zero field of a [Timeouts].
var DefaultTimeouts = Timeouts{
	Pose: 3 * time.Second,
	Chat: 2 * time.Second,
	TTS:  2 * time.Second,
}

// TransportError describes a failed remote call: either the request never
// produced a response (Err set) or the response had a non-2xx status.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("guidance: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("guidance: %s: unexpected status %d", e.Op, e.StatusCode)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Client calls the remote guidance service. It is safe for concurrent use.
type Client struct {
	base     *url.URL
	hc       *http.Client
	timeouts Timeouts
	breaker  *resilience.CircuitBreaker
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for remote calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithTimeouts overrides the per-operation timeouts. Zero fields keep the
// defaults.
func WithTimeouts(t Timeouts) Option {
	return func(c *Client) {
		if t.Pose > 0 {
			c.timeouts.Pose = t.Pose
		}
		if t.Chat > 0 {
			c.timeouts.Chat = t.Chat
		}
		if t.TTS > 0 {
			c.timeouts.TTS = t.TTS
		}
	}
}

// WithBreaker sets the circuit breaker shared by all remote calls.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// NewClient creates a client for the service rooted at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("guidance: base URL is required")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("guidance: parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("guidance: base URL %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		base:     u,
		hc:       http.DefaultClient,
		timeouts: DefaultTimeouts,
	}
	for _, o := range opts {
		o(c)
	}
	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "guidance"})
	}
	return c, nil
}

// Breaker returns the circuit breaker guarding remote calls.
func (c *Client) Breaker() *resilience.CircuitBreaker { return c.breaker }

// PoseSuggest uploads a frame and returns the suggested poses. The audio URL
// of the result is always nil; use [Client.TTS] on VoiceGuideText.
func (c *Client) PoseSuggest(ctx context.Context, req FrameRequest) (FrameAnalysis, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return FrameAnalysis{}, errors.New("guidance: pose suggest: session id is required")
	}
	if len(req.Image) == 0 {
		return FrameAnalysis{}, errors.New("guidance: pose suggest: image is required")
	}

	body, contentType, err := frameForm(req)
	if err != nil {
		return FrameAnalysis{}, fmt.Errorf("guidance: pose suggest: %w", err)
	}

	var resp poseSugResponse
	err = c.call(ctx, "posesug", c.timeouts.Pose, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("posesug"), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", contentType)
		return r, nil
	}, &resp)
	if err != nil {
		return FrameAnalysis{}, err
	}

	sessionID := resp.SessionID
	if sessionID == "" {
		sessionID = req.SessionID
	}
	return FrameAnalysis{
		SessionID:       sessionID,
		PoseSuggestions: resp.PoseSuggestions,
		Overlay: Overlay{
			TextHint:     resp.GuideText,
			HintImageURL: resp.PoseImageURL,
		},
		VoiceGuideText: resp.VoiceAudioText,
	}, nil
}

// Chat asks the assistant to reply to text.
func (c *Client) Chat(ctx context.Context, sessionID, text string) (ChatReply, error) {
	var reply ChatReply
	err := c.call(ctx, "chat", c.timeouts.Chat, c.jsonRequest("chat", textRequest{SessionID: sessionID, Text: text}), &reply)
	return reply, err
}

// TTS synthesises text remotely and returns the URL of the audio. Blank text
// returns "" without a remote call.
func (c *Client) TTS(ctx context.Context, sessionID, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	var resp ttsResponse
	if err := c.call(ctx, "tts", c.timeouts.TTS, c.jsonRequest("tts", textRequest{SessionID: sessionID, Text: text}), &resp); err != nil {
		return "", err
	}
	return resp.AudioURL, nil
}

func (c *Client) endpoint(path string) string {
	return c.base.JoinPath(path).String()
}

func (c *Client) jsonRequest(path string, v any) func(context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		payload, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		return r, nil
	}
}

// call performs one remote operation through the breaker and decodes the
// JSON response into out.
func (c *Client) call(ctx context.Context, op string, timeout time.Duration, build func(context.Context) (*http.Request, error), out any) error {
	ctx, span := observe.StartSpan(ctx, "guidance."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("guidance.op", op)),
	)
	defer span.End()

	err := c.breaker.Execute(func() error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := build(ctx)
		if err != nil {
			return fmt.Errorf("guidance: %s: build request: %w", op, err)
		}
		observe.InjectHeaders(ctx, req.Header)
		resp, err := c.hc.Do(req)
		if err != nil {
			return &TransportError{Op: op, Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
			return &TransportError{Op: op, StatusCode: resp.StatusCode}
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
			return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return fmt.Errorf("guidance: %s: %w", op, err)
		}
		return err
	}
	return nil
}

// frameForm encodes req as multipart/form-data.
func frameForm(req FrameRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("sessionId", req.SessionID); err != nil {
		return nil, "", fmt.Errorf("write sessionId: %w", err)
	}
	name := req.Filename
	if name == "" {
		name = "frame.jpg"
	}
	fw, err := w.CreateFormFile("image", name)
	if err != nil {
		return nil, "", fmt.Errorf("create image part: %w", err)
	}
	if _, err := fw.Write(req.Image); err != nil {
		return nil, "", fmt.Errorf("write image: %w", err)
	}
	if req.UserIntent != "" {
		if err := w.WriteField("userIntent", req.UserIntent); err != nil {
			return nil, "", fmt.Errorf("write userIntent: %w", err)
		}
	}
	if req.Meta != "" {
		if err := w.WriteField("meta", req.Meta); err != nil {
			return nil, "", fmt.Errorf("write meta: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
