package guidance

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/duplex/internal/observe"
)

// Remote is the remote guidance service. [*Client] implements it.
type Remote interface {
	PoseSuggest(ctx context.Context, req FrameRequest) (FrameAnalysis, error)
	Chat(ctx context.Context, sessionID, text string) (ChatReply, error)
	TTS(ctx context.Context, sessionID, text string) (string, error)
}

var _ Remote = (*Client)(nil)

// Service answers frame and voice text requests. A failing or missing remote
// never turns into an error: the caller always receives a complete response
// and a [Source] telling how it was produced.
type Service struct {
	remote  Remote
	metrics *observe.Metrics
}

// ServiceOption configures a [Service].
type ServiceOption func(*Service)

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a Service. A nil remote serves the fallback answer for
// every frame and the default reply for every utterance.
func NewService(remote Remote, opts ...ServiceOption) *Service {
	s := &Service{remote: remote}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// AnalyzeFrame returns pose suggestions for a frame, falling back to the
// canned suggestions if the remote call fails, then synthesises the voice
// guide text. AudioURL is nil when synthesis fails.
func (s *Service) AnalyzeFrame(ctx context.Context, req FrameRequest) (FrameAnalysis, Source) {
	start := time.Now()
	ctx = observe.WithSessionID(ctx, req.SessionID)
	log := observe.Logger(ctx)

	var (
		res    FrameAnalysis
		source = SourceRemote
		err    error
	)
	if s.remote == nil {
		res, source = fallbackAnalysis(req.SessionID), SourceFallback
	} else if res, err = s.remote.PoseSuggest(ctx, req); err != nil {
		log.Warn("guidance: pose suggestion failed, serving fallback", "err", err)
		res, source = fallbackAnalysis(req.SessionID), SourceFallback
	}
	if res.PoseSuggestions == nil {
		res.PoseSuggestions = []PoseSuggestion{}
	}

	url, ok := s.speak(ctx, log, req.SessionID, res.VoiceGuideText)
	res.AudioURL = url
	if !ok && source == SourceRemote {
		source = SourcePartial
	}

	s.metrics.RecordGuidance(ctx, "analyze_frame", string(source), time.Since(start))
	return res, source
}

// HandleVoiceText replies to a user utterance. An empty or failed chat reply
// becomes the default reply; the voice text defaults to the reply text.
func (s *Service) HandleVoiceText(ctx context.Context, sessionID, text string) (VoiceReply, Source) {
	start := time.Now()
	ctx = observe.WithSessionID(ctx, sessionID)
	log := observe.Logger(ctx)

	var (
		chat   ChatReply
		source = SourceRemote
		err    error
	)
	if s.remote == nil {
		source = SourceFallback
	} else if chat, err = s.remote.Chat(ctx, sessionID, text); err != nil {
		log.Warn("guidance: chat failed, serving default reply", "err", err)
		source = SourceFallback
	}

	reply := chat.ReplyText
	if strings.TrimSpace(reply) == "" {
		reply = defaultReply
		if source == SourceRemote {
			source = SourceFallback
		}
	}
	voiceText := chat.VoiceText
	if strings.TrimSpace(voiceText) == "" {
		voiceText = reply
	}

	url, ok := s.speak(ctx, log, sessionID, voiceText)
	if !ok && source == SourceRemote {
		source = SourcePartial
	}

	s.metrics.RecordGuidance(ctx, "voice_text", string(source), time.Since(start))
	return VoiceReply{
		SessionID:          sessionID,
		AssistantReplyText: reply,
		VoiceReplyText:     voiceText,
		AudioURL:           url,
	}, source
}

// speak asks the remote for an audio URL. ok is false if the remote was
// missing or failed.
func (s *Service) speak(ctx context.Context, log *slog.Logger, sessionID, text string) (url *string, ok bool) {
	if s.remote == nil {
		return nil, false
	}
	u, err := s.remote.TTS(ctx, sessionID, text)
	if err != nil {
		log.Warn("guidance: tts failed", "err", err)
		return nil, false
	}
	if u == "" {
		return nil, true
	}
	return &u, true
}
