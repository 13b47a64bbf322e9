package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/MrWong99/duplex/internal/guidance"
	"github.com/MrWong99/duplex/internal/voice"
	"github.com/MrWong99/duplex/pkg/engine"
)

// defaultQueueSize bounds the utterances waiting for a reply when the
// configuration leaves it at zero.
const defaultQueueSize = 8

// Responder produces a reply for one user utterance. [*guidance.Service]
// satisfies it.
type Responder interface {
	HandleVoiceText(ctx context.Context, sessionID, text string) (guidance.VoiceReply, guidance.Source)
}

// Speaker speaks text. [*voice.SynthesisSession] satisfies it.
type Speaker interface {
	Synthesize(ctx context.Context, text string, l voice.Listener) (string, error)
}

var (
	_ Responder = (*guidance.Service)(nil)
	_ Speaker   = (*voice.SynthesisSession)(nil)
)

// Assistant closes the loop between the two directions: every final
// recognition result is answered through a [Responder] and the reply is
// spoken through a [Speaker].
//
// HandleEvent runs on the capture engine's goroutine and only enqueues; Run
// does the remote call and the synthesis.
type Assistant struct {
	sessionID string
	responder Responder
	speaker   Speaker
	queue     chan string
}

var _ voice.Listener = (*Assistant)(nil)

// NewAssistant returns an Assistant answering for sessionID. A queueSize of
// zero or less uses the default.
func NewAssistant(sessionID string, r Responder, s Speaker, queueSize int) *Assistant {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Assistant{
		sessionID: sessionID,
		responder: r,
		speaker:   s,
		queue:     make(chan string, queueSize),
	}
}

// SessionID returns the conversation id sent to the responder.
func (a *Assistant) SessionID() string { return a.sessionID }

// HandleEvent implements [voice.Listener]. Non-blank final results are
// queued; everything else is ignored. When the queue is full the utterance is
// dropped.
func (a *Assistant) HandleEvent(ev engine.Event) {
	r, ok := ev.(engine.Recognized)
	if !ok || !r.IsFinal {
		return
	}
	text := strings.TrimSpace(r.Text)
	if text == "" {
		return
	}
	select {
	case a.queue <- text:
	default:
		slog.Warn("assistant: queue full, dropping utterance", "session_id", a.sessionID, "chars", len(text))
	}
}

// Run answers queued utterances until ctx is cancelled. It always returns
// nil.
func (a *Assistant) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case text := <-a.queue:
			a.answer(ctx, text)
		}
	}
}

func (a *Assistant) answer(ctx context.Context, text string) {
	reply, source := a.responder.HandleVoiceText(ctx, a.sessionID, text)

	say := reply.VoiceReplyText
	if strings.TrimSpace(say) == "" {
		say = reply.AssistantReplyText
	}
	log := slog.With("session_id", a.sessionID, "source", string(source))

	// A nil listener keeps whatever listener the synthesis session has.
	tag, err := a.speaker.Synthesize(ctx, say, nil)
	switch {
	case errors.Is(err, voice.ErrEmptyText):
		log.Debug("assistant: empty reply, nothing to speak")
	case err != nil:
		log.Warn("assistant: speak reply", "err", err)
	default:
		log.Debug("assistant: speaking reply", "tag", tag, "chars", len(say))
	}
}
