package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/duplex/internal/app"
	"github.com/MrWong99/duplex/internal/guidance"
	"github.com/MrWong99/duplex/internal/voice"
	"github.com/MrWong99/duplex/pkg/engine"
)

type scriptedResponder struct {
	reply guidance.VoiceReply
	block chan struct{}

	mu    sync.Mutex
	texts []string
}

func (r *scriptedResponder) HandleVoiceText(ctx context.Context, sessionID, text string) (guidance.VoiceReply, guidance.Source) {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, sessionID+":"+text)
	return r.reply, guidance.SourceRemote
}

func (r *scriptedResponder) heard() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

type recordingSpeaker struct {
	err error

	mu   sync.Mutex
	said []string
}

func (s *recordingSpeaker) Synthesize(_ context.Context, text string, l voice.Listener) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.said = append(s.said, text)
	if l != nil {
		return "", errors.New("assistant must not replace the listener")
	}
	return "tag", s.err
}

func (s *recordingSpeaker) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.said...)
}

func runAssistant(t *testing.T, a *app.Assistant) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
}

func TestAssistant_AnswersFinalResultsOnly(t *testing.T) {
	t.Parallel()

	resp := &scriptedResponder{reply: guidance.VoiceReply{
		AssistantReplyText: "Step left.",
		VoiceReplyText:     "Take one step to the left.",
	}}
	spk := &recordingSpeaker{}
	a := app.NewAssistant("s-1", resp, spk, 0)
	runAssistant(t, a)

	a.HandleEvent(engine.BeginOfSpeech{})
	a.HandleEvent(engine.Recognized{Text: "where do", IsFinal: false})
	a.HandleEvent(engine.Recognized{Text: "   ", IsFinal: true})
	a.HandleEvent(engine.Recognized{Text: " where do I stand? ", IsFinal: true})

	waitFor(t, "spoken reply", func() bool { return len(spk.spoken()) == 1 })
	if got := spk.spoken()[0]; got != "Take one step to the left." {
		t.Errorf("spoken = %q", got)
	}
	if got := resp.heard(); len(got) != 1 || got[0] != "s-1:where do I stand?" {
		t.Errorf("responder heard %q", got)
	}
}

func TestAssistant_FallsBackToReplyText(t *testing.T) {
	t.Parallel()

	resp := &scriptedResponder{reply: guidance.VoiceReply{AssistantReplyText: "Relax your shoulders."}}
	spk := &recordingSpeaker{err: errors.New("device gone")}
	a := app.NewAssistant("s-2", resp, spk, 0)
	runAssistant(t, a)

	a.HandleEvent(engine.Recognized{Text: "tips?", IsFinal: true})
	a.HandleEvent(engine.Recognized{Text: "more tips?", IsFinal: true})

	// A failing speaker does not stop the loop.
	waitFor(t, "both replies", func() bool { return len(spk.spoken()) == 2 })
	if got := spk.spoken()[0]; got != "Relax your shoulders." {
		t.Errorf("spoken = %q", got)
	}
}

func TestAssistant_DropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	resp := &scriptedResponder{block: make(chan struct{})}
	spk := &recordingSpeaker{}
	a := app.NewAssistant("s-3", resp, spk, 1)

	// Without Run nothing drains the queue.
	a.HandleEvent(engine.Recognized{Text: "one", IsFinal: true})
	a.HandleEvent(engine.Recognized{Text: "two", IsFinal: true})

	close(resp.block)
	runAssistant(t, a)

	waitFor(t, "first utterance", func() bool { return len(resp.heard()) == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := resp.heard(); len(got) != 1 || got[0] != "s-3:one" {
		t.Errorf("responder heard %q, want only the first utterance", got)
	}
}
