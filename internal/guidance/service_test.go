package guidance

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/duplex/internal/observe"
)

// fakeRemote is a scripted [Remote].
type fakeRemote struct {
	mu sync.Mutex

	pose    FrameAnalysis
	poseErr error
	chat    ChatReply
	chatErr error
	audio   string
	ttsErr  error

	ttsTexts []string
}

func (f *fakeRemote) PoseSuggest(_ context.Context, req FrameRequest) (FrameAnalysis, error) {
	return f.pose, f.poseErr
}

func (f *fakeRemote) Chat(_ context.Context, _, _ string) (ChatReply, error) {
	return f.chat, f.chatErr
}

func (f *fakeRemote) TTS(_ context.Context, _, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttsTexts = append(f.ttsTexts, text)
	return f.audio, f.ttsErr
}

func (f *fakeRemote) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ttsTexts...)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func TestService_AnalyzeFrame(t *testing.T) {
	t.Parallel()

	remotePose := FrameAnalysis{
		SessionID:       "s",
		PoseSuggestions: []PoseSuggestion{{ID: "r1", Name: "remote", Priority: 1, Tips: []string{}}},
		VoiceGuideText:  "remote voice",
	}

	tests := []struct {
		name       string
		remote     *fakeRemote
		wantSource Source
		wantFirst  string
		wantAudio  bool
		wantSpoken string
	}{
		{
			name:       "remote",
			remote:     &fakeRemote{pose: remotePose, audio: "https://a/1"},
			wantSource: SourceRemote,
			wantFirst:  "r1",
			wantAudio:  true,
			wantSpoken: "remote voice",
		},
		{
			name:       "pose failure",
			remote:     &fakeRemote{poseErr: errors.New("down"), audio: "https://a/2"},
			wantSource: SourceFallback,
			wantFirst:  "p1",
			wantAudio:  true,
			wantSpoken: fallbackAnalysis("").VoiceGuideText,
		},
		{
			name:       "tts failure",
			remote:     &fakeRemote{pose: remotePose, ttsErr: errors.New("tts down")},
			wantSource: SourcePartial,
			wantFirst:  "r1",
			wantSpoken: "remote voice",
		},
		{
			name:       "both fail",
			remote:     &fakeRemote{poseErr: errors.New("down"), ttsErr: errors.New("tts down")},
			wantSource: SourceFallback,
			wantFirst:  "p1",
			wantSpoken: fallbackAnalysis("").VoiceGuideText,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc := NewService(tt.remote, WithMetrics(testMetrics(t)))

			res, source := svc.AnalyzeFrame(context.Background(), FrameRequest{SessionID: "s", Image: []byte{1}})
			if source != tt.wantSource {
				t.Errorf("source = %q, want %q", source, tt.wantSource)
			}
			if res.SessionID != "s" {
				t.Errorf("SessionID = %q, want s", res.SessionID)
			}
			if len(res.PoseSuggestions) == 0 || res.PoseSuggestions[0].ID != tt.wantFirst {
				t.Errorf("PoseSuggestions = %+v, want first %q", res.PoseSuggestions, tt.wantFirst)
			}
			if (res.AudioURL != nil) != tt.wantAudio {
				t.Errorf("AudioURL = %v, want present %v", res.AudioURL, tt.wantAudio)
			}
			if spoken := tt.remote.spoken(); len(spoken) != 1 || spoken[0] != tt.wantSpoken {
				t.Errorf("TTS texts = %q, want [%q]", spoken, tt.wantSpoken)
			}
		})
	}
}

func TestService_FallbackAnalysisContents(t *testing.T) {
	t.Parallel()

	svc := NewService(nil, WithMetrics(testMetrics(t)))
	res, source := svc.AnalyzeFrame(context.Background(), FrameRequest{SessionID: "abc", Image: []byte{1}})

	if source != SourceFallback {
		t.Errorf("source = %q, want fallback", source)
	}
	if len(res.PoseSuggestions) != 3 {
		t.Fatalf("got %d suggestions, want 3", len(res.PoseSuggestions))
	}
	for i, p := range res.PoseSuggestions {
		if p.Priority != i+1 {
			t.Errorf("suggestion %d priority = %d, want %d", i, p.Priority, i+1)
		}
		if len(p.Tips) == 0 {
			t.Errorf("suggestion %s has no tips", p.ID)
		}
	}
	if res.Overlay.HintImageURL == "" || res.Overlay.TextHint == "" || res.VoiceGuideText == "" {
		t.Errorf("incomplete fallback: %+v", res)
	}
	if res.AudioURL != nil {
		t.Errorf("AudioURL = %v, want nil", *res.AudioURL)
	}

	// The canned answer must not be shared between calls.
	res.PoseSuggestions[0].Tips[0] = "changed"
	again, _ := svc.AnalyzeFrame(context.Background(), FrameRequest{SessionID: "abc", Image: []byte{1}})
	if again.PoseSuggestions[0].Tips[0] == "changed" {
		t.Error("fallback analysis shares state between calls")
	}
}

func TestService_HandleVoiceText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		remote     *fakeRemote
		wantSource Source
		wantReply  string
		wantVoice  string
		wantAudio  bool
	}{
		{
			name:       "remote",
			remote:     &fakeRemote{chat: ChatReply{ReplyText: "hi there", VoiceText: "hi!"}, audio: "https://a/v"},
			wantSource: SourceRemote,
			wantReply:  "hi there",
			wantVoice:  "hi!",
			wantAudio:  true,
		},
		{
			name:       "voice text defaults to reply",
			remote:     &fakeRemote{chat: ChatReply{ReplyText: "hi there"}, audio: "https://a/v"},
			wantSource: SourceRemote,
			wantReply:  "hi there",
			wantVoice:  "hi there",
			wantAudio:  true,
		},
		{
			name:       "empty reply",
			remote:     &fakeRemote{audio: "https://a/v"},
			wantSource: SourceFallback,
			wantReply:  defaultReply,
			wantVoice:  defaultReply,
			wantAudio:  true,
		},
		{
			name:       "chat failure",
			remote:     &fakeRemote{chatErr: errors.New("down"), ttsErr: errors.New("down")},
			wantSource: SourceFallback,
			wantReply:  defaultReply,
			wantVoice:  defaultReply,
		},
		{
			name:       "tts failure",
			remote:     &fakeRemote{chat: ChatReply{ReplyText: "ok"}, ttsErr: errors.New("down")},
			wantSource: SourcePartial,
			wantReply:  "ok",
			wantVoice:  "ok",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc := NewService(tt.remote, WithMetrics(testMetrics(t)))

			res, source := svc.HandleVoiceText(context.Background(), "s", "hello")
			if source != tt.wantSource {
				t.Errorf("source = %q, want %q", source, tt.wantSource)
			}
			if res.AssistantReplyText != tt.wantReply || res.VoiceReplyText != tt.wantVoice {
				t.Errorf("reply = %q / %q, want %q / %q", res.AssistantReplyText, res.VoiceReplyText, tt.wantReply, tt.wantVoice)
			}
			if (res.AudioURL != nil) != tt.wantAudio {
				t.Errorf("AudioURL = %v, want present %v", res.AudioURL, tt.wantAudio)
			}
		})
	}
}

func TestVoiceReply_AudioURLAlwaysEncoded(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(VoiceReply{SessionID: "s"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"audioUrl":null`) {
		t.Errorf("encoded reply %s lacks audioUrl:null", b)
	}
}
