package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/MrWong99/duplex/pkg/engine"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(engine.StreamConfig{Format: audio.Contract})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "vad_events", "true", q.Get("vad_events"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURL_ConfigOverrides(t *testing.T) {
	p, err := New("key", WithModel("base"), WithLanguage("de-DE"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(engine.StreamConfig{Language: "zh-CN", Domain: "nova-2", Accent: "mandarin"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()
	assertEqual(t, "model", "nova-2", q.Get("model"))
	assertEqual(t, "language", "zh-CN", q.Get("language"))
	assertEqual(t, "dialect", "mandarin", q.Get("dialect"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
}

func TestNew_EmptyKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("New with empty key: want error")
	}
}

// ---- JSON parsing tests ----

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want engine.Event
		ok   bool
	}{
		{
			name: "final",
			raw:  `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"Hello world","confidence":0.95}]}}`,
			want: engine.Recognized{Text: "Hello world", IsFinal: true},
			ok:   true,
		},
		{
			name: "partial",
			raw:  `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"Hello"}]}}`,
			want: engine.Recognized{Text: "Hello"},
			ok:   true,
		},
		{
			name: "empty transcript",
			raw:  `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":""}]}}`,
		},
		{
			name: "no alternatives",
			raw:  `{"type":"Results","channel":{"alternatives":[]}}`,
		},
		{
			name: "speech started",
			raw:  `{"type":"SpeechStarted","timestamp":0.5}`,
			want: engine.BeginOfSpeech{},
			ok:   true,
		},
		{
			name: "error",
			raw:  `{"type":"Error","description":"bad audio"}`,
			want: engine.Error{Code: engine.CodeUnknown, Message: "bad audio"},
			ok:   true,
		},
		{
			name: "metadata ignored",
			raw:  `{"type":"Metadata","request_id":"abc"}`,
		},
		{
			name: "invalid json",
			raw:  `{not json`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseMessage([]byte(tt.raw))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("event = %#v, want %#v", got, tt.want)
			}
		})
	}
}

// ---- session tests against a fake server ----

type recorder struct {
	mu     sync.Mutex
	events []engine.Event
}

func (r *recorder) sink(ev engine.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) finals() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if rec, ok := ev.(engine.Recognized); ok && rec.IsFinal {
			out = append(out, rec.Text)
		}
	}
	return out
}

func (r *recorder) count(match func(engine.Event) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if match(ev) {
			n++
		}
	}
	return n
}

// fakeDeepgram counts binary frames and answers CloseStream with one final
// result before closing normally.
func fakeDeepgram(t *testing.T, frames chan<- int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		n := 0
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				n++
				continue
			}
			if strings.Contains(string(data), "CloseStream") {
				frames <- n
				_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"SpeechStarted"}`))
				_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello"}]}}`))
				_ = c.Close(websocket.StatusNormalClosure, "done")
				return
			}
		}
	}))
}

func wsEndpoint(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSession_GracefulEndFlushesFinal(t *testing.T) {
	frames := make(chan int, 1)
	srv := fakeDeepgram(t, frames)
	defer srv.Close()

	p, _ := New("test-key", WithEndpoint(wsEndpoint(srv)))
	if err := p.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	rec := &recorder{}
	sess, err := p.StartSession(context.Background(), engine.StreamConfig{Format: audio.Contract}, rec.sink)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	for i := range 10 {
		if err := sess.Ingest(make([]byte, audio.FrameSize)); err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
	}
	if err := sess.End(false); err != nil {
		t.Fatalf("End: %v", err)
	}

	select {
	case n := <-frames:
		if n != 10 {
			t.Errorf("server received %d frames, want 10", n)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received CloseStream")
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(rec.finals()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := rec.finals(); len(got) != 1 || got[0] != "hello" {
		t.Errorf("finals = %v, want [hello]", got)
	}
	volumes := rec.count(func(ev engine.Event) bool { _, ok := ev.(engine.VolumeSample); return ok })
	if volumes != 10 {
		t.Errorf("volume samples = %d, want 10", volumes)
	}
	if err := sess.Ingest(make([]byte, audio.FrameSize)); !errors.Is(err, engine.ErrSessionClosed) {
		t.Errorf("Ingest after End = %v, want ErrSessionClosed", err)
	}
}

func TestStartSession_Rejected(t *testing.T) {
	srv := fakeDeepgram(t, make(chan int, 1))
	defer srv.Close()

	p, _ := New("wrong-key", WithEndpoint(wsEndpoint(srv)))
	_, err := p.StartSession(context.Background(), engine.StreamConfig{}, func(engine.Event) {})
	var se *engine.StartError
	if !errors.As(err, &se) {
		t.Fatalf("StartSession err = %v, want *engine.StartError", err)
	}
	if se.Code != http.StatusUnauthorized {
		t.Errorf("Code = %d, want %d", se.Code, http.StatusUnauthorized)
	}
}

func TestStartSession_DialTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	p, _ := New("test-key", WithEndpoint(wsEndpoint(srv)), WithDialTimeout(50*time.Millisecond))
	start := time.Now()
	_, err := p.StartSession(context.Background(), engine.StreamConfig{}, func(engine.Event) {})
	var se *engine.StartError
	if !errors.As(err, &se) {
		t.Fatalf("StartSession err = %v, want *engine.StartError", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("StartSession took %v against a silent endpoint, want about 50ms", elapsed)
	}
}

func TestSession_TransportErrorReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = c.Close(websocket.StatusPolicyViolation, "quota exceeded")
	}))
	defer srv.Close()

	p, _ := New("test-key", WithEndpoint(wsEndpoint(srv)))
	rec := &recorder{}
	sess, err := p.StartSession(context.Background(), engine.StreamConfig{}, rec.sink)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	defer sess.End(true)

	isErr := func(ev engine.Event) bool {
		e, ok := ev.(engine.Error)
		return ok && e.Code == int(websocket.StatusPolicyViolation)
	}
	deadline := time.Now().Add(3 * time.Second)
	for rec.count(isErr) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.count(isErr) != 1 {
		t.Errorf("policy violation errors = %d, want 1", rec.count(isErr))
	}
}

func assertEqual(t *testing.T, field, want, got string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %q, want %q", field, got, want)
	}
}
