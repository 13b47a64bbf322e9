package app

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/duplex/internal/observe"
	"github.com/MrWong99/duplex/internal/voice"
	"github.com/MrWong99/duplex/pkg/engine"
)

const (
	// subscriberBuffer is the number of events queued per subscriber before
	// further events are dropped for it.
	subscriberBuffer = 64

	eventWriteTimeout = 5 * time.Second
)

// EventMessage is the JSON form of an engine event on the event feed.
type EventMessage struct {
	Direction string    `json:"direction"`
	Type      string    `json:"type"`
	Time      time.Time `json:"time"`
	Text      string    `json:"text,omitempty"`
	IsFinal   bool      `json:"isFinal,omitempty"`
	Tag       string    `json:"tag,omitempty"`
	Bytes     int       `json:"bytes,omitempty"`
	Code      int       `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	Level     float64   `json:"level,omitempty"`
}

// newEventMessage converts ev. Synthesized audio is summarised by its size;
// the PCM itself goes to the playback device, not the feed.
func newEventMessage(dir string, ev engine.Event) EventMessage {
	m := EventMessage{Direction: dir, Time: time.Now().UTC()}
	switch e := ev.(type) {
	case engine.Recognized:
		m.Type, m.Text, m.IsFinal = "recognized", e.Text, e.IsFinal
	case engine.Synthesized:
		m.Type, m.Tag, m.Bytes = "synthesized", e.Tag, len(e.PCM)
	case engine.Error:
		m.Type, m.Code, m.Message, m.Tag = "error", e.Code, e.Message, e.Tag
	case engine.BeginOfSpeech:
		m.Type = "begin_of_speech"
	case engine.VolumeSample:
		m.Type, m.Level = "volume", e.Level
	default:
		m.Type = "unknown"
	}
	return m
}

// Hub fans engine events out to websocket subscribers. Publishing never
// blocks: a subscriber that falls behind loses events.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan EventMessage]struct{}
	closed bool
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan EventMessage]struct{})}
}

// Listener returns a [voice.Listener] publishing events for direction dir.
func (h *Hub) Listener(dir string) voice.Listener {
	return voice.ListenerFunc(func(ev engine.Event) {
		h.Publish(newEventMessage(dir, ev))
	})
}

// Publish queues m for every subscriber.
func (h *Hub) Publish(m EventMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- m:
		default:
			slog.Debug("event feed subscriber is behind, dropping event", "type", m.Type)
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function
// unregisters it and closes the channel. After [Hub.Close] the channel is
// returned already closed.
func (h *Hub) Subscribe() (<-chan EventMessage, func()) {
	ch := make(chan EventMessage, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// ServeHTTP upgrades the request to a websocket and streams events as JSON
// text messages until the client disconnects or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("event feed: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := h.Subscribe()
	defer cancel()

	// The feed is one-way; CloseRead handles pings and the client's close.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := writeEvent(ctx, conn, m); err != nil {
				slog.Debug("event feed: write failed", "err", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, m EventMessage) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, m)
}
