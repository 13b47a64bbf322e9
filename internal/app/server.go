package app

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrWong99/duplex/internal/observe"
	"github.com/MrWong99/duplex/internal/resilience"
	"github.com/MrWong99/duplex/internal/voice"
	"github.com/MrWong99/duplex/pkg/engine"
)

// maxSpeakBody bounds the JSON body of a speak request.
const maxSpeakBody = 64 << 10

// SpeakRequest is the body of POST /api/voice/speak.
type SpeakRequest struct {
	Text string `json:"text"`
}

// SpeakResponse is returned by POST /api/voice/speak.
type SpeakResponse struct {
	Tag string `json:"tag"`
}

// SessionStatus describes one voice session in GET /api/voice/status.
type SessionStatus struct {
	Configured bool   `json:"configured"`
	State      string `json:"state,omitempty"`
	Engine     string `json:"engine,omitempty"`
	EngineRefs int    `json:"engineRefs"`

	// Failover reports the breaker state of each member of a fallback chain.
	Failover map[string]string `json:"failover,omitempty"`
}

// StatusResponse is returned by GET /api/voice/status.
type StatusResponse struct {
	Capture     SessionStatus `json:"capture"`
	Synthesis   SessionStatus `json:"synthesis"`
	Breaker     string        `json:"breaker,omitempty"`
	Subscribers int           `json:"subscribers"`
	Assistant   string        `json:"assistantSessionId,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code,omitempty"`
}

func (a *App) registerVoiceRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/voice/listen/start", a.handleListenStart)
	mux.HandleFunc("POST /api/voice/listen/stop", a.handleListenStop)
	mux.HandleFunc("POST /api/voice/speak", a.handleSpeak)
	mux.HandleFunc("POST /api/voice/speak/stop", a.handleSpeakStop)
	mux.HandleFunc("GET /api/voice/status", a.handleStatus)
}

func (a *App) handleListenStart(w http.ResponseWriter, r *http.Request) {
	if a.capture == nil {
		writeError(w, http.StatusServiceUnavailable, "capture is not configured", 0)
		return
	}
	// A nil listener keeps the hub (and assistant) wired in New.
	if err := a.capture.Start(r.Context(), nil); err != nil {
		observe.Logger(r.Context()).Warn("listen start failed", "err", err)
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.status())
}

func (a *App) handleListenStop(w http.ResponseWriter, r *http.Request) {
	if a.capture == nil {
		writeError(w, http.StatusServiceUnavailable, "capture is not configured", 0)
		return
	}
	if err := a.capture.Stop(); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.status())
}

func (a *App) handleSpeak(w http.ResponseWriter, r *http.Request) {
	if a.synthesis == nil {
		writeError(w, http.StatusServiceUnavailable, "synthesis is not configured", 0)
		return
	}
	var req SpeakRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSpeakBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", 0)
		return
	}
	tag, err := a.synthesis.Synthesize(r.Context(), req.Text, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("speak failed", "err", err)
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SpeakResponse{Tag: tag})
}

func (a *App) handleSpeakStop(w http.ResponseWriter, _ *http.Request) {
	if a.synthesis == nil {
		writeError(w, http.StatusServiceUnavailable, "synthesis is not configured", 0)
		return
	}
	if err := a.synthesis.Stop(); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.status())
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.status())
}

func (a *App) status() StatusResponse {
	st := StatusResponse{Subscribers: a.hub.Subscribers()}
	if a.capture != nil {
		st.Capture = sessionStatus(a.capture.State(), a.captureRT)
	}
	if a.synthesis != nil {
		st.Synthesis = sessionStatus(a.synthesis.State(), a.synthRT)
	}
	if a.breaker != nil {
		st.Breaker = a.breaker.State().String()
	}
	if a.assistant != nil {
		st.Assistant = a.assistant.SessionID()
	}
	return st
}

// failoverChain is implemented by the resilience fallbacks.
type failoverChain interface {
	States() map[string]resilience.State
}

func sessionStatus(s voice.State, rt *engine.Runtime) SessionStatus {
	st := SessionStatus{
		Configured: true,
		State:      s.String(),
		Engine:     rt.Name(),
		EngineRefs: rt.Refs(),
	}
	if chain, ok := rt.Backend().(failoverChain); ok {
		st.Failover = make(map[string]string)
		for name, state := range chain.States() {
			st.Failover[name] = state.String()
		}
	}
	return st
}

// writeSessionError maps voice session errors to HTTP statuses.
func writeSessionError(w http.ResponseWriter, err error) {
	var startErr *voice.EngineStartError
	switch {
	case errors.Is(err, voice.ErrEmptyText):
		writeError(w, http.StatusBadRequest, err.Error(), 0)
	case errors.Is(err, voice.ErrDestroyed):
		writeError(w, http.StatusGone, err.Error(), 0)
	case errors.Is(err, voice.ErrInvalidState), errors.Is(err, voice.ErrStartCancelled):
		writeError(w, http.StatusConflict, err.Error(), 0)
	case errors.As(err, &startErr):
		writeError(w, http.StatusBadGateway, err.Error(), startErr.Code)
	case errors.Is(err, voice.ErrDeviceUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error(), 0)
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), 0)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, code int) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
