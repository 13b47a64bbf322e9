package guidance

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

// maxUploadBytes caps the size of an uploaded frame request.
const maxUploadBytes = 10 << 20

// Handler serves the guidance endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates a Handler backed by svc.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Register adds the guidance routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/frame/analyze", h.AnalyzeFrame)
	mux.HandleFunc("POST /api/voice/text", h.VoiceText)
}

// AnalyzeFrame handles a multipart upload with the fields sessionId and
// image, plus optional userIntent and meta.
func (h *Handler) AnalyzeFrame(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	sessionID := strings.TrimSpace(r.FormValue("sessionId"))
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	file, hdr, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image is required")
		return
	}
	defer file.Close()
	image, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read image: "+err.Error())
		return
	}
	if len(image) == 0 {
		writeError(w, http.StatusBadRequest, "image is empty")
		return
	}

	res, source := h.svc.AnalyzeFrame(r.Context(), FrameRequest{
		SessionID:  sessionID,
		Image:      image,
		Filename:   hdr.Filename,
		UserIntent: r.FormValue("userIntent"),
		Meta:       r.FormValue("meta"),
	})
	w.Header().Set(SourceHeader, string(source))
	writeJSON(w, http.StatusOK, res)
}

// VoiceText handles a JSON [VoiceTextRequest].
func (h *Handler) VoiceText(w http.ResponseWriter, r *http.Request) {
	var req VoiceTextRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, source := h.svc.HandleVoiceText(r.Context(), req.SessionID, req.Text)
	w.Header().Set(SourceHeader, string(source))
	writeJSON(w, http.StatusOK, res)
}

func (r VoiceTextRequest) validate() error {
	var errs []error
	if strings.TrimSpace(r.SessionID) == "" {
		errs = append(errs, errors.New("sessionId is required"))
	}
	if strings.TrimSpace(r.Text) == "" {
		errs = append(errs, errors.New("text is required"))
	}
	return errors.Join(errs...)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
