// Package guidance talks to the remote shooting-guidance service and turns
// its answers into the responses served by the duplex HTTP API.
//
// The remote service offers three operations: pose suggestions for a camera
// frame, a chat reply for a user utterance, and text-to-speech returning an
// audio URL. [Client] wraps them behind a circuit breaker. [Service] combines
// them and falls back to a canned answer when the remote side is unavailable,
// so every response keeps the same JSON shape.
package guidance

// Source reports where the data in a response came from.
type Source string

const (
	// SourceRemote means every remote call succeeded.
	SourceRemote Source = "remote"

	// SourceFallback means the primary remote call failed and the canned
	// answer was served.
	SourceFallback Source = "fallback"

	// SourcePartial means the primary call succeeded but speech synthesis did
	// not, so the audio URL is null.
	SourcePartial Source = "partial"
)

// SourceHeader is the response header carrying the [Source] of a reply.
const SourceHeader = "X-Guidance-Source"

// PoseSuggestion is one recommended pose.
type PoseSuggestion struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Priority int      `json:"priority"`
	Tips     []string `json:"tips"`
}

// Overlay is the hint drawn over the camera preview.
type Overlay struct {
	TextHint     string `json:"textHint"`
	HintImageURL string `json:"hintImageUrl"`
}

// FrameRequest is one camera frame submitted for analysis.
type FrameRequest struct {
	SessionID string
	Image     []byte
	Filename  string

	// UserIntent is free text describing what the user wants, e.g. the last
	// recognised utterance. Optional.
	UserIntent string

	// Meta is an opaque JSON document forwarded as-is. Optional.
	Meta string
}

// FrameAnalysis is the answer to a [FrameRequest].
type FrameAnalysis struct {
	SessionID       string           `json:"sessionId"`
	PoseSuggestions []PoseSuggestion `json:"poseSuggestions"`
	Overlay         Overlay          `json:"overlay"`
	VoiceGuideText  string           `json:"voiceGuideText"`
	AudioURL        *string          `json:"audioUrl"`
}

// VoiceTextRequest is the JSON body of a voice text request.
type VoiceTextRequest struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

// VoiceReply is the answer to a user utterance.
type VoiceReply struct {
	SessionID          string  `json:"sessionId"`
	AssistantReplyText string  `json:"assistantReplyText"`
	VoiceReplyText     string  `json:"voiceReplyText"`
	AudioURL           *string `json:"audioUrl"`
}

// poseSugResponse is the remote pose suggestion payload.
type poseSugResponse struct {
	SessionID       string           `json:"sessionId"`
	PoseImageURL    string           `json:"poseImageUrl"`
	GuideText       string           `json:"guideText"`
	VoiceAudioText  string           `json:"voiceAudioText"`
	PoseSuggestions []PoseSuggestion `json:"poseSuggestions"`
}

// ChatReply is the remote chat payload.
type ChatReply struct {
	ReplyText string `json:"replyText"`
	VoiceText string `json:"voiceText"`
}

type textRequest struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type ttsResponse struct {
	AudioURL string `json:"audioUrl"`
}
