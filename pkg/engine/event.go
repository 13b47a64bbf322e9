package engine

import "fmt"

// Event is a result produced by a recognition or synthesis engine. It is a
// closed set: the only implementations are [Recognized], [Synthesized],
// [Error], [BeginOfSpeech] and [VolumeSample]. Consumers switch on the
// concrete type:
//
//	switch ev := ev.(type) {
//	case engine.Recognized:
//	case engine.Synthesized:
//	case engine.Error:
//	case engine.BeginOfSpeech:
//	case engine.VolumeSample:
//	}
//
// Events are produced on engine-owned goroutines and must be consumed exactly
// once.
type Event interface {
	event()
}

// Recognized carries recognized text. IsFinal marks the authoritative result
// for an utterance; non-final results are interim hypotheses.
type Recognized struct {
	Text    string
	IsFinal bool
}

// Synthesized carries one chunk of synthesized PCM in the audio contract
// format. Tag identifies the synthesis request the chunk belongs to.
type Synthesized struct {
	PCM []byte
	Tag string
}

// Error reports a mid-stream engine failure or a locally detected condition
// (see the Code* constants). Tag is set for synthesis errors.
type Error struct {
	Code    int
	Message string
	Tag     string
}

// BeginOfSpeech reports that the engine detected the start of speech.
type BeginOfSpeech struct{}

// VolumeSample reports the input level on a 0–100 scale.
type VolumeSample struct {
	Level float64
}

func (Recognized) event()    {}
func (Synthesized) event()   {}
func (Error) event()         {}
func (BeginOfSpeech) event() {}
func (VolumeSample) event()  {}

// String implements fmt.Stringer for log output.
func (e Error) String() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// Sink receives events from an engine. A sink is called synchronously on the
// engine's goroutine and must not block.
type Sink func(Event)
