package openai

import (
	"context"
	"errors"
	"io"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/MrWong99/duplex/pkg/engine"
)

// readChunk is the number of 24 kHz bytes read per chunk: 100 ms, a multiple
// of 6 bytes so every chunk resamples to whole 16 kHz samples.
const readChunk = 4800

// Synthesize implements [engine.Synthesizer]. The response body is streamed,
// resampled to req.Format (the audio contract when zero) and delivered in
// 100 ms chunks.
func (p *Provider) Synthesize(ctx context.Context, req engine.Request, sink engine.Sink) error {
	client, err := p.api()
	if err != nil {
		return &engine.StartError{Code: engine.CodeUnknown, Err: err}
	}
	voice := req.Voice.ID
	if voice == "" {
		voice = p.voice
	}
	dst := req.Format
	if dst.SampleRate == 0 {
		dst = audio.Contract
	}

	params := oai.AudioSpeechNewParams{
		Input:          req.Text,
		Model:          oai.SpeechModel(p.ttsModel),
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if req.Voice.Speed > 0 {
		params.Speed = param.NewOpt(req.Voice.Speed)
	}

	resp, err := client.Audio.Speech.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &engine.StartError{Code: statusCode(err), Err: apiError("speech", err)}
	}
	defer resp.Body.Close()

	buf := make([]byte, readChunk)
	for {
		n, err := io.ReadFull(resp.Body, buf)
		if n > 0 {
			pcm := buf[:n-n%2]
			out := audio.ResampleMono16(pcm, speechSampleRate, dst.SampleRate)
			if len(out) > 0 {
				chunk := make([]byte, len(out))
				copy(chunk, out)
				sink(engine.Synthesized{PCM: chunk, Tag: req.Tag})
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &engine.RuntimeError{Code: engine.CodeTransport, Message: err.Error()}
		}
	}
}
