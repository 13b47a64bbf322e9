package openai

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/MrWong99/duplex/pkg/engine"
)

const (
	// speechRMS is the RMS energy (16-bit sample units) above which a chunk
	// counts as speech.
	speechRMS = 300.0

	flushTimeout = 30 * time.Second
)

// StartSession implements [engine.Recognizer]. No network connection is made
// until the first utterance is complete.
func (p *Provider) StartSession(ctx context.Context, cfg engine.StreamConfig, sink engine.Sink) (engine.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, &engine.StartError{Code: engine.CodeUnknown, Err: err}
	}
	client, err := p.api()
	if err != nil {
		return nil, &engine.StartError{Code: engine.CodeUnknown, Err: err}
	}
	f := cfg.Format
	if f.SampleRate == 0 {
		f = audio.Contract
	}
	model := p.sttModel
	if cfg.Domain != "" {
		model = cfg.Domain
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		client:   client,
		model:    model,
		language: cfg.Language,
		format:   f,
		silence:  p.silence,
		maxBytes: f.Bytes(p.maxUtterance),
		sink:     sink,
		audioCh:  make(chan []byte, 256),
		closing:  make(chan struct{}),
		ctx:      sctx,
		cancel:   cancel,
	}
	go s.processLoop()
	return s, nil
}

// session buffers audio and transcribes it one utterance at a time. All
// buffering state is confined to processLoop.
type session struct {
	client   *oai.Client
	model    string
	language string
	format   audio.Format
	silence  time.Duration
	maxBytes int
	sink     engine.Sink

	audioCh chan []byte
	closing chan struct{}
	ended   atomic.Bool
	endOnce sync.Once
	ctx     context.Context
	cancel  context.CancelFunc
}

// Ingest queues a frame without blocking.
func (s *session) Ingest(frame []byte) error {
	if s.ended.Load() {
		return engine.ErrSessionClosed
	}
	select {
	case s.audioCh <- frame:
		return nil
	default:
		return engine.ErrBackpressure
	}
}

// End finishes the session. A graceful end transcribes the buffered
// utterance in the background; an abort discards it.
func (s *session) End(abort bool) error {
	s.endOnce.Do(func() {
		s.ended.Store(true)
		if abort {
			s.cancel()
			return
		}
		close(s.closing)
	})
	return nil
}

func (s *session) processLoop() {
	defer s.cancel()

	var (
		buffer     []byte
		inSpeech   bool
		silenceFor time.Duration
	)

	flush := func(ctx context.Context) {
		pcm := buffer
		hadSpeech := inSpeech
		buffer, inSpeech, silenceFor = nil, false, 0
		if !hadSpeech || len(pcm) == 0 {
			return
		}
		s.transcribe(ctx, pcm)
	}

	handle := func(chunk []byte) {
		s.sink(engine.VolumeSample{Level: audio.Level(chunk)})
		if audio.RMS(chunk) < speechRMS {
			if !inSpeech {
				return
			}
			buffer = append(buffer, chunk...)
			silenceFor += s.format.Duration(len(chunk))
			if silenceFor >= s.silence {
				flush(s.ctx)
			}
			return
		}
		if !inSpeech {
			inSpeech = true
			s.sink(engine.BeginOfSpeech{})
		}
		silenceFor = 0
		buffer = append(buffer, chunk...)
		if s.maxBytes > 0 && len(buffer) >= s.maxBytes {
			flush(s.ctx)
		}
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case chunk := <-s.audioCh:
			handle(chunk)
		case <-s.closing:
			for len(s.audioCh) > 0 {
				handle(<-s.audioCh)
			}
			fctx, cancel := context.WithTimeout(s.ctx, flushTimeout)
			flush(fctx)
			cancel()
			return
		}
	}
}

// transcribe uploads one utterance and delivers the result as a final.
func (s *session) transcribe(ctx context.Context, pcm []byte) {
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(audio.EncodeWAV(pcm, s.format)), "utterance.wav", "audio/wav"),
		Model: oai.AudioModel(s.model),
	}
	if s.language != "" {
		params.Language = param.NewOpt(s.language)
	}
	resp, err := s.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.sink(engine.Error{Code: statusCode(err), Message: apiError("transcription", err).Error()})
		return
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return
	}
	s.sink(engine.Recognized{Text: text, IsFinal: true})
}
