package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/duplex/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestStereoToMono(t *testing.T) {
	stereo := samplesToBytes([]int16{100, 200, -100, -200})
	got := bytesToSamples(audio.StereoToMono(stereo))
	want := []int16{150, -150}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResampleMono16_SameRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 16000, 16000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_Downsample24kTo16k(t *testing.T) {
	pcm := samplesToBytes(make([]int16, 2400))
	out := audio.ResampleMono16(pcm, 24000, 16000)
	if got, want := len(out)/2, 1600; got != want {
		t.Errorf("samples = %d, want %d", got, want)
	}
}

func TestResampleMono16_Interpolates(t *testing.T) {
	pcm := samplesToBytes([]int16{0, 100})
	got := bytesToSamples(audio.ResampleMono16(pcm, 8000, 16000))
	want := []int16{0, 50, 100, 100}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResampleMono16_ZeroRate(t *testing.T) {
	pcm := samplesToBytes([]int16{1, 2, 3})
	if out := audio.ResampleMono16(pcm, 0, 16000); len(out) != len(pcm) {
		t.Errorf("zero src rate: len = %d, want %d", len(out), len(pcm))
	}
	if out := audio.ResampleMono16(pcm, 16000, 0); len(out) != len(pcm) {
		t.Errorf("zero dst rate: len = %d, want %d", len(out), len(pcm))
	}
}

func TestRMS(t *testing.T) {
	tests := []struct {
		name string
		pcm  []byte
		want float64
	}{
		{name: "empty", pcm: nil, want: 0},
		{name: "silence", pcm: samplesToBytes([]int16{0, 0, 0, 0}), want: 0},
		{name: "constant", pcm: samplesToBytes([]int16{300, -300, 300, -300}), want: 300},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := audio.RMS(tt.pcm); got != tt.want {
				t.Errorf("RMS = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLevel(t *testing.T) {
	if got := audio.Level(samplesToBytes(make([]int16, 640))); got != 0 {
		t.Errorf("Level(silence) = %v, want 0", got)
	}
	loud := make([]int16, 640)
	for i := range loud {
		loud[i] = 32767
	}
	if got := audio.Level(samplesToBytes(loud)); got < 99 || got > 100 {
		t.Errorf("Level(full scale) = %v, want ~100", got)
	}
	quiet := make([]int16, 640)
	for i := range quiet {
		quiet[i] = 328
	}
	if got := audio.Level(samplesToBytes(quiet)); got <= 0 || got >= 50 {
		t.Errorf("Level(-40dB) = %v, want between 0 and 50", got)
	}
}

func TestEncodeWAV(t *testing.T) {
	pcm := samplesToBytes([]int16{1, 2, 3, 4})
	wav := audio.EncodeWAV(pcm, audio.Contract)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("len = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Errorf("missing RIFF/WAVE header")
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 16000 {
		t.Errorf("sample rate = %d, want 16000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != uint32(len(pcm)) {
		t.Errorf("data size = %d, want %d", got, len(pcm))
	}
}

func TestContract(t *testing.T) {
	if err := audio.Contract.Validate(); err != nil {
		t.Fatalf("Contract.Validate: %v", err)
	}
	if got := audio.Contract.BytesPerSecond(); got != 32000 {
		t.Errorf("BytesPerSecond = %d, want 32000", got)
	}
	if got := audio.Contract.Duration(audio.FrameSize); got.Milliseconds() != 40 {
		t.Errorf("frame duration = %v, want 40ms", got)
	}
	if got := audio.Contract.Bytes(audio.Contract.Duration(audio.FrameSize)); got != audio.FrameSize {
		t.Errorf("Bytes(frame duration) = %d, want %d", got, audio.FrameSize)
	}
}

func TestFormat_Validate(t *testing.T) {
	bad := []audio.Format{
		{SampleRate: 0, Channels: 1, BitDepth: 16},
		{SampleRate: 16000, Channels: 0, BitDepth: 16},
		{SampleRate: 16000, Channels: 1, BitDepth: 8},
	}
	for _, f := range bad {
		if err := f.Validate(); err == nil {
			t.Errorf("Validate(%+v) = nil, want error", f)
		}
	}
}
