package audio

import (
	"fmt"
	"time"
)

// Format describes raw linear PCM: sample rate, channel count and bit depth.
// Samples are signed little-endian integers with channels interleaved.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// Contract is the fixed format shared by capture devices, recognition engines,
// synthesis engines and playback devices: 16 kHz, mono, 16-bit raw PCM.
var Contract = Format{SampleRate: 16000, Channels: 1, BitDepth: 16}

// FrameSize is the number of bytes read from a capture device per loop
// iteration: 640 samples, 40 ms at [Contract].
const FrameSize = 1280

// BytesPerSecond returns the byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitDepth / 8
}

// Duration returns the playback duration of n bytes in this format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Bytes returns the number of bytes covering d, aligned to whole samples.
func (f Format) Bytes(d time.Duration) int {
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	align := f.Channels * f.BitDepth / 8
	if align > 0 {
		n -= n % align
	}
	return n
}

// Validate reports whether the format is usable.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("audio: channels must be positive, got %d", f.Channels)
	}
	if f.BitDepth != 16 {
		return fmt.Errorf("audio: only 16-bit PCM is supported, got %d", f.BitDepth)
	}
	return nil
}

// String returns a human-readable description, e.g. "16000Hz mono s16le".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s s%dle", f.SampleRate, ch, f.BitDepth)
}
