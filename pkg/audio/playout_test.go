package audio_test

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/duplex/pkg/audio"
)

// syncBuffer is a goroutine-safe bytes.Buffer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func TestPlayout_StoppedDoesNotDrain(t *testing.T) {
	t.Parallel()
	out := &syncBuffer{}
	p := audio.NewPlayout(audio.Contract, out, audio.WithPlayoutPeriod(time.Millisecond))
	defer p.Close()

	if _, err := p.Write(make([]byte, 640)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := p.Pending(); got != 640 {
		t.Errorf("Pending = %d, want 640", got)
	}
	if out.Len() != 0 {
		t.Errorf("output = %d bytes, want 0", out.Len())
	}
	if p.State() != audio.Stopped {
		t.Errorf("State = %v, want STOPPED", p.State())
	}
}

func TestPlayout_PlayDrains(t *testing.T) {
	t.Parallel()
	out := &syncBuffer{}
	p := audio.NewPlayout(audio.Contract, out, audio.WithPlayoutPeriod(time.Millisecond))
	defer p.Close()

	if _, err := p.Write(make([]byte, 320)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := p.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for out.Len() < 320 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if out.Len() != 320 {
		t.Fatalf("output = %d bytes, want 320", out.Len())
	}
	if p.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", p.Pending())
	}
}

func TestPlayout_PauseFlush(t *testing.T) {
	t.Parallel()
	p := audio.NewPlayout(audio.Contract, &syncBuffer{})
	defer p.Close()

	_ = p.Play()
	_ = p.Pause()
	if _, err := p.Write(make([]byte, 4000)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := p.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if p.Pending() != 0 {
		t.Errorf("Pending after Flush = %d, want 0", p.Pending())
	}
	if p.State() != audio.Paused {
		t.Errorf("State = %v, want PAUSED", p.State())
	}
}

func TestPlayout_Limit(t *testing.T) {
	t.Parallel()
	p := audio.NewPlayout(audio.Contract, &syncBuffer{}, audio.WithPlayoutLimit(100*time.Millisecond))
	defer p.Close()

	if _, err := p.Write(make([]byte, 3200)); err != nil {
		t.Fatalf("Write within limit: %v", err)
	}
	if _, err := p.Write(make([]byte, 2)); !errors.Is(err, audio.ErrPlayoutFull) {
		t.Errorf("Write over limit = %v, want ErrPlayoutFull", err)
	}
}

func TestPlayout_Closed(t *testing.T) {
	t.Parallel()
	p := audio.NewPlayout(audio.Contract, &syncBuffer{})
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := p.Write([]byte{0, 0}); !errors.Is(err, audio.ErrDeviceClosed) {
		t.Errorf("Write after Close = %v, want ErrDeviceClosed", err)
	}
	if err := p.Play(); !errors.Is(err, audio.ErrDeviceClosed) {
		t.Errorf("Play after Close = %v, want ErrDeviceClosed", err)
	}
}
