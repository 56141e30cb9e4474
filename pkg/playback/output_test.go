package playback_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/playback"
)

func newOutput(t *testing.T, rate, channels int) *playback.StreamOutput {
	t.Helper()
	o, err := playback.NewStreamOutput(&bytes.Buffer{}, audio.Format{SampleRate: rate, Channels: channels})
	if err != nil {
		t.Fatalf("NewStreamOutput: %v", err)
	}
	return o
}

func frameOf(rate int, samples ...int16) audio.AudioFrame {
	return audio.AudioFrame{Data: audio.Int16sToBytes(samples), SampleRate: rate, Channels: 1}
}

func TestStreamOutput_PlacesBufferAtOffset(t *testing.T) {
	o := newOutput(t, 10, 1) // 10 Hz: one sample per 0.1s

	if err := o.Schedule(frameOf(10, 100, 200), 0.3); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	got := audio.BytesToInt16s(o.Render(6))
	want := []int16{0, 0, 0, 100, 200, 0}
	assertInt16s(t, got, want)

	if now := o.Now(); now != 0.6 {
		t.Errorf("Now = %v, want 0.6", now)
	}
	if o.Pending() != 0 {
		t.Errorf("pending = %d, want 0", o.Pending())
	}
}

func TestStreamOutput_SpansRenderCalls(t *testing.T) {
	o := newOutput(t, 10, 1)
	if err := o.Schedule(frameOf(10, 1, 2, 3, 4), 0.1); err != nil {
		t.Fatal(err)
	}
	assertInt16s(t, audio.BytesToInt16s(o.Render(3)), []int16{0, 1, 2})
	if o.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", o.Pending())
	}
	assertInt16s(t, audio.BytesToInt16s(o.Render(3)), []int16{3, 4, 0})
}

func TestStreamOutput_OverlapSumsWithClamping(t *testing.T) {
	o := newOutput(t, 10, 1)
	_ = o.Schedule(frameOf(10, 30000, 10), 0)
	_ = o.Schedule(frameOf(10, 30000, 20), 0)
	assertInt16s(t, audio.BytesToInt16s(o.Render(2)), []int16{32767, 30})
}

func TestStreamOutput_PastStartPlaysImmediately(t *testing.T) {
	o := newOutput(t, 10, 1)
	o.Render(5)
	_ = o.Schedule(frameOf(10, 9), 0.1)
	assertInt16s(t, audio.BytesToInt16s(o.Render(1)), []int16{9})
}

func TestStreamOutput_ConvertsFormat(t *testing.T) {
	o := newOutput(t, 10, 2)
	_ = o.Schedule(frameOf(10, 5, 6), 0)
	assertInt16s(t, audio.BytesToInt16s(o.Render(2)), []int16{5, 5, 6, 6})

	if err := o.Schedule(audio.AudioFrame{Data: []byte{1}, SampleRate: 10, Channels: 1}, 0); err == nil {
		t.Error("expected error for misaligned buffer")
	}
}

func TestNewStreamOutput_InvalidFormat(t *testing.T) {
	if _, err := playback.NewStreamOutput(&bytes.Buffer{}, audio.Format{}); err == nil {
		t.Error("expected error for invalid format")
	}
}

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

func TestStreamOutput_RunAdvancesClock(t *testing.T) {
	w := &syncBuffer{}
	o, err := playback.NewStreamOutput(w, audio.Format{SampleRate: 1000, Channels: 1}, playback.WithRenderPeriod(5*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for o.Now() < 0.02 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if o.Now() < 0.02 {
		t.Fatalf("clock did not advance: %v", o.Now())
	}
	// Whole periods of 5 samples, 2 bytes each.
	if n := w.Len(); n < 40 || n%10 != 0 {
		t.Errorf("wrote %d bytes, want whole 5-sample periods covering 20ms", n)
	}
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestStreamOutput_RunStopsOnWriteError(t *testing.T) {
	o, err := playback.NewStreamOutput(failWriter{}, audio.Format{SampleRate: 1000, Channels: 1}, playback.WithRenderPeriod(time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Run(context.Background()); err == nil {
		t.Error("expected write error")
	}
}

func assertInt16s(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
