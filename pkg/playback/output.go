package playback

import (
	"context"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
)

const defaultRenderPeriod = 20 * time.Millisecond

// StreamOutput is a software output device. Scheduled buffers are converted
// to the device format and kept on a timeline; [StreamOutput.Run] renders
// that timeline as PCM16 LE to an io.Writer in real time. The clock is the
// rendered sample position, so it only advances while rendering.
//
// Buffers that overlap are summed with clamping. Silence is rendered where
// nothing is scheduled.
type StreamOutput struct {
	w      io.Writer
	format audio.Format
	period time.Duration

	mu      sync.Mutex
	pos     int64 // rendered sample frames
	pending []span
}

type span struct {
	start int64 // sample frame on the device timeline
	pcm   []int16
}

func (s span) end(channels int) int64 {
	return s.start + int64(len(s.pcm)/channels)
}

// OutputOption configures a [StreamOutput].
type OutputOption func(*StreamOutput)

// WithRenderPeriod sets how much audio Run renders per tick. Defaults to 20ms.
func WithRenderPeriod(d time.Duration) OutputOption {
	return func(o *StreamOutput) {
		if d > 0 {
			o.period = d
		}
	}
}

// NewStreamOutput creates an output rendering format to w.
func NewStreamOutput(w io.Writer, format audio.Format, opts ...OutputOption) (*StreamOutput, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("playback: output: invalid format %s", format)
	}
	o := &StreamOutput{w: w, format: format, period: defaultRenderPeriod}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Format returns the device format.
func (o *StreamOutput) Format() audio.Format { return o.format }

// Now implements [Clock].
func (o *StreamOutput) Now() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return float64(o.pos) / float64(o.format.SampleRate)
}

// Schedule implements [Output]. Buffers whose start time has already been
// rendered start at the current position.
func (o *StreamOutput) Schedule(buf audio.AudioFrame, at float64) error {
	conv, err := audio.Convert(buf, o.format)
	if err != nil {
		return err
	}
	pcm := audio.BytesToInt16s(conv.Data)
	if len(pcm) == 0 {
		return nil
	}

	start := int64(math.Round(at * float64(o.format.SampleRate)))

	o.mu.Lock()
	defer o.mu.Unlock()
	if start < o.pos {
		start = o.pos
	}
	o.pending = append(o.pending, span{start: start, pcm: pcm})
	return nil
}

// Pending returns the number of buffers not yet fully rendered.
func (o *StreamOutput) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Render mixes the next frames sample frames of the timeline, advances the
// clock by that amount and returns the PCM16 LE bytes.
func (o *StreamOutput) Render(frames int) []byte {
	if frames <= 0 {
		return nil
	}
	ch := o.format.Channels
	mix := make([]int32, frames*ch)

	o.mu.Lock()
	from, to := o.pos, o.pos+int64(frames)
	keep := o.pending[:0]
	for _, s := range o.pending {
		end := s.end(ch)
		if s.start < to && end > from {
			lo := max(s.start, from)
			hi := min(end, to)
			for f := lo; f < hi; f++ {
				src := int(f-s.start) * ch
				dst := int(f-from) * ch
				for c := range ch {
					mix[dst+c] += int32(s.pcm[src+c])
				}
			}
		}
		if end > to {
			keep = append(keep, s)
		}
	}
	clear(o.pending[len(keep):])
	o.pending = keep
	o.pos = to
	o.mu.Unlock()

	out := make([]int16, len(mix))
	for i, v := range mix {
		out[i] = int16(max(-32768, min(32767, v)))
	}
	return audio.Int16sToBytes(out)
}

// Run renders one period per tick until ctx is cancelled or a write fails.
func (o *StreamOutput) Run(ctx context.Context) error {
	frames := int(int64(o.format.SampleRate) * int64(o.period) / int64(time.Second))
	if frames <= 0 {
		frames = 1
	}
	t := time.NewTicker(o.period)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := o.w.Write(o.Render(frames)); err != nil {
				return fmt.Errorf("playback: output write: %w", err)
			}
		}
	}
}
