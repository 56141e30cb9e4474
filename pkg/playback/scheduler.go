// Package playback schedules received audio for gap-free playback.
//
// Frames arrive at arbitrary, possibly bursty intervals. The [Scheduler]
// decodes each one and places it on the output device's clock directly after
// the previous frame, so steady arrivals play back to back without overlap.
// When no frame has arrived for longer than the gap threshold the cursor is
// resynchronised to "now" instead of scheduling into the past.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// DefaultGapThreshold is the silence, in seconds, after which the cursor is
// reset instead of continuing from the previous frame.
const DefaultGapThreshold = 1.0

// ErrNotPlaying is returned by [Scheduler.Enqueue] when the playing flag is
// cleared. The frame is discarded without being decoded.
var ErrNotPlaying = errors.New("playback: not playing")

// Clock is the output device's sample clock in seconds.
type Clock interface {
	Now() float64
}

// Output is an audio device that accepts buffers scheduled on its own clock.
// Buffers scheduled at a time already in the past start immediately.
type Output interface {
	Clock
	Schedule(buf audio.AudioFrame, at float64) error
}

// Cursor is the scheduler's bookkeeping of where the next buffer starts.
type Cursor struct {
	// NextStartTime is where, on the output clock, the next buffer begins.
	NextStartTime float64
	// LastArrivalTime is the output clock time at which the last frame arrived.
	LastArrivalTime float64

	primed bool
}

// Primed reports whether a frame has been scheduled since playback started.
func (c Cursor) Primed() bool { return c.primed }

// Counters is a snapshot of scheduler accounting.
type Counters struct {
	Scheduled    int64
	Discarded    int64
	DecodeErrors int64
	OutputErrors int64
	GapResets    int64
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithGapThreshold overrides [DefaultGapThreshold]. Non-positive values are
// ignored.
func WithGapThreshold(seconds float64) Option {
	return func(s *Scheduler) {
		if seconds > 0 {
			s.threshold = seconds
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// Scheduler owns the playback cursor. Enqueue is meant to be called from a
// single goroutine in frame arrival order; Start and Stop may be called from
// anywhere.
type Scheduler struct {
	out       Output
	dec       Decoder
	threshold float64
	log       *slog.Logger

	scheduled    atomic.Int64
	discarded    atomic.Int64
	decodeErrors atomic.Int64
	outputErrors atomic.Int64
	gapResets    atomic.Int64

	mu      sync.Mutex
	playing bool
	cursor  Cursor
}

// NewScheduler creates a stopped scheduler writing to out and decoding with dec.
func NewScheduler(out Output, dec Decoder, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:       out,
		dec:       dec,
		threshold: DefaultGapThreshold,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start sets the playing flag. The next frame resynchronises the cursor.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = true
	s.cursor = Cursor{}
}

// Stop clears the playing flag. Buffers already handed to the output are
// not recalled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = false
}

// Playing reports the playing flag.
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Cursor returns a copy of the playback cursor.
func (s *Scheduler) Cursor() Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Counters returns a snapshot of scheduler accounting since creation.
func (s *Scheduler) Counters() Counters {
	return Counters{
		Scheduled:    s.scheduled.Load(),
		Discarded:    s.discarded.Load(),
		DecodeErrors: s.decodeErrors.Load(),
		OutputErrors: s.outputErrors.Load(),
		GapResets:    s.gapResets.Load(),
	}
}

// Enqueue decodes f and schedules it. It returns the output clock time at
// which the buffer starts.
//
// While not playing the frame is discarded undecoded and [ErrNotPlaying] is
// returned. Decode and output failures drop the frame, leave the cursor
// unchanged and return an error wrapping the cause.
func (s *Scheduler) Enqueue(f audio.AudioFrame) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.playing {
		s.discarded.Add(1)
		return 0, ErrNotPlaying
	}

	buf, err := s.dec.Decode(f)
	if err != nil {
		s.decodeErrors.Add(1)
		s.log.Warn("playback: dropping frame", "bytes", len(f.Data), "err", err)
		return 0, err
	}

	now := s.out.Now()
	next := s.cursor
	reset := !next.primed || now-next.LastArrivalTime > s.threshold
	if reset {
		next.NextStartTime = now
	}
	next.LastArrivalTime = now
	next.primed = true

	at := next.NextStartTime
	if err := s.out.Schedule(buf, at); err != nil {
		s.outputErrors.Add(1)
		s.log.Warn("playback: output rejected buffer", "format", buf.Format().String(), "err", err)
		return 0, fmt.Errorf("playback: schedule: %w", err)
	}
	next.NextStartTime += buf.Seconds()
	s.cursor = next

	s.scheduled.Add(1)
	if reset {
		s.gapResets.Add(1)
	}
	s.log.Debug("playback: scheduled",
		"at", at,
		"lead", at-now,
		"duration", buf.Seconds(),
		"reset", reset,
	)
	return at, nil
}
