// Package capture turns a live input stream into outbound wire frames.
//
// A [Pipeline] owns one [audio.Device] for the duration of a session. Every
// block delivered by the device is converted to 16 kHz mono PCM16, wrapped in
// an [audio.AudioFrame], encoded with the frame codec and handed to a
// [Sender]. The pipeline keeps no buffering state of its own: blocks are
// forwarded in arrival order, each independently.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/frame"
)

var (
	// ErrDeviceAcquisition is returned by [Pipeline.Start] when the capture
	// device cannot be opened. It is fatal to session start and never retried.
	ErrDeviceAcquisition = errors.New("capture: device acquisition failed")

	// ErrAlreadyStarted is returned by [Pipeline.Start] on a running pipeline.
	ErrAlreadyStarted = errors.New("capture: pipeline already started")
)

// Sender accepts encoded frames. transport.Session implements it. Send must
// not block and reports whether the frame was accepted.
type Sender interface {
	Send(b []byte) bool
}

// Counters is a snapshot of the pipeline's block accounting.
type Counters struct {
	// Blocks is the number of blocks received from the device.
	Blocks int64
	// Sent is the number of frames the sender accepted.
	Sent int64
	// Dropped is the number of frames the sender refused.
	Dropped int64
	// EncodeErrors is the number of blocks that could not be encoded.
	EncodeErrors int64
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithConstraints overrides the block size and processing hints. The sample
// format is always forced to [audio.CaptureSampleRate] mono.
func WithConstraints(c audio.Constraints) Option {
	return func(p *Pipeline) {
		if c.BlockSize > 0 {
			p.constraints.BlockSize = c.BlockSize
		}
		p.constraints.EchoCancellation = c.EchoCancellation
		p.constraints.NoiseSuppression = c.NoiseSuppression
		p.constraints.AutoGainControl = c.AutoGainControl
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// Pipeline forwards captured blocks to a [Sender].
//
// All methods are safe for concurrent use.
type Pipeline struct {
	device      audio.Device
	sender      Sender
	constraints audio.Constraints
	log         *slog.Logger

	blocks       atomic.Int64
	sent         atomic.Int64
	dropped      atomic.Int64
	encodeErrors atomic.Int64

	mu     sync.Mutex
	stream audio.Stream
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped pipeline reading from device and writing to sender.
func New(device audio.Device, sender Sender, opts ...Option) *Pipeline {
	p := &Pipeline{
		device:      device,
		sender:      sender,
		constraints: audio.DefaultConstraints(),
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	p.constraints.SampleRate = audio.CaptureSampleRate
	p.constraints.Channels = audio.CaptureChannels
	return p
}

// Start acquires the device and begins forwarding blocks. If acquisition
// fails the returned error wraps [ErrDeviceAcquisition] and nothing is
// started. The pipeline runs until [Pipeline.Stop] is called, ctx is
// cancelled, or the device stream ends; in every case the device is released.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream != nil {
		return ErrAlreadyStarted
	}

	stream, err := p.device.Open(ctx, p.constraints)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceAcquisition, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.stream = stream
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.run(runCtx, stream, p.done)

	p.log.Info("capture: started",
		"sample_rate", p.constraints.SampleRate,
		"block_size", p.constraints.BlockSize,
	)
	return nil
}

// Stop releases the device and waits for the forwarding goroutine to exit.
// It is safe to call Stop more than once and on a pipeline that was never
// started.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the pipeline currently holds the device.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream != nil
}

// Done returns a channel that is closed when the current run ends, or nil if
// the pipeline has never been started.
func (p *Pipeline) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Counters returns a snapshot of the block accounting since creation.
func (p *Pipeline) Counters() Counters {
	return Counters{
		Blocks:       p.blocks.Load(),
		Sent:         p.sent.Load(),
		Dropped:      p.dropped.Load(),
		EncodeErrors: p.encodeErrors.Load(),
	}
}

func (p *Pipeline) run(ctx context.Context, stream audio.Stream, done chan struct{}) {
	defer close(done)
	defer p.release(stream)

	blocks := stream.Blocks()
	for {
		select {
		case <-ctx.Done():
			return
		case block, ok := <-blocks:
			if !ok {
				p.log.Info("capture: device stream ended")
				return
			}
			p.forward(block)
		}
	}
}

// forward converts, encodes and sends one block.
func (p *Pipeline) forward(block []float32) {
	p.blocks.Add(1)

	f := audio.AudioFrame{
		Data:       audio.EncodeFloat32(block),
		SampleRate: p.constraints.SampleRate,
		Channels:   p.constraints.Channels,
	}
	b, err := frame.EncodeAudio(f)
	if err != nil {
		p.encodeErrors.Add(1)
		p.log.Debug("capture: dropping block", "samples", len(block), "err", err)
		return
	}
	if p.sender.Send(b) {
		p.sent.Add(1)
	} else {
		p.dropped.Add(1)
	}
}

func (p *Pipeline) release(stream audio.Stream) {
	if err := stream.Close(); err != nil {
		p.log.Warn("capture: close device", "err", err)
	}
	// Unblock a producer that is mid-send on an unbuffered channel.
	go audio.Drain(stream.Blocks())

	p.mu.Lock()
	p.stream = nil
	p.cancel()
	p.cancel = nil
	p.mu.Unlock()

	p.log.Info("capture: stopped")
}
