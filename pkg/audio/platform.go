package audio

import (
	"context"
)

// Constraints describes what the caller requests from a capture [Device].
// The format fields are fixed for a session and never renegotiated.
type Constraints struct {
	// SampleRate is the requested sample rate in Hz. Voicelink always asks
	// for [CaptureSampleRate].
	SampleRate int

	// Channels is the requested channel count. Voicelink always asks for
	// [CaptureChannels].
	Channels int

	// BlockSize is the number of samples per block delivered on
	// [Stream.Blocks]. Devices may deliver a shorter final block.
	BlockSize int

	// EchoCancellation, NoiseSuppression and AutoGainControl are processing
	// hints. Devices that cannot honour them ignore them.
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DefaultConstraints returns the fixed capture format with all processing
// hints enabled and 20 ms blocks.
func DefaultConstraints() Constraints {
	return Constraints{
		SampleRate:       CaptureSampleRate,
		Channels:         CaptureChannels,
		BlockSize:        CaptureSampleRate / 50,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// Format returns the sample format part of c.
func (c Constraints) Format() Format {
	return Format{SampleRate: c.SampleRate, Channels: c.Channels}
}

// Stream is an acquired capture source.
//
// Implementations must be safe for concurrent use.
type Stream interface {
	// Blocks returns the channel of sample blocks. Samples are float32 in
	// [-1, 1], interleaved when Channels > 1. The channel is closed when the
	// source ends or after Close.
	Blocks() <-chan []float32

	// Close releases the underlying device. It is safe to call Close more
	// than once; subsequent calls are no-ops and return nil.
	Close() error
}

// Device is the entry point for an input source.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Open acquires the device and starts delivering blocks. The supplied ctx
	// governs the acquisition only; once open, the stream lives until
	// [Stream.Close] is called.
	//
	// Returns an error if the device cannot be acquired (permission denied,
	// no device, missing file).
	Open(ctx context.Context, c Constraints) (Stream, error)
}
