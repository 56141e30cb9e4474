// Package audio defines the frame type, PCM helpers and device abstractions
// shared by the capture, transport and playback packages of voicelink.
//
// A [Device] acquires an input source and returns a [Stream], which delivers
// fixed-size blocks of float samples until closed. Hosts embedding voicelink
// implement [Device] for their own microphones; capture.ReaderDevice and
// mock.Device are the in-tree implementations.
//
// Sample data is always 16-bit signed little-endian PCM unless a frame is
// explicitly documented to carry an encoded container (inbound frames before
// playback decoding).
package audio

import "time"

// Fixed outbound capture format.
const (
	CaptureSampleRate = 16000
	CaptureChannels   = 1
)

// BytesPerSample is the width of one PCM16 sample.
const BytesPerSample = 2

// AudioFrame is one unit of audio exchanged with the remote endpoint.
// Frames are treated as immutable once constructed: nothing in this module
// writes to Data after the frame has been handed on.
type AudioFrame struct {
	// Data is the audio payload. Outbound frames carry raw PCM16 samples;
	// inbound frames carry whatever the counterpart sends (typically a
	// self-describing container) until a playback decoder turns them into PCM16.
	Data []byte

	// SampleRate in Hz (16000 for captured audio).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int
}

// Format returns the sample rate and channel count of the frame.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Samples returns the number of PCM16 sample frames (per channel) in Data.
// Returns 0 when the format is unset.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / (BytesPerSample * f.Channels)
}

// Seconds returns the play time of a PCM16 frame in seconds.
func (f AudioFrame) Seconds() float64 {
	if f.SampleRate <= 0 {
		return 0
	}
	return float64(f.Samples()) / float64(f.SampleRate)
}

// Duration is [AudioFrame.Seconds] as a [time.Duration].
func (f AudioFrame) Duration() time.Duration {
	return time.Duration(f.Seconds() * float64(time.Second))
}
