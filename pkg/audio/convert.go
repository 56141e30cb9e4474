package audio

import (
	"errors"
	"fmt"
)

// ErrMisaligned is returned when PCM16 data does not contain a whole number
// of sample frames for its channel count.
var ErrMisaligned = errors.New("audio: pcm data is not sample aligned")

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Valid reports whether both fields are positive.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Convert returns frame re-expressed in the target format. PCM16 input is
// resampled first and channel-converted second, so a stereo source headed for
// mono is not resampled twice. Frames already in the target format are
// returned unchanged without copying.
//
// Only mono↔stereo channel conversion is supported; other layouts return an
// error.
func Convert(frame AudioFrame, target Format) (AudioFrame, error) {
	if !frame.Format().Valid() || !target.Valid() {
		return AudioFrame{}, fmt.Errorf("audio: convert %s to %s: invalid format", frame.Format(), target)
	}
	if len(frame.Data)%(BytesPerSample*frame.Channels) != 0 {
		return AudioFrame{}, fmt.Errorf("audio: convert %d bytes of %s: %w", len(frame.Data), frame.Format(), ErrMisaligned)
	}
	if frame.Format() == target {
		return frame, nil
	}

	pcm := frame.Data
	if frame.SampleRate != target.SampleRate {
		switch frame.Channels {
		case 1:
			pcm = ResampleMono16(pcm, frame.SampleRate, target.SampleRate)
		case 2:
			pcm = ResampleStereo16(pcm, frame.SampleRate, target.SampleRate)
		default:
			return AudioFrame{}, fmt.Errorf("audio: resample %s: unsupported channel count", frame.Format())
		}
	}

	if frame.Channels != target.Channels {
		switch {
		case frame.Channels == 1 && target.Channels == 2:
			pcm = MonoToStereo(pcm)
		case frame.Channels == 2 && target.Channels == 1:
			pcm = StereoToMono(pcm)
		default:
			return AudioFrame{}, fmt.Errorf("audio: convert %s to %s: unsupported channel layout", frame.Format(), target)
		}
	}

	return AudioFrame{Data: pcm, SampleRate: target.SampleRate, Channels: target.Channels}, nil
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// Input must be little-endian int16 PCM (2 bytes per sample).
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := clamp16((l + r) / 2)
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. If the rates match, or either is not positive, the input is
// returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return resample16(pcm, 1, srcRate, dstRate)
}

// ResampleStereo16 resamples interleaved 16-bit stereo PCM from srcRate to
// dstRate using linear interpolation on each channel.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	return resample16(pcm, 2, srcRate, dstRate)
}

func resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	stride := channels * BytesPerSample
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < stride {
		return pcm
	}
	srcFrames := len(pcm) / stride
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*stride)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)
		next := srcIdx + 1
		if next >= srcFrames {
			next = srcIdx
		}
		for c := range channels {
			s0 := sampleAt(pcm, srcIdx*channels+c)
			s1 := sampleAt(pcm, next*channels+c)
			v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
			o := (i*channels + c) * BytesPerSample
			out[o] = byte(v)
			out[o+1] = byte(v >> 8)
		}
	}
	return out
}

func sampleAt(pcm []byte, idx int) int16 {
	return int16(pcm[idx*2]) | int16(pcm[idx*2+1])<<8
}

func clamp16(v int32) int32 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return v
}
