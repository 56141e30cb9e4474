package playback

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// ErrPlaybackDecode is wrapped by every decoder error: the payload is not a
// valid audio buffer for the configured format.
var ErrPlaybackDecode = errors.New("playback: payload decode failed")

// Decoder turns an inbound payload into playable PCM16. The input frame's
// Data holds the payload bytes exactly as received; its SampleRate and
// Channels come from the wire metadata and may be zero. The returned frame
// is PCM16 LE with a valid format.
type Decoder interface {
	Decode(in audio.AudioFrame) (audio.AudioFrame, error)
}

// DecoderFunc adapts a function to [Decoder].
type DecoderFunc func(in audio.AudioFrame) (audio.AudioFrame, error)

// Decode implements [Decoder].
func (f DecoderFunc) Decode(in audio.AudioFrame) (audio.AudioFrame, error) { return f(in) }

// ─── PCM ─────────────────────────────────────────────────────────────────────

// PCMDecoder treats payloads as raw PCM16 LE. The format comes from the frame
// metadata, falling back to the decoder's own fields when the metadata is
// missing.
type PCMDecoder struct {
	// SampleRate and Channels are used when the frame carries no format.
	SampleRate int
	Channels   int
}

// Decode implements [Decoder].
func (d PCMDecoder) Decode(in audio.AudioFrame) (audio.AudioFrame, error) {
	f := in.Format()
	if f.SampleRate <= 0 {
		f.SampleRate = d.SampleRate
	}
	if f.Channels <= 0 {
		f.Channels = d.Channels
	}
	if !f.Valid() {
		return audio.AudioFrame{}, fmt.Errorf("%w: pcm: unknown format %s", ErrPlaybackDecode, f)
	}
	stride := audio.BytesPerSample * f.Channels
	n := len(in.Data) - len(in.Data)%stride
	if n == 0 {
		return audio.AudioFrame{}, fmt.Errorf("%w: pcm: %d bytes hold no complete sample frame", ErrPlaybackDecode, len(in.Data))
	}
	return audio.AudioFrame{Data: in.Data[:n], SampleRate: f.SampleRate, Channels: f.Channels}, nil
}

// ─── WAV ─────────────────────────────────────────────────────────────────────

// WAV format tags.
const (
	wavFormatPCM        = 1
	wavFormatFloat      = 3
	wavFormatExtensible = 0xFFFE
)

// WAVDecoder decodes RIFF/WAVE containers holding 16-bit PCM or 32-bit float
// samples. The container's own format wins over the frame metadata.
type WAVDecoder struct{}

// Decode implements [Decoder].
func (WAVDecoder) Decode(in audio.AudioFrame) (audio.AudioFrame, error) {
	info, err := parseWAV(in.Data)
	if err != nil {
		return audio.AudioFrame{}, fmt.Errorf("%w: wav: %w", ErrPlaybackDecode, err)
	}

	data := info.data
	switch {
	case info.format == wavFormatPCM && info.bits == 16:
	case info.format == wavFormatFloat && info.bits == 32:
		data = floatToPCM16(data)
	default:
		return audio.AudioFrame{}, fmt.Errorf("%w: wav: unsupported encoding (format %d, %d bits)", ErrPlaybackDecode, info.format, info.bits)
	}

	stride := audio.BytesPerSample * info.channels
	data = data[:len(data)-len(data)%stride]
	if len(data) == 0 {
		return audio.AudioFrame{}, fmt.Errorf("%w: wav: empty data chunk", ErrPlaybackDecode)
	}
	return audio.AudioFrame{Data: data, SampleRate: info.sampleRate, Channels: info.channels}, nil
}

// IsWAV reports whether b starts with a RIFF/WAVE header.
func IsWAV(b []byte) bool {
	return len(b) >= 12 && bytes.Equal(b[0:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WAVE"))
}

type wavInfo struct {
	format     int
	channels   int
	sampleRate int
	bits       int
	data       []byte
}

// parseWAV walks the RIFF chunks of b. The fmt chunk must precede the data
// chunk. A data chunk whose declared size runs past the buffer is truncated
// to what is present, as streaming encoders write placeholder sizes.
func parseWAV(b []byte) (wavInfo, error) {
	if !IsWAV(b) {
		return wavInfo{}, errors.New("missing RIFF/WAVE header")
	}

	var (
		info     wavInfo
		foundFmt bool
	)
	offset := 12
	for offset+8 <= len(b) {
		id := string(b[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(b[offset+4 : offset+8]))
		body := b[offset+8:]

		switch id {
		case "fmt ":
			if size < 16 || len(body) < 16 {
				return wavInfo{}, fmt.Errorf("fmt chunk too short (%d bytes)", size)
			}
			info.format = int(binary.LittleEndian.Uint16(body[0:2]))
			info.channels = int(binary.LittleEndian.Uint16(body[2:4]))
			info.sampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			info.bits = int(binary.LittleEndian.Uint16(body[14:16]))
			if info.format == wavFormatExtensible && size >= 26 && len(body) >= 26 {
				info.format = int(binary.LittleEndian.Uint16(body[24:26]))
			}
			if info.channels <= 0 || info.sampleRate <= 0 {
				return wavInfo{}, fmt.Errorf("invalid format: %d channels at %d Hz", info.channels, info.sampleRate)
			}
			foundFmt = true
		case "data":
			if !foundFmt {
				return wavInfo{}, errors.New("data chunk before fmt chunk")
			}
			if size > len(body) || size < 0 {
				size = len(body)
			}
			info.data = body[:size]
			return info, nil
		}

		if size < 0 || size > len(b) {
			break
		}
		// Chunks are word aligned.
		offset += 8 + size + size%2
	}
	return wavInfo{}, errors.New("missing data chunk")
}

func floatToPCM16(b []byte) []byte {
	samples := make([]float32, len(b)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return audio.EncodeFloat32(samples)
}

// ─── Auto ────────────────────────────────────────────────────────────────────

// AutoDecoder sniffs the payload: RIFF/WAVE containers go to the WAV decoder,
// everything else is treated as raw PCM16.
type AutoDecoder struct {
	WAV WAVDecoder
	PCM PCMDecoder
}

// Decode implements [Decoder].
func (d AutoDecoder) Decode(in audio.AudioFrame) (audio.AudioFrame, error) {
	if IsWAV(in.Data) {
		return d.WAV.Decode(in)
	}
	return d.PCM.Decode(in)
}
