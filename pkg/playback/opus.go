package playback

import (
	"fmt"
	"sync"

	"layeh.com/gopus"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// opusMaxFrameMs is the longest frame an Opus packet can carry.
const opusMaxFrameMs = 120

// OpusDecoder decodes payloads that each hold exactly one Opus packet. The
// decoder is stateful across packets, so one instance serves one stream.
type OpusDecoder struct {
	sampleRate int
	channels   int
	frameSize  int

	mu  sync.Mutex
	dec *gopus.Decoder
}

// NewOpusDecoder creates a decoder producing PCM16 at sampleRate (8000,
// 12000, 16000, 24000 or 48000) with the given channel count (1 or 2).
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("playback: create opus decoder: %w", err)
	}
	return &OpusDecoder{
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  sampleRate * opusMaxFrameMs / 1000,
		dec:        dec,
	}, nil
}

// Decode implements [Decoder]. Frame metadata is ignored: the output format
// is the one the decoder was created with.
func (d *OpusDecoder) Decode(in audio.AudioFrame) (audio.AudioFrame, error) {
	if len(in.Data) == 0 {
		return audio.AudioFrame{}, fmt.Errorf("%w: opus: empty packet", ErrPlaybackDecode)
	}

	d.mu.Lock()
	pcm, err := d.dec.Decode(in.Data, d.frameSize, false)
	d.mu.Unlock()
	if err != nil {
		return audio.AudioFrame{}, fmt.Errorf("%w: opus: %w", ErrPlaybackDecode, err)
	}
	if len(pcm) == 0 {
		return audio.AudioFrame{}, fmt.Errorf("%w: opus: packet decoded to no samples", ErrPlaybackDecode)
	}
	return audio.AudioFrame{
		Data:       audio.Int16sToBytes(pcm),
		SampleRate: d.sampleRate,
		Channels:   d.channels,
	}, nil
}
