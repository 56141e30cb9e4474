package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voicelink/pkg/playback"
)

// ErrDecoderNotRegistered is returned by [Registry.CreateDecoder] when no
// factory has been registered under the requested format name.
var ErrDecoderNotRegistered = errors.New("config: decoder not registered")

// DecoderFactory builds a playback decoder from the playback section.
type DecoderFactory func(PlaybackConfig) (playback.Decoder, error)

// Registry maps inbound payload format names to decoder constructors.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]DecoderFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]DecoderFactory)}
}

// RegisterDecoder registers a decoder factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterDecoder(name string, factory DecoderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[name] = factory
}

// CreateDecoder instantiates the decoder registered under cfg.Format.
// Returns [ErrDecoderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateDecoder(cfg PlaybackConfig) (playback.Decoder, error) {
	r.mu.RLock()
	factory, ok := r.decoders[cfg.Format]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDecoderNotRegistered, cfg.Format)
	}
	return factory(cfg)
}

// Names returns the registered format names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.decoders))
	for name := range r.decoders {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// RegisterBuiltinDecoders wires the decoders shipped with the playback
// package into r under the names in [ValidFormats].
func RegisterBuiltinDecoders(r *Registry) {
	pcm := func(cfg PlaybackConfig) playback.PCMDecoder {
		return playback.PCMDecoder{SampleRate: cfg.SourceSampleRate, Channels: cfg.SourceChannels}
	}

	r.RegisterDecoder(FormatAuto, func(cfg PlaybackConfig) (playback.Decoder, error) {
		return playback.AutoDecoder{PCM: pcm(cfg)}, nil
	})
	r.RegisterDecoder(FormatWAV, func(PlaybackConfig) (playback.Decoder, error) {
		return playback.WAVDecoder{}, nil
	})
	r.RegisterDecoder(FormatPCM, func(cfg PlaybackConfig) (playback.Decoder, error) {
		return pcm(cfg), nil
	})
	r.RegisterDecoder(FormatOpus, func(cfg PlaybackConfig) (playback.Decoder, error) {
		dec, err := playback.NewOpusDecoder(cfg.SourceSampleRate, cfg.SourceChannels)
		if err != nil {
			return nil, err
		}
		return dec, nil
	})
}
