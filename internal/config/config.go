// Package config provides the configuration schema, loader, hot-reload
// watcher and decoder registry for the voicelink host.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to the matching [slog.Level]. Unknown levels map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Inbound payload formats understood by the built-in decoders.
const (
	FormatAuto = "auto"
	FormatWAV  = "wav"
	FormatPCM  = "pcm"
	FormatOpus = "opus"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Session  SessionConfig  `yaml:"session"`
	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`
}

// ServerConfig holds the control API listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the control API (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the control API. When nil, it runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// SessionConfig configures the transport session to the voice endpoint.
type SessionConfig struct {
	// Endpoint is the ws:// or wss:// URL used when a start request does not
	// name one.
	Endpoint string `yaml:"endpoint"`

	// AutoStart starts a session against Endpoint as soon as the host is up.
	AutoStart bool `yaml:"auto_start"`

	// Headers are sent with every WebSocket handshake.
	Headers map[string]string `yaml:"headers"`

	// Reconnect controls the backoff after connection failures.
	Reconnect ReconnectConfig `yaml:"reconnect"`

	// SendQueue bounds the outbound frame queue of a connection.
	SendQueue int `yaml:"send_queue"`

	// WriteTimeout bounds a single outbound write.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ReadLimit is the largest inbound message in bytes.
	ReadLimit int64 `yaml:"read_limit"`
}

// ReconnectConfig is the reconnect backoff policy.
type ReconnectConfig struct {
	// BaseDelay is the delay before the first retry. Default: 1s.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps the doubled delay. Default: 30s.
	MaxDelay time.Duration `yaml:"max_delay"`

	// MaxAttempts is the number of retries before the session gives up.
	// Default: 5.
	MaxAttempts int `yaml:"max_attempts"`
}

// CaptureConfig configures the microphone input.
type CaptureConfig struct {
	// Input is a path to raw float32 little-endian mono samples at 16 kHz,
	// or "-" for stdin.
	Input string `yaml:"input"`

	// BlockSize is the number of samples per captured block.
	BlockSize int `yaml:"block_size"`

	// Realtime paces reads to the capture sample rate.
	Realtime bool `yaml:"realtime"`

	// Processing hints forwarded to the device. Default: enabled.
	EchoCancellation *bool `yaml:"echo_cancellation"`
	NoiseSuppression *bool `yaml:"noise_suppression"`
	AutoGainControl  *bool `yaml:"auto_gain_control"`
}

// PlaybackConfig configures decoding and the output device.
type PlaybackConfig struct {
	// Format selects the decoder for inbound payloads: auto, wav, pcm or opus.
	Format string `yaml:"format"`

	// SourceSampleRate and SourceChannels describe inbound payloads whose
	// container carries no format (pcm, opus) when the frame metadata is
	// unset.
	SourceSampleRate int `yaml:"source_sample_rate"`
	SourceChannels   int `yaml:"source_channels"`

	// Output is the path receiving rendered PCM16, "-" for stdout, or empty
	// to discard.
	Output string `yaml:"output"`

	// SampleRate and Channels are the output device format.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// GapThreshold in seconds after which playback resynchronises to the
	// clock. Default: 1.0.
	GapThreshold float64 `yaml:"gap_threshold"`

	// RenderPeriod is how much audio the output renders per tick.
	RenderPeriod time.Duration `yaml:"render_period"`
}

// Hint dereferences an optional processing hint, defaulting to enabled.
func Hint(b *bool) bool {
	return b == nil || *b
}
