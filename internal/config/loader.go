package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultSendQueue        = 64
	DefaultWriteTimeout     = 5 * time.Second
	DefaultReadLimit        = 4 << 20
	DefaultBlockSize        = 320
	DefaultSourceSampleRate = 16000
	DefaultOutputSampleRate = 48000
	DefaultGapThreshold     = 1.0
	DefaultRenderPeriod     = 20 * time.Millisecond
)

// ValidFormats lists the inbound payload formats with a built-in decoder.
// Used by [Validate] to warn about unrecognised names.
var ValidFormats = []string{FormatAuto, FormatWAV, FormatPCM, FormatOpus}

// opusRates are the sample rates an Opus decoder can be created for.
var opusRates = []int{8000, 12000, 16000, 24000, 48000}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field of cfg with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	s := &cfg.Session
	if s.Reconnect.BaseDelay == 0 {
		s.Reconnect.BaseDelay = time.Second
	}
	if s.Reconnect.MaxDelay == 0 {
		s.Reconnect.MaxDelay = 30 * time.Second
	}
	if s.Reconnect.MaxAttempts == 0 {
		s.Reconnect.MaxAttempts = 5
	}
	if s.SendQueue == 0 {
		s.SendQueue = DefaultSendQueue
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.ReadLimit == 0 {
		s.ReadLimit = DefaultReadLimit
	}

	if cfg.Capture.Input == "" {
		cfg.Capture.Input = "-"
	}
	if cfg.Capture.BlockSize == 0 {
		cfg.Capture.BlockSize = DefaultBlockSize
	}

	p := &cfg.Playback
	if p.Format == "" {
		p.Format = FormatAuto
	}
	if p.SourceSampleRate == 0 {
		p.SourceSampleRate = DefaultSourceSampleRate
	}
	if p.SourceChannels == 0 {
		p.SourceChannels = 1
	}
	if p.SampleRate == 0 {
		p.SampleRate = DefaultOutputSampleRate
	}
	if p.Channels == 0 {
		p.Channels = 1
	}
	if p.GapThreshold == 0 {
		p.GapThreshold = DefaultGapThreshold
	}
	if p.RenderPeriod == 0 {
		p.RenderPeriod = DefaultRenderPeriod
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Session
	s := cfg.Session
	if s.Endpoint != "" {
		if err := ValidateEndpoint(s.Endpoint); err != nil {
			errs = append(errs, fmt.Errorf("session.endpoint: %w", err))
		}
	} else if s.AutoStart {
		errs = append(errs, errors.New("session.auto_start requires session.endpoint"))
	}
	if s.Reconnect.BaseDelay < 0 {
		errs = append(errs, fmt.Errorf("session.reconnect.base_delay %s must not be negative", s.Reconnect.BaseDelay))
	}
	if s.Reconnect.MaxDelay < 0 {
		errs = append(errs, fmt.Errorf("session.reconnect.max_delay %s must not be negative", s.Reconnect.MaxDelay))
	}
	if s.Reconnect.BaseDelay > 0 && s.Reconnect.MaxDelay > 0 && s.Reconnect.MaxDelay < s.Reconnect.BaseDelay {
		errs = append(errs, fmt.Errorf("session.reconnect.max_delay %s is below base_delay %s", s.Reconnect.MaxDelay, s.Reconnect.BaseDelay))
	}
	if s.Reconnect.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("session.reconnect.max_attempts %d must not be negative", s.Reconnect.MaxAttempts))
	}
	if s.SendQueue < 0 {
		errs = append(errs, fmt.Errorf("session.send_queue %d must not be negative", s.SendQueue))
	}
	if s.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.write_timeout %s must not be negative", s.WriteTimeout))
	}
	if s.ReadLimit < 0 {
		errs = append(errs, fmt.Errorf("session.read_limit %d must not be negative", s.ReadLimit))
	}

	// Capture
	if cfg.Capture.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("capture.block_size %d must not be negative", cfg.Capture.BlockSize))
	}

	// Playback
	p := cfg.Playback
	if p.Format != "" && !slices.Contains(ValidFormats, p.Format) {
		slog.Warn("unknown playback format, expecting a registered decoder",
			"format", p.Format,
			"known", ValidFormats,
		)
	}
	if p.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("playback.sample_rate %d must not be negative", p.SampleRate))
	}
	if p.Channels < 0 || p.Channels > 2 {
		errs = append(errs, fmt.Errorf("playback.channels %d is out of range [1, 2]", p.Channels))
	}
	if p.SourceSampleRate < 0 {
		errs = append(errs, fmt.Errorf("playback.source_sample_rate %d must not be negative", p.SourceSampleRate))
	}
	if p.SourceChannels < 0 || p.SourceChannels > 2 {
		errs = append(errs, fmt.Errorf("playback.source_channels %d is out of range [1, 2]", p.SourceChannels))
	}
	if p.Format == FormatOpus && p.SourceSampleRate != 0 && !slices.Contains(opusRates, p.SourceSampleRate) {
		errs = append(errs, fmt.Errorf("playback.source_sample_rate %d is not supported by opus; valid values: %v", p.SourceSampleRate, opusRates))
	}
	if p.GapThreshold < 0 {
		errs = append(errs, fmt.Errorf("playback.gap_threshold %v must not be negative", p.GapThreshold))
	}
	if p.RenderPeriod < 0 {
		errs = append(errs, fmt.Errorf("playback.render_period %s must not be negative", p.RenderPeriod))
	}

	return errors.Join(errs...)
}

// ValidateEndpoint reports whether endpoint is an absolute ws or wss URL.
func ValidateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", endpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("scheme of %q must be ws or wss", endpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", endpoint)
	}
	return nil
}
