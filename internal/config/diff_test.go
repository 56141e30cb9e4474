package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voicelink/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Server:  config.ServerConfig{LogLevel: config.LogInfo},
		Session: config.SessionConfig{Endpoint: "ws://a/ws"},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	if d := config.Diff(baseConfig(), baseConfig()); !d.Empty() {
		t.Errorf("diff of equal configs = %+v", d)
	}
}

func TestDiff_HotReloadableFields(t *testing.T) {
	t.Parallel()
	old, cur := baseConfig(), baseConfig()
	cur.Server.LogLevel = config.LogWarn
	cur.Session.Endpoint = "wss://b/ws"
	cur.Session.AutoStart = true

	d := config.Diff(old, cur)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogWarn {
		t.Errorf("log level diff = %+v", d)
	}
	if !d.EndpointChanged || d.NewEndpoint != "wss://b/ws" {
		t.Errorf("endpoint diff = %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("restart required = %v, want none", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	off := false
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		section string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9999" }, "server"},
		{"reconnect policy", func(c *config.Config) { c.Session.Reconnect.MaxAttempts = 9 }, "session"},
		{"headers", func(c *config.Config) { c.Session.Headers = map[string]string{"X-Key": "v"} }, "session"},
		{"write timeout", func(c *config.Config) { c.Session.WriteTimeout = time.Minute }, "session"},
		{"capture hint", func(c *config.Config) { c.Capture.EchoCancellation = &off }, "capture"},
		{"capture input", func(c *config.Config) { c.Capture.Input = "mic.f32" }, "capture"},
		{"playback format", func(c *config.Config) { c.Playback.Format = config.FormatOpus }, "playback"},
		{"gap threshold", func(c *config.Config) { c.Playback.GapThreshold = 2 }, "playback"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, cur := baseConfig(), baseConfig()
			tt.mutate(cur)
			d := config.Diff(old, cur)
			if !slices.Equal(d.RestartRequired, []string{tt.section}) {
				t.Errorf("restart required = %v, want [%s]", d.RestartRequired, tt.section)
			}
			if d.LogLevelChanged || d.EndpointChanged {
				t.Errorf("unexpected hot-reload change: %+v", d)
			}
		})
	}
}
