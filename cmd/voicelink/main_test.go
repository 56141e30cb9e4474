package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/MrWong99/voicelink/internal/config"
)

func TestNewLogger_LevelVar(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	log := newLogger(&buf, level, config.LogWarn)

	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %s", buf.String())
	}

	level.Set(slog.LevelDebug)
	log.Debug("visible")
	if !strings.Contains(buf.String(), "msg=visible") {
		t.Errorf("level change not honoured: %s", buf.String())
	}
}

func TestPrintStartupSummary(t *testing.T) {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)

	var buf bytes.Buffer
	printStartupSummary(&buf, cfg)

	out := buf.String()
	for _, want := range []string{"(per start request)", "1s..30s, 5 attempts", "320 samples/block", "(discard), 48000 Hz x1"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}
