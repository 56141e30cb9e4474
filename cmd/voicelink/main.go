// Command voicelink streams microphone audio to a voice endpoint over
// WebSocket and plays the audio it sends back.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/voicelink/internal/app"
	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/internal/observe"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voicelink.yaml", "path to the YAML configuration file")
	endpoint := flag.String("endpoint", "", "voice endpoint (ws:// or wss://); overrides session.endpoint and starts a session right away")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicelink: config file %q not found, see configs/example.yaml\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicelink: %v\n", err)
		}
		return 1
	}
	if *endpoint != "" {
		if err := config.ValidateEndpoint(*endpoint); err != nil {
			fmt.Fprintf(os.Stderr, "voicelink: -endpoint: %v\n", err)
			return 1
		}
		cfg.Session.Endpoint = *endpoint
		cfg.Session.AutoStart = true
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	logger := newLogger(os.Stderr, level, cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voicelink starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	providers, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		SetGlobal:      true,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(providers.MeterProvider)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(os.Stderr, cfg)

	application, err := app.New(cfg,
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithMetrics(metrics),
		app.WithMetricsHandler(providers.MetricsHandler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("host ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// printStartupSummary writes the effective session settings to w. Stdout may
// carry rendered audio, so callers pass stderr.
func printStartupSummary(w io.Writer, cfg *config.Config) {
	row := func(key, value string) {
		if len(value) > 32 {
			value = value[:29] + "..."
		}
		fmt.Fprintf(w, "  %-14s : %s\n", key, value)
	}
	orDefault := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}

	fmt.Fprintln(w, "voicelink startup summary")
	fmt.Fprintln(w, "  "+strings.Repeat("-", 40))
	row("Endpoint", orDefault(cfg.Session.Endpoint, "(per start request)"))
	row("Auto start", fmt.Sprint(cfg.Session.AutoStart))
	row("Reconnect", fmt.Sprintf("%s..%s, %d attempts",
		cfg.Session.Reconnect.BaseDelay, cfg.Session.Reconnect.MaxDelay, cfg.Session.Reconnect.MaxAttempts))
	row("Capture", fmt.Sprintf("%s, %d samples/block", orDefault(cfg.Capture.Input, "-"), cfg.Capture.BlockSize))
	row("Inbound format", cfg.Playback.Format)
	row("Output", fmt.Sprintf("%s, %d Hz x%d", orDefault(cfg.Playback.Output, "(discard)"),
		cfg.Playback.SampleRate, cfg.Playback.Channels))
	row("Listen addr", cfg.Server.ListenAddr)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, level *slog.LevelVar, initial config.LogLevel) *slog.Logger {
	level.Set(initial.SlogLevel())
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
