// Package app wires the voicelink subsystems into a running host.
//
// The App struct owns the full lifecycle: New builds the voice client and
// the control API from the config, Run serves until ctx is cancelled, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithDialer,
// WithDevice, WithOutput, ...). When an option is not provided, New creates
// the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/internal/health"
	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/capture"
	"github.com/MrWong99/voicelink/pkg/client"
	"github.com/MrWong99/voicelink/pkg/playback"
	"github.com/MrWong99/voicelink/pkg/transport"
)

// Server timeouts of the control API.
const (
	readHeaderTimeout = 5 * time.Second
	readTimeout       = 15 * time.Second
	writeTimeout      = 15 * time.Second
	idleTimeout       = 60 * time.Second
	drainTimeout      = 5 * time.Second
)

// App owns all subsystem lifetimes of the voicelink host.
type App struct {
	cfg *config.Config
	log *slog.Logger

	level          *slog.LevelVar
	dialer         transport.Dialer
	device         audio.Device
	output         playback.Output
	stream         *playback.StreamOutput // set when New built the output
	metrics        *observe.Metrics
	metricsHandler http.Handler
	listener       net.Listener

	client   *client.Client
	sessions *SessionManager
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDialer injects a transport dialer instead of the WebSocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithDevice injects a capture device instead of the configured input.
func WithDevice(d audio.Device) Option {
	return func(a *App) { a.device = d }
}

// WithOutput injects a playback output instead of the configured one.
func WithOutput(o playback.Output) Option {
	return func(a *App) { a.output = o }
}

// WithMetrics injects the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets [App.ApplyConfig] change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithListener serves the control API on ln instead of listening on
// cfg.Server.ListenAddr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. It builds the decoder, the playback output,
// the capture device, the transport dialer, the voice client and the
// control API. Nothing is connected until [App.Run].
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initOutput(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init output: %w", err)
	}
	if err := a.initClient(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init client: %w", err)
	}

	unobserve, err := a.metrics.Observe(a.client)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: observe session: %w", err)
	}
	a.closers = append(a.closers, unobserve)

	a.sessions = NewSessionManager(SessionManagerConfig{
		Client:   a.client,
		Metrics:  a.metrics,
		Endpoint: cfg.Session.Endpoint,
		Logger:   a.log,
	})

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics, a.log)(a.routes()),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initOutput opens the configured output sink unless one was injected.
func (a *App) initOutput() error {
	if a.output != nil {
		return nil
	}

	pc := a.cfg.Playback
	var w io.Writer
	switch pc.Output {
	case "":
		w = io.Discard
	case "-":
		w = os.Stdout
	default:
		f, err := os.Create(pc.Output)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, f.Close)
		w = f
	}

	out, err := playback.NewStreamOutput(w,
		audio.Format{SampleRate: pc.SampleRate, Channels: pc.Channels},
		playback.WithRenderPeriod(pc.RenderPeriod),
	)
	if err != nil {
		return err
	}
	a.output, a.stream = out, out
	a.log.Info("playback output ready", "sink", sinkName(pc.Output), "format", out.Format())
	return nil
}

// initClient builds the decoder, device and dialer and assembles the client.
func (a *App) initClient() error {
	reg := config.NewRegistry()
	config.RegisterBuiltinDecoders(reg)
	dec, err := reg.CreateDecoder(a.cfg.Playback)
	if err != nil {
		return err
	}

	sc := a.cfg.Session
	if a.dialer == nil {
		header := make(http.Header, len(sc.Headers))
		for k, v := range sc.Headers {
			header.Set(k, v)
		}
		a.dialer = &transport.WebSocketDialer{
			Header:       header,
			ReadLimit:    sc.ReadLimit,
			WriteTimeout: sc.WriteTimeout,
		}
	}

	cc := a.cfg.Capture
	if a.device == nil {
		a.device = &capture.ReaderDevice{Path: cc.Input, Realtime: cc.Realtime}
	}

	c, err := client.New(client.Config{
		Dialer:  a.dialer,
		Device:  a.device,
		Output:  a.output,
		Decoder: dec,
		Policy: transport.Policy{
			BaseDelay:   sc.Reconnect.BaseDelay,
			MaxDelay:    sc.Reconnect.MaxDelay,
			MaxAttempts: sc.Reconnect.MaxAttempts,
		},
		QueueSize: sc.SendQueue,
		Constraints: audio.Constraints{
			SampleRate:       audio.CaptureSampleRate,
			Channels:         audio.CaptureChannels,
			BlockSize:        cc.BlockSize,
			EchoCancellation: config.Hint(cc.EchoCancellation),
			NoiseSuppression: config.Hint(cc.NoiseSuppression),
			AutoGainControl:  config.Hint(cc.AutoGainControl),
		},
		GapThreshold: a.cfg.Playback.GapThreshold,
		Logger:       a.log,
	})
	if err != nil {
		return err
	}
	a.client = c
	a.closers = append([]func() error{c.Close}, a.closers...)
	return nil
}

// routes builds the control API.
func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()
	a.registerAPI(mux)
	health.New(health.SessionChecker(a.client.Status)).Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	return mux
}

// Handler returns the control API including its middleware.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager {
	return a.sessions
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the control API, renders playback and watches the session
// until ctx is cancelled or a component fails. With session.auto_start the
// configured endpoint is dialled right away.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", a.server.Addr); err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), drainTimeout)
		defer cancel()
		return a.server.Shutdown(drainCtx)
	})
	if a.stream != nil {
		g.Go(func() error { return a.stream.Run(gctx) })
	}
	g.Go(func() error { return a.sessions.Watch(gctx) })

	if a.cfg.Session.AutoStart {
		if err := a.sessions.Start(gctx, "", "auto"); err != nil {
			a.log.Error("auto-start failed", "err", err)
		}
	}

	a.log.Info("control API listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ApplyConfig applies a reloaded config. The log level changes at once and
// a new default endpoint is used by the next start. Other changes are
// logged and need a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.EndpointChanged {
		a.sessions.SetEndpoint(d.NewEndpoint)
		a.log.Info("default endpoint changed", "endpoint", d.NewEndpoint, "active_session", a.sessions.IsActive())
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the session and releases all subsystems. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			a.log.Warn("control API shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
}

func sinkName(path string) string {
	switch path {
	case "":
		return "discard"
	case "-":
		return "stdout"
	default:
		return path
	}
}
