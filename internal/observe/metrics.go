// Package observe provides application-wide observability primitives for
// voicelink: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Session counters live in the session components themselves and are
// exported through observable instruments registered with [Metrics.Observe].
// A Prometheus exporter bridge is set up by [InitProvider] so that metrics
// can be scraped via /metrics. Tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voicelink/pkg/capture"
	"github.com/MrWong99/voicelink/pkg/client"
	"github.com/MrWong99/voicelink/pkg/transport"
)

// meterName is the instrumentation scope name used for all voicelink metrics.
const meterName = "github.com/MrWong99/voicelink"

// Source is the session a [Metrics] instance observes.
// *client.Client implements it.
type Source interface {
	Stats() client.Stats
	Status() transport.Status
	Lead() float64
}

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	meter metric.Meter

	// SessionStarts counts start requests. Use with attribute:
	//   attribute.String("result", "ok"|"capture_failed"|"error")
	SessionStarts metric.Int64Counter

	// TerminalFailures counts sessions that ran out of reconnect attempts.
	TerminalFailures metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	captureBlocks  metric.Int64ObservableCounter
	framesSent     metric.Int64ObservableCounter
	framesDropped  metric.Int64ObservableCounter
	framesReceived metric.Int64ObservableCounter
	reconnects     metric.Int64ObservableCounter
	scheduled      metric.Int64ObservableCounter
	discarded      metric.Int64ObservableCounter
	gapResets      metric.Int64ObservableCounter
	frameErrors    metric.Int64ObservableCounter
	transcriptions metric.Int64ObservableCounter
	sessionState   metric.Int64ObservableGauge
	playbackLead   metric.Float64ObservableGauge
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{meter: m}
	var err error

	if met.SessionStarts, err = m.Int64Counter("voicelink.session.starts",
		metric.WithDescription("Session start requests by result."),
	); err != nil {
		return nil, err
	}
	if met.TerminalFailures, err = m.Int64Counter("voicelink.session.terminal_failures",
		metric.WithDescription("Sessions that exhausted their reconnect attempts."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicelink.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64ObservableCounter
		name string
		desc string
	}{
		{&met.captureBlocks, "voicelink.capture.blocks", "Audio blocks delivered by the capture device."},
		{&met.framesSent, "voicelink.frames.sent", "Frames written to the connection."},
		{&met.framesDropped, "voicelink.frames.dropped", "Outbound frames dropped while not open or with a full queue."},
		{&met.framesReceived, "voicelink.frames.received", "Binary messages received from the endpoint."},
		{&met.reconnects, "voicelink.transport.reconnects", "Reconnect attempts."},
		{&met.scheduled, "voicelink.playback.scheduled", "Audio buffers scheduled for playback."},
		{&met.discarded, "voicelink.playback.discarded", "Frames discarded while playback was inactive."},
		{&met.gapResets, "voicelink.playback.gap_resets", "Playback cursor resynchronisations."},
		{&met.frameErrors, "voicelink.frames.errors", "Frame errors by kind (encode, codec, empty, decode, output)."},
		{&met.transcriptions, "voicelink.transcriptions", "Transcriptions received from the endpoint."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64ObservableCounter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.sessionState, err = m.Int64ObservableGauge("voicelink.session.state",
		metric.WithDescription("Transport state: 0 idle, 1 connecting, 2 open, 3 closing, 4 closed, 5 failed."),
	); err != nil {
		return nil, err
	}
	if met.playbackLead, err = m.Float64ObservableGauge("voicelink.playback.lead",
		metric.WithDescription("Audio scheduled ahead of the playback clock."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// Observe registers a callback that reports src's counters on every
// collection. Call the returned function to stop observing.
func (m *Metrics) Observe(src Source) (func() error, error) {
	kind := func(k string) metric.ObserveOption {
		return metric.WithAttributes(attribute.String("kind", k))
	}

	reg, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := src.Stats()
		o.ObserveInt64(m.captureBlocks, st.Capture.Blocks)
		o.ObserveInt64(m.framesSent, st.Transport.Sent)
		o.ObserveInt64(m.framesDropped, st.Transport.Dropped)
		o.ObserveInt64(m.framesReceived, st.Transport.Received)
		o.ObserveInt64(m.reconnects, st.Transport.Reconnects)
		o.ObserveInt64(m.scheduled, st.Playback.Scheduled)
		o.ObserveInt64(m.discarded, st.Playback.Discarded)
		o.ObserveInt64(m.gapResets, st.Playback.GapResets)
		o.ObserveInt64(m.frameErrors, st.Capture.EncodeErrors, kind("encode"))
		o.ObserveInt64(m.frameErrors, st.CodecErrors, kind("codec"))
		o.ObserveInt64(m.frameErrors, st.EmptyPayloads, kind("empty"))
		o.ObserveInt64(m.frameErrors, st.Playback.DecodeErrors, kind("decode"))
		o.ObserveInt64(m.frameErrors, st.Playback.OutputErrors, kind("output"))
		o.ObserveInt64(m.transcriptions, st.Transcriptions)
		o.ObserveInt64(m.sessionState, int64(src.Status().State))
		o.ObserveFloat64(m.playbackLead, src.Lead())
		return nil
	},
		m.captureBlocks, m.framesSent, m.framesDropped, m.framesReceived,
		m.reconnects, m.scheduled, m.discarded, m.gapResets, m.frameErrors,
		m.transcriptions, m.sessionState, m.playbackLead,
	)
	if err != nil {
		return nil, err
	}
	return reg.Unregister, nil
}

// RecordSessionStart is a convenience method that records a session start
// with its result.
func (m *Metrics) RecordSessionStart(ctx context.Context, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, capture.ErrDeviceAcquisition):
		result = "capture_failed"
	default:
		result = "error"
	}
	m.SessionStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}
