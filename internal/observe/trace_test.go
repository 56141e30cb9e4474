package observe

import (
	"bytes"
	"context"
	"encoding/hex"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// useTracerProvider installs an in-memory TracerProvider as the global one
// for the duration of the test.
func useTracerProvider(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func TestStartSpan_UsesHostScope(t *testing.T) {
	exp := useTracerProvider(t)

	ctx, parent := StartSpan(context.Background(), "session.start",
		trace.WithSpanKind(trace.SpanKindInternal))
	_, child := StartSpan(ctx, "transport.connect")
	child.End()
	parent.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	for _, s := range spans {
		if s.InstrumentationScope.Name != "github.com/MrWong99/voicelink" {
			t.Errorf("span %q scope = %q", s.Name, s.InstrumentationScope.Name)
		}
	}
	connect, start := spans[0], spans[1]
	if connect.Name != "transport.connect" || start.Name != "session.start" {
		t.Fatalf("span order = %q, %q", connect.Name, start.Name)
	}
	if connect.Parent.SpanID() != start.SpanContext.SpanID() {
		t.Error("transport.connect is not a child of session.start")
	}
	if connect.SpanContext.TraceID() != start.SpanContext.TraceID() {
		t.Error("child span started a new trace")
	}
}

func TestCorrelationID(t *testing.T) {
	useTracerProvider(t)

	t.Run("no span", func(t *testing.T) {
		if got := CorrelationID(context.Background()); got != "" {
			t.Errorf("CorrelationID = %q, want empty", got)
		}
	})

	t.Run("active span", func(t *testing.T) {
		ctx, span := StartSpan(context.Background(), "api.session.start")
		defer span.End()

		cid := CorrelationID(ctx)
		if b, err := hex.DecodeString(cid); err != nil || len(b) != 16 {
			t.Errorf("CorrelationID = %q, want 32 hex digits", cid)
		}
		if cid != span.SpanContext().TraceID().String() {
			t.Error("CorrelationID differs from the span's trace ID")
		}
	})

	t.Run("distinct sessions", func(t *testing.T) {
		seen := make(map[string]bool)
		for range 50 {
			ctx, span := StartSpan(context.Background(), "session.start")
			cid := CorrelationID(ctx)
			span.End()
			if seen[cid] {
				t.Fatalf("trace ID %s reused", cid)
			}
			seen[cid] = true
		}
	})
}

func TestLogger(t *testing.T) {
	useTracerProvider(t)

	tests := []struct {
		name      string
		withSpan  bool
		wantTrace bool
	}{
		{"inside a span", true, true},
		{"outside a span", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			base := slog.New(slog.NewTextHandler(&buf, nil))

			ctx := context.Background()
			if tt.withSpan {
				var span trace.Span
				ctx, span = StartSpan(ctx, "api.session.stop")
				defer span.End()
			}

			log := Logger(ctx, base)
			if !tt.withSpan && log != base {
				t.Error("Logger without a span must return base unchanged")
			}
			log.Info("session stopped", "session_id", "s-1")

			out := buf.String()
			if got := strings.Contains(out, "trace_id="+CorrelationID(ctx)) && CorrelationID(ctx) != ""; got != tt.wantTrace {
				t.Errorf("trace_id present = %v, want %v: %s", got, tt.wantTrace, out)
			}
			if got := strings.Contains(out, "span_id="); got != tt.wantTrace {
				t.Errorf("span_id present = %v, want %v: %s", got, tt.wantTrace, out)
			}
			if !strings.Contains(out, "session_id=s-1") {
				t.Errorf("record attributes lost: %s", out)
			}
		})
	}
}

func TestLogger_NilBaseUsesDefault(t *testing.T) {
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	Logger(context.Background(), nil).Info("voicelink starting")
	if !strings.Contains(buf.String(), `msg="voicelink starting"`) {
		t.Errorf("default logger not used, got: %s", buf.String())
	}
}
