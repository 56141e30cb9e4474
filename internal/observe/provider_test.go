package observe

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitProvider_ExposesMetrics(t *testing.T) {
	ctx := context.Background()
	p, err := InitProvider(ctx, ProviderConfig{ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	m, err := NewMetrics(p.MeterProvider)
	if err != nil {
		t.Fatal(err)
	}
	m.RecordSessionStart(ctx, nil)

	srv := httptest.NewServer(p.MetricsHandler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "voicelink_session_starts") {
		t.Errorf("exposition missing session starts:\n%s", body)
	}
}

func TestInitProvider_SeparateRegistries(t *testing.T) {
	ctx := context.Background()
	for range 2 {
		p, err := InitProvider(ctx, ProviderConfig{Registry: prometheus.NewRegistry()})
		if err != nil {
			t.Fatalf("InitProvider: %v", err)
		}
		if err := p.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	}
}

func TestInitProvider_ExportsSpans(t *testing.T) {
	ctx := context.Background()
	exp := tracetest.NewInMemoryExporter()
	p, err := InitProvider(ctx, ProviderConfig{TraceExporter: exp})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	_, span := p.TracerProvider.Tracer("test").Start(ctx, "dial")
	span.End()

	if err := p.TracerProvider.ForceFlush(ctx); err != nil {
		t.Fatal(err)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "dial" {
		t.Errorf("spans = %v", spans)
	}
}
