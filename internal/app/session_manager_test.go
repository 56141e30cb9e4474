package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voicelink/internal/app"
	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/pkg/audio/mock"
	"github.com/MrWong99/voicelink/pkg/capture"
	"github.com/MrWong99/voicelink/pkg/client"
	"github.com/MrWong99/voicelink/pkg/transport"
)

const testEndpoint = "ws://voice.test/ws"

type sessionFixture struct {
	sm     *app.SessionManager
	client *client.Client
	dialer *mock.Dialer
	device *mock.Device
	stream *mock.Stream
	reader *sdkmetric.ManualReader
}

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func newTestSessionManager(t *testing.T, policy transport.Policy) *sessionFixture {
	t.Helper()
	f := &sessionFixture{dialer: &mock.Dialer{}, stream: mock.NewStream()}
	f.device = &mock.Device{OpenResult: f.stream}

	c, err := client.New(client.Config{
		Dialer: f.dialer,
		Device: f.device,
		Output: &mock.Output{},
		Policy: policy,
	})
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	f.client = c

	m, reader := newTestMetrics(t)
	f.reader = reader
	f.sm = app.NewSessionManager(app.SessionManagerConfig{
		Client:   c,
		Metrics:  m,
		Endpoint: testEndpoint,
	})
	return f
}

// counterValue returns the int64 sum data point of name whose attributes
// contain attrs, or 0 when there is none.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is %T", name, m.Data)
			}
		next:
			for _, dp := range sum.DataPoints {
				for _, kv := range attrs {
					if v, ok := dp.Attributes.Value(kv.Key); !ok || v != kv.Value {
						continue next
					}
				}
				return dp.Value
			}
		}
	}
	return 0
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionManager_StartStop(t *testing.T) {
	t.Parallel()
	f := newTestSessionManager(t, transport.Policy{})
	ctx := context.Background()

	if err := f.sm.Start(ctx, "", "127.0.0.1:5555"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !f.sm.IsActive() {
		t.Fatal("expected session to be active after Start")
	}

	info := f.sm.Info()
	if info.Endpoint != testEndpoint {
		t.Errorf("Endpoint = %q, want %q", info.Endpoint, testEndpoint)
	}
	if info.StartedBy != "127.0.0.1:5555" {
		t.Errorf("StartedBy = %q", info.StartedBy)
	}
	if info.SessionID == "" || info.SessionID != f.client.SessionID() {
		t.Errorf("SessionID = %q, client has %q", info.SessionID, f.client.SessionID())
	}
	if info.StartedAt.IsZero() {
		t.Error("StartedAt should be set")
	}

	waitUntil(t, "open", func() bool { return f.sm.Status().State == transport.StateOpen })

	if err := f.sm.Stop(ctx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if f.sm.IsActive() {
		t.Fatal("expected session to be inactive after Stop")
	}
	if !f.stream.Closed() {
		t.Error("microphone not released on Stop")
	}
	if got := f.sm.Info().SessionID; got != info.SessionID {
		t.Errorf("Info after Stop = %q, want last session %q", got, info.SessionID)
	}
	if got := counterValue(t, f.reader, "voicelink.session.starts", attribute.String("result", "ok")); got != 1 {
		t.Errorf("ok starts = %d, want 1", got)
	}
}

func TestSessionManager_DoubleStart(t *testing.T) {
	t.Parallel()
	f := newTestSessionManager(t, transport.Policy{})

	if err := f.sm.Start(context.Background(), "", "a"); err != nil {
		t.Fatal(err)
	}
	err := f.sm.Start(context.Background(), "ws://other.test/ws", "b")
	if !errors.Is(err, client.ErrAlreadyStarted) {
		t.Fatalf("second Start err = %v, want ErrAlreadyStarted", err)
	}
	if info := f.sm.Info(); info.StartedBy != "a" || info.Endpoint != testEndpoint {
		t.Errorf("rejected start overwrote info: %+v", info)
	}
	if got := counterValue(t, f.reader, "voicelink.session.starts", attribute.String("result", "error")); got != 1 {
		t.Errorf("error starts = %d, want 1", got)
	}
}

func TestSessionManager_StopWithoutStart(t *testing.T) {
	t.Parallel()
	f := newTestSessionManager(t, transport.Policy{})

	if err := f.sm.Stop(context.Background()); !errors.Is(err, app.ErrNotActive) {
		t.Errorf("Stop err = %v, want ErrNotActive", err)
	}
}

func TestSessionManager_EndpointValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		fallback string
		endpoint string
		wantErr  error
	}{
		{"no endpoint anywhere", "", "", app.ErrNoEndpoint},
		{"wrong scheme", testEndpoint, "http://voice.test/ws", nil},
		{"no host", testEndpoint, "ws:///ws", nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newTestSessionManager(t, transport.Policy{})
			f.sm.SetEndpoint(tc.fallback)

			err := f.sm.Start(context.Background(), tc.endpoint, "test")
			if err == nil {
				t.Fatal("expected error")
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("err = %v, want %v", err, tc.wantErr)
			}
			if f.dialer.CallCountDial() != 0 || f.device.CallCountOpen() != 0 {
				t.Error("invalid start touched the dialer or the device")
			}
		})
	}
}

func TestSessionManager_CaptureFailure(t *testing.T) {
	t.Parallel()
	f := newTestSessionManager(t, transport.Policy{})
	f.device.OpenError = errors.New("no such device")

	err := f.sm.Start(context.Background(), "", "test")
	if !errors.Is(err, capture.ErrDeviceAcquisition) {
		t.Fatalf("err = %v, want ErrDeviceAcquisition", err)
	}
	if f.sm.IsActive() {
		t.Error("session active after capture failure")
	}
	if got := counterValue(t, f.reader, "voicelink.session.starts", attribute.String("result", "capture_failed")); got != 1 {
		t.Errorf("capture_failed starts = %d, want 1", got)
	}
}

func TestSessionManager_OutlivesRequestContext(t *testing.T) {
	t.Parallel()
	f := newTestSessionManager(t, transport.Policy{})

	ctx, cancel := context.WithCancel(context.Background())
	if err := f.sm.Start(ctx, "", "test"); err != nil {
		t.Fatal(err)
	}
	cancel()

	time.Sleep(20 * time.Millisecond)
	if !f.sm.IsActive() {
		t.Error("session ended with the request context")
	}
}

func TestSessionManager_SetEndpoint(t *testing.T) {
	t.Parallel()
	f := newTestSessionManager(t, transport.Policy{})

	f.sm.SetEndpoint("wss://new.test/voice")
	if got := f.sm.Endpoint(); got != "wss://new.test/voice" {
		t.Fatalf("Endpoint = %q", got)
	}
	if err := f.sm.Start(context.Background(), "", "test"); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "dial", func() bool { return f.dialer.CallCountDial() == 1 })
	if got := f.dialer.DialCalls[0].Endpoint; got != "wss://new.test/voice" {
		t.Errorf("dialled %q", got)
	}
}

func TestSessionManager_WatchCountsTerminalFailures(t *testing.T) {
	t.Parallel()
	f := newTestSessionManager(t, transport.Policy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 1})
	f.dialer.SetDialError(errors.New("refused"))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = f.sm.Watch(ctx)
	}()
	// Subscribe happens inside Watch; give it a moment before starting.
	time.Sleep(20 * time.Millisecond)

	if err := f.sm.Start(context.Background(), "", "test"); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "terminal failure", func() bool {
		return counterValue(t, f.reader, "voicelink.session.terminal_failures") == 1
	})
	waitUntil(t, "inactive", func() bool { return !f.sm.IsActive() })

	cancel()
	wg.Wait()
}

func TestSessionManager_WatchEndsOnClose(t *testing.T) {
	t.Parallel()
	f := newTestSessionManager(t, transport.Policy{})

	done := make(chan error, 1)
	go func() { done <- f.sm.Watch(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	_ = f.client.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch err = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Watch did not return after Close")
	}
}
