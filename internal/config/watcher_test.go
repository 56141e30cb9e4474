package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicelink/internal/config"
)

const watcherInitialYAML = `
server:
  log_level: info
session:
  endpoint: ws://voice.local/ws
`

const watcherUpdatedYAML = `
server:
  log_level: debug
session:
  endpoint: wss://voice.example.com/ws
`

const watcherBrokenYAML = `
session:
  endpoint: http://not-a-websocket
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voicelink.yaml")
	rewrite(t, path, content)
	return path
}

func rewrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
	// Guarantee a visible mtime change on coarse filesystems.
	later := time.Now().Add(time.Duration(len(content)) * time.Millisecond)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes %q: %v", path, err)
	}
}

type changeRecorder struct {
	mu    sync.Mutex
	calls [][2]*config.Config
	fired chan struct{}
}

func newChangeRecorder() *changeRecorder {
	return &changeRecorder{fired: make(chan struct{}, 8)}
}

func (r *changeRecorder) onChange(old, new *config.Config) {
	r.mu.Lock()
	r.calls = append(r.calls, [2]*config.Config{old, new})
	r.mu.Unlock()
	r.fired <- struct{}{}
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, err := config.NewWatcher(writeConfig(t, watcherInitialYAML), nil, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	cfg := w.Current()
	if cfg.Session.Endpoint != "ws://voice.local/ws" {
		t.Errorf("endpoint = %q", cfg.Session.Endpoint)
	}
	if cfg.Playback.Format != config.FormatAuto {
		t.Errorf("defaults not applied: format = %q", cfg.Playback.Format)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, watcherInitialYAML)
	rec := newChangeRecorder()

	w, err := config.NewWatcher(path, rec.onChange, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	rewrite(t, path, watcherUpdatedYAML)

	select {
	case <-rec.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("change callback not invoked")
	}

	rec.mu.Lock()
	old, cur := rec.calls[0][0], rec.calls[0][1]
	rec.mu.Unlock()

	d := config.Diff(old, cur)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %+v", d)
	}
	if !d.EndpointChanged || d.NewEndpoint != "wss://voice.example.com/ws" {
		t.Errorf("endpoint diff = %+v", d)
	}
	if w.Current() != cur {
		t.Error("Current does not return the reloaded config")
	}
}

func TestWatcher_InvalidEditKeepsPreviousConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, watcherInitialYAML)
	rec := newChangeRecorder()

	w, err := config.NewWatcher(path, rec.onChange, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	rewrite(t, path, watcherBrokenYAML)
	time.Sleep(150 * time.Millisecond)

	if n := rec.count(); n != 0 {
		t.Errorf("callback invoked %d times for an invalid file", n)
	}
	if got := w.Current().Session.Endpoint; got != "ws://voice.local/ws" {
		t.Errorf("endpoint = %q, want previous value", got)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, watcherInitialYAML)
	rec := newChangeRecorder()

	w, err := config.NewWatcher(path, rec.onChange, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)

	if n := rec.count(); n != 0 {
		t.Errorf("callback invoked %d times for a touch", n)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	w, err := config.NewWatcher(writeConfig(t, watcherInitialYAML), nil)
	if err != nil {
		t.Fatal(err)
	}
	w.Stop()
	w.Stop()
}
