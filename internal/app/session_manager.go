package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/pkg/client"
	"github.com/MrWong99/voicelink/pkg/transport"
)

var (
	// ErrNoEndpoint is returned by [SessionManager.Start] when neither the
	// request nor the configuration names an endpoint.
	ErrNoEndpoint = errors.New("session: no endpoint configured")

	// ErrNotActive is returned by [SessionManager.Stop] when no session runs.
	ErrNotActive = errors.New("session: no active session")
)

// SessionInfo holds metadata about the current or last session.
type SessionInfo struct {
	// SessionID is the unique identifier of the session.
	SessionID string

	// Endpoint is the address the session connects to.
	Endpoint string

	// StartedAt is when the session was started.
	StartedAt time.Time

	// StartedBy identifies who requested the start, e.g. the remote address
	// of an API caller or "auto" for auto-start.
	StartedBy string
}

// SessionManager controls the voice session of the host.
// Only one session can be active at a time.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	client  *client.Client
	metrics *observe.Metrics
	log     *slog.Logger

	mu       sync.Mutex
	endpoint string
	info     SessionInfo
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Client  *client.Client
	Metrics *observe.Metrics

	// Endpoint is used by start requests that do not name one.
	Endpoint string

	Logger *slog.Logger
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &SessionManager{
		client:   cfg.Client,
		metrics:  cfg.Metrics,
		log:      log,
		endpoint: cfg.Endpoint,
	}
}

// Start begins a new session against endpoint, or the configured default
// endpoint when empty. The session outlives ctx's cancellation; it ends
// with [SessionManager.Stop], a terminal failure or remote closure.
//
// Returns [client.ErrAlreadyStarted] if a session is already active and an
// error wrapping [capture.ErrDeviceAcquisition] if the microphone cannot be
// opened.
func (sm *SessionManager) Start(ctx context.Context, endpoint, startedBy string) error {
	if endpoint == "" {
		endpoint = sm.Endpoint()
	}
	err := sm.start(ctx, endpoint, startedBy)
	if sm.metrics != nil {
		sm.metrics.RecordSessionStart(ctx, err)
	}
	return err
}

func (sm *SessionManager) start(ctx context.Context, endpoint, startedBy string) error {
	if endpoint == "" {
		return ErrNoEndpoint
	}
	if err := config.ValidateEndpoint(endpoint); err != nil {
		return fmt.Errorf("session: %w", err)
	}

	// Hold the lock across Start so Info never pairs a session ID with the
	// endpoint of a concurrent start.
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if err := sm.client.Start(context.WithoutCancel(ctx), endpoint); err != nil {
		return err
	}
	sm.info = SessionInfo{
		SessionID: sm.client.SessionID(),
		Endpoint:  endpoint,
		StartedAt: time.Now().UTC(),
		StartedBy: startedBy,
	}
	observe.Logger(ctx, sm.log).Info("session started",
		"session_id", sm.info.SessionID,
		"endpoint", endpoint,
		"started_by", startedBy,
	)
	return nil
}

// Stop ends the active session and releases the microphone.
// Returns [ErrNotActive] if no session is running.
func (sm *SessionManager) Stop(ctx context.Context) error {
	if !sm.client.Running() {
		return ErrNotActive
	}
	sm.client.Stop()
	observe.Logger(ctx, sm.log).Info("session stopped", "session_id", sm.Info().SessionID)
	return nil
}

// IsActive reports whether a session is running.
func (sm *SessionManager) IsActive() bool {
	return sm.client.Running()
}

// Info returns the metadata of the current or last session.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// Status returns the transport status of the session.
func (sm *SessionManager) Status() transport.Status {
	return sm.client.Status()
}

// Stats returns the session counters.
func (sm *SessionManager) Stats() client.Stats {
	return sm.client.Stats()
}

// Lead returns the playback lead in seconds.
func (sm *SessionManager) Lead() float64 {
	return sm.client.Lead()
}

// Endpoint returns the default endpoint.
func (sm *SessionManager) Endpoint() string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.endpoint
}

// SetEndpoint replaces the default endpoint. A running session keeps its
// endpoint; the next start uses the new one.
func (sm *SessionManager) SetEndpoint(endpoint string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.endpoint = endpoint
}

// Watch logs session events and counts terminal failures until ctx is
// done or the client is closed.
func (sm *SessionManager) Watch(ctx context.Context) error {
	events, unsubscribe := sm.client.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			sm.handleEvent(ctx, ev)
		}
	}
}

func (sm *SessionManager) handleEvent(ctx context.Context, ev client.Event) {
	switch ev.Type {
	case client.EventStatus:
		sm.log.Debug("session status", "state", ev.Status.State, "text", ev.Text)
	case client.EventTerminal:
		if sm.metrics != nil {
			sm.metrics.TerminalFailures.Add(ctx, 1)
		}
		sm.log.Warn("session gave up reconnecting", "session_id", sm.Info().SessionID, "err", ev.Err)
	case client.EventCaptureFailed:
		sm.log.Warn("microphone unavailable", "err", ev.Err)
	case client.EventTranscription:
		sm.log.Info("transcription", "user_id", ev.UserID, "text", ev.Text, "timestamp", ev.Timestamp)
	case client.EventText:
		sm.log.Info("remote message", "text", ev.Text)
	}
}
