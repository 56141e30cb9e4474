// Package client assembles a complete voice streaming session.
//
// A [Client] wires the capture pipeline, frame codec, transport session and
// playback scheduler together behind an explicit lifecycle:
//
//	c, err := client.New(cfg)   // create
//	err = c.Start(ctx, endpoint) // start
//	c.Stop()                     // stop; may be started again
//	c.Close()                    // dispose
//
// Hosts observe the session through [Client.Status] and [Client.Subscribe].
// Only device acquisition failures and terminal transport failures are
// reported as errors or [EventTerminal]; per-frame problems are logged and
// counted in [Client.Stats].
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/capture"
	"github.com/MrWong99/voicelink/pkg/frame"
	"github.com/MrWong99/voicelink/pkg/playback"
	"github.com/MrWong99/voicelink/pkg/transport"
)

var (
	// ErrClosed is returned by methods of a closed [Client].
	ErrClosed = errors.New("client: closed")

	// ErrAlreadyStarted is returned by [Client.Start] on a running client.
	ErrAlreadyStarted = errors.New("client: already started")
)

const eventBuffer = 64

// Config configures a [Client].
type Config struct {
	// Dialer establishes transport connections. Required.
	Dialer transport.Dialer

	// Device is the capture source. Required.
	Device audio.Device

	// Output plays scheduled audio. Required.
	Output playback.Output

	// Decoder turns inbound payloads into PCM. Defaults to
	// [playback.AutoDecoder] with 16 kHz mono PCM fallback.
	Decoder playback.Decoder

	// Policy controls reconnect backoff.
	Policy transport.Policy

	// QueueSize bounds the per-connection outbound queue.
	QueueSize int

	// Constraints carries the capture block size and processing hints.
	// The sample format is fixed.
	Constraints audio.Constraints

	// GapThreshold overrides [playback.DefaultGapThreshold] when positive.
	GapThreshold float64

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Stats aggregates the counters of all session components.
type Stats struct {
	Capture   capture.Counters
	Transport transport.Counters
	Playback  playback.Counters

	// CodecErrors counts inbound messages that failed to parse or carried no
	// frame member.
	CodecErrors int64
	// EmptyPayloads counts inbound audio members without payload.
	EmptyPayloads int64
	// Transcriptions counts inbound transcription messages.
	Transcriptions int64
}

// Client is one embeddable voice session.
//
// All methods are safe for concurrent use.
type Client struct {
	id        string
	session   *transport.Session
	pipeline  *capture.Pipeline
	scheduler *playback.Scheduler
	output    playback.Output
	log       *slog.Logger

	codecErrors    atomic.Int64
	emptyPayloads  atomic.Int64
	transcriptions atomic.Int64

	// lifecycle serialises Start, Stop and the teardown after a terminal
	// failure. It is taken before mu.
	lifecycle sync.Mutex

	mu        sync.Mutex
	running   bool
	closed    bool
	sessionID string
	stopCtx   func() bool
	subs      map[int]chan Event
	nextSub   int
}

// New creates an idle client.
func New(cfg Config) (*Client, error) {
	var errs []error
	if cfg.Dialer == nil {
		errs = append(errs, errors.New("dialer is required"))
	}
	if cfg.Device == nil {
		errs = append(errs, errors.New("capture device is required"))
	}
	if cfg.Output == nil {
		errs = append(errs, errors.New("playback output is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	dec := cfg.Decoder
	if dec == nil {
		dec = playback.AutoDecoder{PCM: playback.PCMDecoder{SampleRate: audio.CaptureSampleRate, Channels: audio.CaptureChannels}}
	}

	id := uuid.NewString()
	log = log.With("client_id", id)

	c := &Client{
		id:     id,
		output: cfg.Output,
		log:    log,
		subs:   make(map[int]chan Event),
	}

	schedOpts := []playback.Option{playback.WithLogger(log)}
	if cfg.GapThreshold > 0 {
		schedOpts = append(schedOpts, playback.WithGapThreshold(cfg.GapThreshold))
	}
	c.scheduler = playback.NewScheduler(cfg.Output, dec, schedOpts...)

	c.session = transport.NewSession(transport.Config{
		Dialer:    cfg.Dialer,
		Handler:   c.handleMessage,
		Policy:    cfg.Policy,
		QueueSize: cfg.QueueSize,
		Logger:    log,
	})

	capOpts := []capture.Option{capture.WithLogger(log)}
	if cfg.Constraints != (audio.Constraints{}) {
		capOpts = append(capOpts, capture.WithConstraints(cfg.Constraints))
	}
	c.pipeline = capture.New(cfg.Device, c.session, capOpts...)

	return c, nil
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// SessionID returns the identifier of the current or last started session,
// or "" if the client was never started.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Start acquires the capture device and connects to endpoint. ctx governs
// the whole session: cancelling it stops the client.
//
// If the capture device cannot be acquired the returned error wraps
// [capture.ErrDeviceAcquisition], an [EventCaptureFailed] is published and
// nothing is started. Connection problems are not returned; they drive the
// reconnect state machine and are observable via [Client.Subscribe].
func (c *Client) Start(ctx context.Context, endpoint string) error {
	if endpoint == "" {
		return errors.New("client: start: empty endpoint")
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.running {
		return ErrAlreadyStarted
	}

	sessionID := uuid.NewString()
	log := c.log.With("session_id", sessionID)

	if err := c.pipeline.Start(ctx); err != nil {
		log.Error("client: capture device unavailable", "err", err)
		c.publishLocked(Event{Type: EventCaptureFailed, Err: err, Text: "Microphone unavailable."})
		return fmt.Errorf("client: start: %w", err)
	}

	statuses, unsubscribe := c.session.Subscribe()
	<-statuses // current snapshot, not a transition

	c.scheduler.Start()
	if err := c.session.Start(endpoint); err != nil {
		unsubscribe()
		c.scheduler.Stop()
		c.pipeline.Stop()
		return fmt.Errorf("client: start: %w", err)
	}

	c.running = true
	c.sessionID = sessionID
	c.stopCtx = context.AfterFunc(ctx, c.Stop)

	go c.watch(sessionID, statuses, unsubscribe, log)

	log.Info("client: session started", "endpoint", endpoint)
	return nil
}

// Stop ends the session: the connection is torn down, pending reconnects are
// cancelled, playback stops and the capture device is released. It is safe
// to call from any state and more than once.
func (c *Client) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	stopCtx := c.stopCtx
	c.stopCtx = nil
	c.mu.Unlock()

	if stopCtx != nil {
		stopCtx()
	}
	c.session.Stop()
	c.release()
}

// Close stops the client and closes all subscriber channels. A closed
// client cannot be started again.
func (c *Client) Close() error {
	c.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	return nil
}

// Running reports whether a session is active.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Status returns the transport status.
func (c *Client) Status() transport.Status {
	return c.session.Status()
}

// Stats returns a snapshot of all counters.
func (c *Client) Stats() Stats {
	return Stats{
		Capture:        c.pipeline.Counters(),
		Transport:      c.session.Counters(),
		Playback:       c.scheduler.Counters(),
		CodecErrors:    c.codecErrors.Load(),
		EmptyPayloads:  c.emptyPayloads.Load(),
		Transcriptions: c.transcriptions.Load(),
	}
}

// Lead returns how far ahead of the playback clock audio is scheduled, in
// seconds. It is 0 when nothing is pending.
func (c *Client) Lead() float64 {
	cur := c.scheduler.Cursor()
	if !cur.Primed() {
		return 0
	}
	return max(cur.NextStartTime-c.output.Now(), 0)
}

// Subscribe returns a channel of session events. A slow subscriber loses the
// oldest undelivered events. Call the returned function to unsubscribe. On a
// closed client the channel is already closed.
func (c *Client) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, eventBuffer)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	return ch, sync.OnceFunc(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	})
}

// watch forwards transport statuses until the session closes.
func (c *Client) watch(sessionID string, statuses <-chan transport.Status, unsubscribe func(), log *slog.Logger) {
	defer unsubscribe()

	for st := range statuses {
		c.publish(Event{Type: EventStatus, Status: st, Err: st.Err, Text: st.Text})

		if st.State != transport.StateClosed {
			continue
		}
		if st.Terminal {
			log.Error("client: connection lost", "err", st.Err)
			c.publish(Event{Type: EventTerminal, Status: st, Err: st.Err, Text: st.Text})
		}

		c.endSession(sessionID)
		log.Info("client: session ended", "reason", st.Text)
		return
	}
}

// endSession releases the capture device and playback of sessionID unless a
// Stop or a newer Start got there first.
func (c *Client) endSession(sessionID string) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if !c.running || c.sessionID != sessionID {
		c.mu.Unlock()
		return
	}
	c.running = false
	stopCtx := c.stopCtx
	c.stopCtx = nil
	c.mu.Unlock()

	if stopCtx != nil {
		stopCtx()
	}
	c.release()
}

func (c *Client) release() {
	c.scheduler.Stop()
	c.pipeline.Stop()
}

// handleMessage is the transport handler. It runs on the connection's read
// goroutine, so frames reach the scheduler in arrival order.
func (c *Client) handleMessage(b []byte) {
	fr, err := frame.Unmarshal(b)
	if err != nil {
		c.codecErrors.Add(1)
		c.log.Debug("client: dropping undecodable message", "bytes", len(b), "err", err)
		return
	}

	switch {
	case fr.Audio != nil:
		f, err := fr.AudioFrame()
		if err != nil {
			c.emptyPayloads.Add(1)
			c.log.Debug("client: ignoring audio frame", "err", err)
			return
		}
		// Scheduler failures are logged and counted by the scheduler.
		_, _ = c.scheduler.Enqueue(f)

	case fr.Transcription != nil:
		c.transcriptions.Add(1)
		tr := fr.Transcription
		c.log.Info("client: transcription", "user_id", tr.UserID, "text", tr.Text)
		c.publish(Event{Type: EventTranscription, Text: tr.Text, UserID: tr.UserID, Timestamp: tr.Timestamp})

	case fr.Text != nil:
		c.publish(Event{Type: EventText, Text: fr.Text.Text})

	default:
		c.codecErrors.Add(1)
		c.log.Debug("client: dropping message without a frame member", "bytes", len(b))
	}
}

func (c *Client) publish(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishLocked(ev)
}

func (c *Client) publishLocked(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
