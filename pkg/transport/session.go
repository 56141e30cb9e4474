// Package transport owns the connection to the remote voice endpoint.
//
// A [Session] is an explicit state machine:
//
//	Idle ──Start──▶ Connecting ──ok──▶ Open
//	                    │               │
//	                    └──error──▶ Failed ◀──error/abnormal close──┘
//	                                  │
//	              backoff elapsed ────┘──▶ Connecting   (up to MaxAttempts)
//	              attempts exhausted ─────▶ Closed      (terminal, ErrTerminal)
//
//	any state ──Stop──▶ Closing ──▶ Closed
//
// Network errors never propagate to callers; they are translated into state
// transitions and published as [Status] values on [Session.Subscribe].
// Received binary messages are passed, unmodified and in arrival order, to
// the configured [Handler].
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrTerminal is wrapped by the error of the terminal [Status] published
	// when reconnect attempts are exhausted.
	ErrTerminal = errors.New("transport: reconnect attempts exhausted")

	// ErrAlreadyStarted is returned by [Session.Start] on an active session.
	ErrAlreadyStarted = errors.New("transport: session already started")
)

// tracerName is the instrumentation scope for connect spans.
const tracerName = "github.com/MrWong99/voicelink/pkg/transport"

const (
	defaultQueueSize = 64
	subscriberBuffer = 16
)

// Handler receives every inbound binary message. It is called from the
// connection's read goroutine, one message at a time, and must not block for
// long.
type Handler func(b []byte)

// Config configures a [Session].
type Config struct {
	// Dialer establishes connections. Required.
	Dialer Dialer

	// Handler receives inbound binary messages. May be nil.
	Handler Handler

	// Policy controls reconnect backoff. Zero fields take defaults.
	Policy Policy

	// QueueSize bounds the per-connection outbound queue. Defaults to 64.
	QueueSize int

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Counters is a snapshot of session message accounting.
type Counters struct {
	Sent       int64
	Dropped    int64
	Received   int64
	Reconnects int64
}

type timer interface {
	Stop() bool
}

// Session manages one logical connection lifecycle with automatic
// reconnects.
//
// All methods are safe for concurrent use.
type Session struct {
	dialer    Dialer
	handler   Handler
	policy    Policy
	queueSize int
	log       *slog.Logger

	// Replaced in tests.
	afterFunc func(time.Duration, func()) timer
	now       func() time.Time

	sent       atomic.Int64
	dropped    atomic.Int64
	received   atomic.Int64
	reconnects atomic.Int64

	mu       sync.Mutex
	state    State
	endpoint string
	attempts int
	delay    time.Duration
	// gen invalidates goroutines and timers that belong to a superseded
	// connection. It is bumped on every start, failure and stop.
	gen        uint64
	runCtx     context.Context
	runCancel  context.CancelFunc
	conn       Conn
	connCancel context.CancelFunc
	queue      chan []byte
	retry      timer
	status     Status
	subs       map[int]chan Status
	nextSub    int
}

// NewSession creates an idle session.
func NewSession(cfg Config) *Session {
	qs := cfg.QueueSize
	if qs <= 0 {
		qs = defaultQueueSize
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		dialer:    cfg.Dialer,
		handler:   cfg.Handler,
		policy:    cfg.Policy.withDefaults(),
		queueSize: qs,
		log:       log,
		afterFunc: func(d time.Duration, f func()) timer { return time.AfterFunc(d, f) },
		now:       time.Now,
		subs:      make(map[int]chan Status),
	}
	s.status = Status{
		State:       StateIdle,
		Indicator:   IndicatorClosed,
		Text:        textReady,
		MaxAttempts: s.policy.MaxAttempts,
		At:          s.now(),
	}
	return s
}

// Start begins connecting to endpoint. It returns immediately; progress is
// reported through [Session.Subscribe]. A session can be started again
// after it has reached [StateClosed].
func (s *Session) Start(endpoint string) error {
	if endpoint == "" {
		return errors.New("transport: start: empty endpoint")
	}
	if s.dialer == nil {
		return errors.New("transport: start: no dialer configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateIdle, StateClosed:
	default:
		return ErrAlreadyStarted
	}

	s.endpoint = endpoint
	s.attempts = 0
	s.delay = 0
	s.gen++
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.setStateLocked(StateConnecting, textConnecting, nil)

	go s.connect(s.runCtx, s.gen, endpoint, 0)
	return nil
}

// Send queues b for transmission. It never blocks. Outside [StateOpen], or
// when the connection's queue is full, b is dropped and Send returns false.
// Nothing queued on one connection is ever sent on the next.
func (s *Session) Send(b []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen || s.queue == nil {
		s.dropped.Add(1)
		return false
	}
	select {
	case s.queue <- b:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Stop tears down the connection and cancels any pending reconnect. It is
// safe to call from any state and more than once.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateIdle, StateClosed:
		return
	}

	s.gen++
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.setStateLocked(StateClosing, textStopping, nil)
	s.teardownLocked()
	s.runCancel()
	s.attempts = 0
	s.delay = 0
	s.setStateLocked(StateClosed, textReady, nil)
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the most recent status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Counters returns a snapshot of message accounting since creation.
func (s *Session) Counters() Counters {
	return Counters{
		Sent:       s.sent.Load(),
		Dropped:    s.dropped.Load(),
		Received:   s.received.Load(),
		Reconnects: s.reconnects.Load(),
	}
}

// Subscribe returns a channel that receives the current status immediately
// and every subsequent status change. A slow subscriber loses the oldest
// undelivered statuses, never the newest. Call the returned function to
// unsubscribe; it closes the channel.
func (s *Session) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, subscriberBuffer)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.status
	s.mu.Unlock()

	return ch, sync.OnceFunc(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
		close(ch)
	})
}

// connect dials once and moves the session to Open or Failed.
func (s *Session) connect(runCtx context.Context, gen uint64, endpoint string, attempt int) {
	ctx, span := otel.Tracer(tracerName).Start(runCtx, "transport.connect",
		trace.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.Int("attempt", attempt),
		),
	)
	conn, err := s.dialer.Dial(ctx, endpoint)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.state != StateConnecting {
		if conn != nil {
			go conn.Close()
		}
		return
	}
	if err != nil {
		s.log.Warn("transport: connect failed", "endpoint", endpoint, "attempt", attempt, "err", err)
		s.failLocked(err)
		return
	}

	connCtx, cancel := context.WithCancel(runCtx)
	queue := make(chan []byte, s.queueSize)
	s.conn = conn
	s.connCancel = cancel
	s.queue = queue
	s.attempts = 0
	s.delay = 0
	s.setStateLocked(StateOpen, textConnected, nil)

	go s.readLoop(connCtx, gen, conn)
	go s.writeLoop(connCtx, gen, conn, queue)
}

// reconnect runs when the backoff delay of generation gen has elapsed.
func (s *Session) reconnect(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateFailed {
		s.mu.Unlock()
		return
	}
	s.retry = nil
	ctx, endpoint, attempt := s.runCtx, s.endpoint, s.attempts
	s.setStateLocked(StateConnecting, textConnecting, nil)
	s.mu.Unlock()

	s.log.Info("transport: attempting reconnection",
		"endpoint", endpoint,
		"attempt", attempt,
		"max_attempts", s.policy.MaxAttempts,
	)
	s.connect(ctx, gen, endpoint, attempt)
}

func (s *Session) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.connectionLost(gen, err)
			return
		}
		if typ != MessageBinary {
			continue
		}
		s.received.Add(1)
		if s.handler != nil {
			s.handler(data)
		}
	}
}

func (s *Session) writeLoop(ctx context.Context, gen uint64, conn Conn, queue <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-queue:
			if err := conn.Write(ctx, b); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.connectionLost(gen, err)
				return
			}
			s.sent.Add(1)
		}
	}
}

// connectionLost handles the end of an open connection of generation gen.
func (s *Session) connectionLost(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.state != StateOpen {
		return
	}
	if errors.Is(err, ErrRemoteClosed) {
		s.log.Info("transport: connection closed by remote", "endpoint", s.endpoint)
		s.gen++
		s.teardownLocked()
		s.runCancel()
		s.setStateLocked(StateClosed, textRemoteClosed, nil)
		return
	}
	s.log.Warn("transport: connection lost", "endpoint", s.endpoint, "err", err)
	s.failLocked(err)
}

// failLocked moves to Failed and schedules a reconnect, or to a terminal
// Closed once attempts are exhausted. Must be called with s.mu held.
func (s *Session) failLocked(cause error) {
	s.gen++
	s.teardownLocked()
	s.attempts++

	if s.attempts > s.policy.MaxAttempts {
		err := fmt.Errorf("%w (%d attempts): %w", ErrTerminal, s.policy.MaxAttempts, cause)
		s.log.Error("transport: reconnection failed after max attempts",
			"endpoint", s.endpoint,
			"max_attempts", s.policy.MaxAttempts,
			"err", cause,
		)
		s.runCancel()
		s.attempts = 0
		s.delay = 0
		s.publishLocked(Status{
			State:     StateClosed,
			Indicator: IndicatorError,
			Text:      textConnectionLost,
			Terminal:  true,
			Err:       err,
		})
		return
	}

	s.delay = s.policy.Delay(s.attempts)
	s.reconnects.Add(1)
	s.setStateLocked(StateFailed, fmt.Sprintf(textReconnecting, s.attempts, s.policy.MaxAttempts), cause)

	gen := s.gen
	s.retry = s.afterFunc(s.delay, func() { s.reconnect(gen) })
}

// teardownLocked releases the current connection, if any. Its queue is
// discarded with it. Must be called with s.mu held.
func (s *Session) teardownLocked() {
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	if s.conn != nil {
		go s.conn.Close()
		s.conn = nil
	}
	s.queue = nil
}

func (s *Session) setStateLocked(state State, text string, err error) {
	s.publishLocked(Status{
		State:     state,
		Indicator: indicatorFor(state),
		Text:      text,
		Err:       err,
	})
}

// publishLocked completes st, makes it current and fans it out to
// subscribers. Must be called with s.mu held.
func (s *Session) publishLocked(st Status) {
	st.Attempt = s.attempts
	st.MaxAttempts = s.policy.MaxAttempts
	st.Delay = s.delay
	st.Endpoint = s.endpoint
	st.At = s.now()

	from := s.state
	s.state = st.State
	s.status = st

	s.log.Debug("transport: state changed",
		"from", from.String(),
		"to", st.State.String(),
		"endpoint", s.endpoint,
		"attempt", st.Attempt,
	)

	for _, ch := range s.subs {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}
