// Package mock provides in-memory mock implementations of the voicelink
// device, output, sender and transport interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream()
//	device := &mock.Device{OpenResult: stream}
//	sender := &mock.Sender{}
//	p := capture.New(device, sender)
//	_ = p.Start(ctx)
//	stream.Push([]float32{0.5, -0.5})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/transport"
)

// ─── Stream ──────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream]. Blocks pushed with
// [Stream.Push] are delivered on [Stream.Blocks] in order.
type Stream struct {
	in      chan []float32
	out     chan []float32
	done    chan struct{}
	endOnce sync.Once
	once    sync.Once

	mu sync.Mutex

	// CloseError is returned by [Stream.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewStream creates an open mock stream.
func NewStream() *Stream {
	s := &Stream{
		in:   make(chan []float32),
		out:  make(chan []float32),
		done: make(chan struct{}),
	}
	go s.forward()
	return s
}

func (s *Stream) forward() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case b, ok := <-s.in:
			if !ok {
				return
			}
			select {
			case s.out <- b:
			case <-s.done:
				return
			}
		}
	}
}

// Blocks implements [audio.Stream].
func (s *Stream) Blocks() <-chan []float32 { return s.out }

// Push hands block to the stream. It returns false once the stream is closed.
// Push must not be called after [Stream.End].
func (s *Stream) Push(block []float32) bool {
	select {
	case s.in <- block:
		return true
	case <-s.done:
		return false
	}
}

// End simulates the device running out of input: the Blocks channel is
// closed after pending blocks are delivered.
func (s *Stream) End() {
	s.endOnce.Do(func() { close(s.in) })
}

// Close implements [audio.Stream]. Returns CloseError.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.once.Do(func() { close(s.done) })
	return s.CloseError
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose > 0
}

// ─── Device ──────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Device.Open] invocation.
type OpenCall struct {
	// Constraints is the constraints argument passed to Open.
	Constraints audio.Constraints
}

// Device is a mock implementation of [audio.Device].
type Device struct {
	mu sync.Mutex

	// OpenResult is the stream returned by Open.
	OpenResult audio.Stream

	// OpenError is the error returned by Open.
	OpenError error

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall
}

// Open implements [audio.Device]. Records the call and returns OpenResult /
// OpenError.
func (d *Device) Open(_ context.Context, c audio.Constraints) (audio.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, OpenCall{Constraints: c})
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	return d.OpenResult, nil
}

// CallCountOpen returns how many times Open was called.
func (d *Device) CallCountOpen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OpenCalls)
}

// ─── Sender ──────────────────────────────────────────────────────────────────

// Sender is a mock implementation of capture.Sender.
type Sender struct {
	mu sync.Mutex

	// Reject makes Send refuse every frame.
	Reject bool

	// Accepted holds the accepted frames in order.
	Accepted [][]byte

	// CallCountSend records how many times Send was called.
	CallCountSend int
}

// Send records b and returns !Reject.
func (s *Sender) Send(b []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountSend++
	if s.Reject {
		return false
	}
	s.Accepted = append(s.Accepted, b)
	return true
}

// Frames returns a copy of the accepted frames.
func (s *Sender) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.Accepted))
	copy(out, s.Accepted)
	return out
}

// Calls returns how many times Send was called.
func (s *Sender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountSend
}

// ─── Output ──────────────────────────────────────────────────────────────────

// ScheduleCall records the arguments of a single [Output.Schedule] invocation.
type ScheduleCall struct {
	// Buffer is the decoded buffer passed to Schedule.
	Buffer audio.AudioFrame
	// At is the start time passed to Schedule.
	At float64
}

// Output is a mock implementation of playback.Output with a manually driven
// clock.
type Output struct {
	mu sync.Mutex

	// Time is returned by Now. Use [Output.SetTime] once the output is shared.
	Time float64

	// ScheduleError is returned by Schedule.
	ScheduleError error

	// ScheduleCalls records all Schedule invocations.
	ScheduleCalls []ScheduleCall
}

// Now returns Time.
func (o *Output) Now() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Time
}

// SetTime moves the clock.
func (o *Output) SetTime(t float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Time = t
}

// Schedule records the call and returns ScheduleError.
func (o *Output) Schedule(buf audio.AudioFrame, at float64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ScheduleCalls = append(o.ScheduleCalls, ScheduleCall{Buffer: buf, At: at})
	return o.ScheduleError
}

// Calls returns a copy of ScheduleCalls.
func (o *Output) Calls() []ScheduleCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ScheduleCall, len(o.ScheduleCalls))
	copy(out, o.ScheduleCalls)
	return out
}

// ─── Conn ────────────────────────────────────────────────────────────────────

// ErrConnClosed is returned by [Conn] methods after Close.
var ErrConnClosed = errors.New("mock: connection closed")

type inbound struct {
	typ  transport.MessageType
	data []byte
	err  error
}

// Conn is a mock implementation of [transport.Conn]. Inbound traffic is
// injected with [Conn.Deliver] and [Conn.Fail]; written messages appear on
// [Conn.Written].
type Conn struct {
	in      chan inbound
	written chan []byte
	closed  chan struct{}
	once    sync.Once

	mu sync.Mutex

	// WriteError, when set, is returned by Write.
	WriteError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewConn creates an open mock connection.
func NewConn() *Conn {
	return &Conn{
		in:      make(chan inbound, 64),
		written: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

// Read implements [transport.Conn].
func (c *Conn) Read(ctx context.Context) (transport.MessageType, []byte, error) {
	select {
	case m := <-c.in:
		return m.typ, m.data, m.err
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-c.closed:
		return 0, nil, ErrConnClosed
	}
}

// Write implements [transport.Conn].
func (c *Conn) Write(ctx context.Context, b []byte) error {
	c.mu.Lock()
	werr := c.WriteError
	c.mu.Unlock()
	if werr != nil {
		return werr
	}
	select {
	case c.written <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrConnClosed
	}
}

// Close implements [transport.Conn].
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountClose > 0
}

// Deliver injects one inbound binary message.
func (c *Conn) Deliver(b []byte) {
	c.in <- inbound{typ: transport.MessageBinary, data: b}
}

// DeliverText injects one inbound text message.
func (c *Conn) DeliverText(s string) {
	c.in <- inbound{typ: transport.MessageText, data: []byte(s)}
}

// Fail makes the next Read return err.
func (c *Conn) Fail(err error) {
	c.in <- inbound{err: err}
}

// Written returns the channel of messages written to the connection.
func (c *Conn) Written() <-chan []byte { return c.written }

// ─── Dialer ──────────────────────────────────────────────────────────────────

// DialCall records the arguments of a single [Dialer.Dial] invocation.
type DialCall struct {
	// Endpoint is the endpoint argument passed to Dial.
	Endpoint string
}

// Dialer is a mock implementation of [transport.Dialer]. Each successful
// Dial returns a fresh [Conn] that is also published on [Dialer.Conns].
type Dialer struct {
	mu    sync.Mutex
	conns chan *Conn

	// DialError is the error returned by Dial. While set, no Conn is created.
	DialError error

	// DialCalls records all Dial invocations.
	DialCalls []DialCall
}

// Dial implements [transport.Dialer].
func (d *Dialer) Dial(_ context.Context, endpoint string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialCalls = append(d.DialCalls, DialCall{Endpoint: endpoint})
	if d.DialError != nil {
		return nil, d.DialError
	}
	c := NewConn()
	d.connsLocked() <- c
	return c, nil
}

// SetDialError changes DialError once the dialer is shared.
func (d *Dialer) SetDialError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialError = err
}

// Conns returns the channel on which dialled connections are published.
func (d *Dialer) Conns() <-chan *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connsLocked()
}

// CallCountDial returns how many times Dial was called.
func (d *Dialer) CallCountDial() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.DialCalls)
}

func (d *Dialer) connsLocked() chan *Conn {
	if d.conns == nil {
		d.conns = make(chan *Conn, 64)
	}
	return d.conns
}
