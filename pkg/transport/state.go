package transport

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a [Session].
type State int

const (
	// StateIdle is the state of a session that has never been started.
	StateIdle State = iota

	// StateConnecting means a connection attempt is in flight.
	StateConnecting

	// StateOpen means the connection is established. It is the only state
	// in which [Session.Send] transmits.
	StateOpen

	// StateClosing is entered by [Session.Stop] while the connection is torn down.
	StateClosing

	// StateClosed is terminal for the current start: stopped by the caller,
	// closed normally by the remote, or reconnects exhausted.
	StateClosed

	// StateFailed means the last connection failed and a reconnect is
	// scheduled after the backoff delay.
	StateFailed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Indicator is the coarse status a host renders, e.g. as a coloured dot.
type Indicator string

const (
	IndicatorConnecting Indicator = "connecting"
	IndicatorOpen       Indicator = "open"
	IndicatorClosed     Indicator = "closed"
	IndicatorError      Indicator = "error"
)

// Status is one observable snapshot of a [Session].
type Status struct {
	State     State
	Indicator Indicator
	// Text is a short human-readable description suitable for display.
	Text string

	// Attempt is the current reconnect attempt (0 when none is pending) and
	// MaxAttempts the configured cap.
	Attempt     int
	MaxAttempts int
	// Delay is the backoff delay before the pending reconnect.
	Delay time.Duration

	// Terminal is set on the status that ends a session because reconnects
	// were exhausted. Err then wraps [ErrTerminal].
	Terminal bool
	Err      error

	// Endpoint is the address the session was started with.
	Endpoint string
	// At is when the status was produced.
	At time.Time
}

// Display texts.
const (
	textReady          = "Ready"
	textConnecting     = "Connecting..."
	textConnected      = "Connected! Speak now..."
	textReconnecting   = "Reconnecting... (%d/%d)"
	textConnectionLost = "Connection lost."
	textRemoteClosed   = "Closed by remote."
	textStopping       = "Stopping..."
)

func indicatorFor(s State) Indicator {
	switch s {
	case StateConnecting:
		return IndicatorConnecting
	case StateOpen:
		return IndicatorOpen
	case StateFailed:
		return IndicatorError
	default:
		return IndicatorClosed
	}
}
