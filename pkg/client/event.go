package client

import (
	"time"

	"github.com/MrWong99/voicelink/pkg/transport"
)

// EventType classifies events published by a [Client].
type EventType int

const (
	// EventStatus carries a transport status change.
	EventStatus EventType = iota

	// EventTerminal is published once reconnect attempts are exhausted. The
	// session has ended; Err wraps [transport.ErrTerminal].
	EventTerminal

	// EventCaptureFailed is published when the capture device cannot be
	// acquired. Err wraps [capture.ErrDeviceAcquisition].
	EventCaptureFailed

	// EventTranscription carries a speech-to-text result from the remote.
	EventTranscription

	// EventText carries free text from the remote.
	EventText
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventStatus:
		return "STATUS"
	case EventTerminal:
		return "TERMINAL"
	case EventCaptureFailed:
		return "CAPTURE_FAILED"
	case EventTranscription:
		return "TRANSCRIPTION"
	case EventText:
		return "TEXT"
	default:
		return "UNKNOWN"
	}
}

// Event is one notification from a [Client] to its host.
type Event struct {
	Type EventType

	// Status is set for EventStatus and EventTerminal.
	Status transport.Status

	// Text is the display text: the status text, the transcription or the
	// remote text message.
	Text string

	// UserID and Timestamp are set for EventTranscription.
	UserID    string
	Timestamp string

	// Err is set for failures.
	Err error

	At time.Time
}
