// Package frame implements the binary wire format exchanged with the remote
// voice endpoint.
//
// Messages use protobuf wire encoding and follow the counterpart service's
// frames.proto (package pipecat):
//
//	message TextFrame          { uint64 id = 1; string name = 2; string text = 3; }
//	message AudioRawFrame      { uint64 id = 1; string name = 2; bytes audio = 3;
//	                             uint32 sample_rate = 4; uint32 num_channels = 5;
//	                             optional uint64 pts = 6; }
//	message TranscriptionFrame { uint64 id = 1; string name = 2; string text = 3;
//	                             string user_id = 4; string timestamp = 5; }
//	message Frame { oneof frame { TextFrame text = 1; AudioRawFrame audio = 2;
//	                              TranscriptionFrame transcription = 3; } }
//
// The codec is hand-written on top of [protowire] so that the module carries
// no generated code. Unknown fields are skipped as protobuf requires.
package frame

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/MrWong99/voicelink/pkg/audio"
)

var (
	// ErrDecode is wrapped by every error returned from [Unmarshal] and
	// [DecodeAudio]. Callers treat it as "no audio in this message".
	ErrDecode = errors.New("frame: decode failed")

	// ErrNoAudio means the message parsed but carries no audio member.
	ErrNoAudio = fmt.Errorf("%w: no audio member", ErrDecode)

	// ErrEmptyPayload means the audio member is present but its payload is empty.
	ErrEmptyPayload = fmt.Errorf("%w: empty audio payload", ErrDecode)

	// ErrInvalidFrame is returned by the encoders for frames that cannot be
	// represented: empty payload or non-positive format fields.
	ErrInvalidFrame = errors.New("frame: invalid frame")
)

// Field numbers of Frame.
const (
	fieldText          protowire.Number = 1
	fieldAudio         protowire.Number = 2
	fieldTranscription protowire.Number = 3
)

// Field numbers shared by the nested messages.
const (
	fieldID        protowire.Number = 1
	fieldName      protowire.Number = 2
	fieldPayload   protowire.Number = 3 // audio for AudioRawFrame, text otherwise
	fieldRate      protowire.Number = 4 // sample_rate / user_id
	fieldChannels  protowire.Number = 5 // num_channels / timestamp
	fieldPTS       protowire.Number = 6
	audioFrameName                  = "AudioRawFrame"
)

// Frame is the top-level wire message. At most one member is set.
type Frame struct {
	Text          *TextFrame
	Audio         *AudioRawFrame
	Transcription *TranscriptionFrame
}

// TextFrame carries free text from the counterpart.
type TextFrame struct {
	ID   uint64
	Name string
	Text string
}

// AudioRawFrame carries one audio payload plus its format metadata.
type AudioRawFrame struct {
	ID    uint64
	Name  string
	Audio []byte
	// SampleRate and NumChannels are int32 on the wire. Values <= 0 mean
	// the sender left the format unspecified.
	SampleRate  int32
	NumChannels int32
	// PTS is the optional presentation timestamp; nil when absent.
	PTS *uint64
}

// TranscriptionFrame carries a speech-to-text result produced by the counterpart.
type TranscriptionFrame struct {
	ID        uint64
	Name      string
	Text      string
	UserID    string
	Timestamp string
}

// EncodeAudio wraps f in a Frame and returns its wire encoding. The result is
// either a complete buffer or nil with an error wrapping [ErrInvalidFrame].
func EncodeAudio(f audio.AudioFrame) ([]byte, error) {
	if len(f.Data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidFrame)
	}
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return nil, fmt.Errorf("%w: format %s", ErrInvalidFrame, f.Format())
	}
	return Marshal(&Frame{Audio: &AudioRawFrame{
		Name:        audioFrameName,
		Audio:       f.Data,
		SampleRate:  int32(f.SampleRate),
		NumChannels: int32(f.Channels),
	}})
}

// DecodeAudio parses b and returns its audio member as an [audio.AudioFrame].
// Messages without audio, or with an empty payload, are reported as errors
// wrapping [ErrDecode]. The returned frame's Data aliases b.
func DecodeAudio(b []byte) (audio.AudioFrame, error) {
	fr, err := Unmarshal(b)
	if err != nil {
		return audio.AudioFrame{}, err
	}
	return fr.AudioFrame()
}

// AudioFrame converts the audio member of fr.
func (fr *Frame) AudioFrame() (audio.AudioFrame, error) {
	if fr == nil || fr.Audio == nil {
		return audio.AudioFrame{}, ErrNoAudio
	}
	if len(fr.Audio.Audio) == 0 {
		return audio.AudioFrame{}, ErrEmptyPayload
	}
	return audio.AudioFrame{
		Data:       fr.Audio.Audio,
		SampleRate: int(max(fr.Audio.SampleRate, 0)),
		Channels:   int(max(fr.Audio.NumChannels, 0)),
	}, nil
}

// Marshal returns the deterministic wire encoding of fr. Exactly one member
// must be set.
func Marshal(fr *Frame) ([]byte, error) {
	if fr == nil {
		return nil, fmt.Errorf("%w: nil frame", ErrInvalidFrame)
	}
	set := 0
	for _, ok := range []bool{fr.Text != nil, fr.Audio != nil, fr.Transcription != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("%w: %d members set, want exactly 1", ErrInvalidFrame, set)
	}

	var (
		num  protowire.Number
		body []byte
	)
	switch {
	case fr.Audio != nil:
		num, body = fieldAudio, fr.Audio.append(nil)
	case fr.Text != nil:
		num, body = fieldText, fr.Text.append(nil)
	default:
		num, body = fieldTranscription, fr.Transcription.append(nil)
	}

	out := make([]byte, 0, len(body)+protowire.SizeTag(num)+protowire.SizeBytes(len(body)))
	out = protowire.AppendTag(out, num, protowire.BytesType)
	out = protowire.AppendBytes(out, body)
	return out, nil
}

// Unmarshal parses a wire-encoded Frame. All errors wrap [ErrDecode]. When
// the oneof appears more than once, the last member wins, matching protobuf
// semantics. Byte and string fields alias b.
func Unmarshal(b []byte) (*Frame, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrDecode)
	}
	fr := &Frame{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		switch num {
		case fieldText, fieldAudio, fieldTranscription:
			if typ != protowire.BytesType {
				return fmt.Errorf("field %d: wire type %d, want bytes", num, typ)
			}
		default:
			return nil
		}
		*fr = Frame{}
		switch num {
		case fieldAudio:
			a := &AudioRawFrame{}
			if err := a.parse(v); err != nil {
				return fmt.Errorf("audio: %w", err)
			}
			fr.Audio = a
		case fieldText:
			t := &TextFrame{}
			if err := t.parse(v); err != nil {
				return fmt.Errorf("text: %w", err)
			}
			fr.Text = t
		case fieldTranscription:
			t := &TranscriptionFrame{}
			if err := t.parse(v); err != nil {
				return fmt.Errorf("transcription: %w", err)
			}
			fr.Transcription = t
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return fr, nil
}

func (a *AudioRawFrame) append(b []byte) []byte {
	b = appendVarint(b, fieldID, a.ID)
	b = appendString(b, fieldName, a.Name)
	b = appendBytes(b, fieldPayload, a.Audio)
	b = appendVarint(b, fieldRate, uint64(int64(a.SampleRate)))
	b = appendVarint(b, fieldChannels, uint64(int64(a.NumChannels)))
	if a.PTS != nil {
		b = protowire.AppendTag(b, fieldPTS, protowire.VarintType)
		b = protowire.AppendVarint(b, *a.PTS)
	}
	return b
}

func (a *AudioRawFrame) parse(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case fieldID:
			return expectVarint(num, typ, func() { a.ID = n })
		case fieldName:
			return expectBytes(num, typ, func() { a.Name = string(v) })
		case fieldPayload:
			return expectBytes(num, typ, func() { a.Audio = v })
		case fieldRate:
			return expectVarint(num, typ, func() { a.SampleRate = int32(n) })
		case fieldChannels:
			return expectVarint(num, typ, func() { a.NumChannels = int32(n) })
		case fieldPTS:
			return expectVarint(num, typ, func() { pts := n; a.PTS = &pts })
		}
		return nil
	})
}

func (t *TextFrame) append(b []byte) []byte {
	b = appendVarint(b, fieldID, t.ID)
	b = appendString(b, fieldName, t.Name)
	return appendString(b, fieldPayload, t.Text)
}

func (t *TextFrame) parse(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case fieldID:
			return expectVarint(num, typ, func() { t.ID = n })
		case fieldName:
			return expectBytes(num, typ, func() { t.Name = string(v) })
		case fieldPayload:
			return expectBytes(num, typ, func() { t.Text = string(v) })
		}
		return nil
	})
}

func (t *TranscriptionFrame) append(b []byte) []byte {
	b = appendVarint(b, fieldID, t.ID)
	b = appendString(b, fieldName, t.Name)
	b = appendString(b, fieldPayload, t.Text)
	b = appendString(b, fieldRate, t.UserID)
	return appendString(b, fieldChannels, t.Timestamp)
}

func (t *TranscriptionFrame) parse(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case fieldID:
			return expectVarint(num, typ, func() { t.ID = n })
		case fieldName:
			return expectBytes(num, typ, func() { t.Name = string(v) })
		case fieldPayload:
			return expectBytes(num, typ, func() { t.Text = string(v) })
		case fieldRate:
			return expectBytes(num, typ, func() { t.UserID = string(v) })
		case fieldChannels:
			return expectBytes(num, typ, func() { t.Timestamp = string(v) })
		}
		return nil
	})
}

// walk iterates over the fields of one message. For bytes fields v holds the
// value; for varint fields n does. Other wire types are consumed and passed
// with neither set.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return protowire.ParseError(tagLen)
		}
		b = b[tagLen:]

		var (
			v      []byte
			n      uint64
			valLen int
		)
		switch typ {
		case protowire.BytesType:
			v, valLen = protowire.ConsumeBytes(b)
		case protowire.VarintType:
			n, valLen = protowire.ConsumeVarint(b)
		default:
			valLen = protowire.ConsumeFieldValue(num, typ, b)
		}
		if valLen < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(valLen))
		}
		b = b[valLen:]

		if err := fn(num, typ, v, n); err != nil {
			return err
		}
	}
	return nil
}

func expectVarint(num protowire.Number, typ protowire.Type, set func()) error {
	if typ != protowire.VarintType {
		return fmt.Errorf("field %d: wire type %d, want varint", num, typ)
	}
	set()
	return nil
}

func expectBytes(num protowire.Number, typ protowire.Type, set func()) error {
	if typ != protowire.BytesType {
		return fmt.Errorf("field %d: wire type %d, want bytes", num, typ)
	}
	set()
	return nil
}

// Proto3 scalars are omitted when they hold the zero value.

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}
