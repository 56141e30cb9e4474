package playback_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"layeh.com/gopus"

	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/playback"
)

// wavBytes builds a RIFF/WAVE container. extra chunks are inserted between
// the fmt and data chunks.
func wavBytes(format, channels, rate, bits int, data []byte, extra ...[]byte) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian

	body := new(bytes.Buffer)
	body.WriteString("WAVE")
	body.WriteString("fmt ")
	_ = binary.Write(body, le, uint32(16))
	_ = binary.Write(body, le, uint16(format))
	_ = binary.Write(body, le, uint16(channels))
	_ = binary.Write(body, le, uint32(rate))
	_ = binary.Write(body, le, uint32(rate*channels*bits/8))
	_ = binary.Write(body, le, uint16(channels*bits/8))
	_ = binary.Write(body, le, uint16(bits))
	for _, e := range extra {
		body.Write(e)
	}
	body.WriteString("data")
	_ = binary.Write(body, le, uint32(len(data)))
	body.Write(data)

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, le, uint32(body.Len()))
	buf.Write(body.Bytes())
	return buf.Bytes()
}

func encodeWAV(t *testing.T, samples []int16, rate, channels int) []byte {
	t.Helper()
	return wavBytes(1, channels, rate, 16, audio.Int16sToBytes(samples))
}

func TestWAVDecoder_PCM16(t *testing.T) {
	samples := []int16{0, 1000, -1000, 32767, -32768, 5}
	got, err := playback.WAVDecoder{}.Decode(audio.AudioFrame{Data: encodeWAV(t, samples, 24000, 1)})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.SampleRate != 24000 || got.Channels != 1 {
		t.Errorf("format = %s, want 24000Hz mono", got.Format())
	}
	if !bytes.Equal(got.Data, audio.Int16sToBytes(samples)) {
		t.Errorf("samples = %v, want %v", audio.BytesToInt16s(got.Data), samples)
	}
}

func TestWAVDecoder_ContainerFormatWinsOverMetadata(t *testing.T) {
	wav := encodeWAV(t, []int16{1, 2, 3, 4}, 22050, 2)
	got, err := playback.WAVDecoder{}.Decode(audio.AudioFrame{Data: wav, SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.SampleRate != 22050 || got.Channels != 2 {
		t.Errorf("format = %s, want 22050Hz stereo", got.Format())
	}
}

func TestWAVDecoder_Float32(t *testing.T) {
	data := make([]byte, 12)
	for i, f := range []float32{1.0, -1.0, 0.5} {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(f))
	}
	got, err := playback.WAVDecoder{}.Decode(audio.AudioFrame{Data: wavBytes(3, 1, 16000, 32, data)})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := []int16{32767, -32768, 16383}
	gotSamples := audio.BytesToInt16s(got.Data)
	for i := range want {
		if gotSamples[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, gotSamples[i], want[i])
		}
	}
}

func TestWAVDecoder_SkipsUnknownChunks(t *testing.T) {
	// An odd-sized LIST chunk exercises word-alignment padding.
	list := append([]byte("LIST"), 3, 0, 0, 0, 'a', 'b', 'c', 0)
	wav := wavBytes(1, 1, 16000, 16, audio.Int16sToBytes([]int16{7, 8}), list)
	got, err := playback.WAVDecoder{}.Decode(audio.AudioFrame{Data: wav})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if s := audio.BytesToInt16s(got.Data); len(s) != 2 || s[0] != 7 || s[1] != 8 {
		t.Errorf("samples = %v, want [7 8]", s)
	}
}

func TestWAVDecoder_StreamingPlaceholderSize(t *testing.T) {
	wav := encodeWAV(t, []int16{1, 2, 3}, 16000, 1)
	// Overwrite the data chunk size with the 0xFFFFFFFF placeholder.
	binary.LittleEndian.PutUint32(wav[40:44], math.MaxUint32)
	got, err := playback.WAVDecoder{}.Decode(audio.AudioFrame{Data: wav})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n := len(got.Data); n != 6 {
		t.Errorf("data = %d bytes, want 6", n)
	}
}

func TestWAVDecoder_Invalid(t *testing.T) {
	valid := encodeWAV(t, []int16{1, 2}, 16000, 1)
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not riff", []byte("this is plainly not a wav file")},
		{"header only", valid[:12]},
		{"truncated fmt", valid[:30]},
		{"no data chunk", valid[:36]},
		{"empty data", wavBytes(1, 1, 16000, 16, nil)},
		{"8 bit", wavBytes(1, 1, 16000, 8, []byte{1, 2, 3, 4})},
		{"zero channels", wavBytes(1, 0, 16000, 16, []byte{1, 2})},
		{"mulaw", wavBytes(7, 1, 8000, 8, []byte{1, 2})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := (playback.WAVDecoder{}).Decode(audio.AudioFrame{Data: tt.data}); !errors.Is(err, playback.ErrPlaybackDecode) {
				t.Errorf("err = %v, want ErrPlaybackDecode", err)
			}
		})
	}
}

func TestPCMDecoder(t *testing.T) {
	t.Run("uses frame metadata", func(t *testing.T) {
		got, err := playback.PCMDecoder{SampleRate: 8000, Channels: 1}.Decode(
			audio.AudioFrame{Data: []byte{1, 2, 3, 4}, SampleRate: 24000, Channels: 2})
		if err != nil {
			t.Fatal(err)
		}
		if got.SampleRate != 24000 || got.Channels != 2 {
			t.Errorf("format = %s", got.Format())
		}
	})

	t.Run("falls back to defaults", func(t *testing.T) {
		got, err := playback.PCMDecoder{SampleRate: 24000, Channels: 1}.Decode(audio.AudioFrame{Data: []byte{1, 2, 3}})
		if err != nil {
			t.Fatal(err)
		}
		if got.SampleRate != 24000 || len(got.Data) != 2 {
			t.Errorf("got %s with %d bytes, want 24000Hz and 2 bytes", got.Format(), len(got.Data))
		}
	})

	t.Run("errors", func(t *testing.T) {
		for _, in := range []audio.AudioFrame{
			{Data: []byte{1, 2}},                          // no format anywhere
			{Data: []byte{1}, SampleRate: 16000, Channels: 1}, // no whole sample
		} {
			if _, err := (playback.PCMDecoder{}).Decode(in); !errors.Is(err, playback.ErrPlaybackDecode) {
				t.Errorf("Decode(%v) err = %v, want ErrPlaybackDecode", in.Data, err)
			}
		}
	})
}

func TestAutoDecoder(t *testing.T) {
	dec := playback.AutoDecoder{PCM: playback.PCMDecoder{SampleRate: 16000, Channels: 1}}

	got, err := dec.Decode(audio.AudioFrame{Data: encodeWAV(t, []int16{1, 2}, 44100, 2)})
	if err != nil {
		t.Fatalf("wav: %v", err)
	}
	if got.SampleRate != 44100 {
		t.Errorf("wav rate = %d, want 44100", got.SampleRate)
	}

	got, err = dec.Decode(audio.AudioFrame{Data: []byte{1, 0, 2, 0}})
	if err != nil {
		t.Fatalf("pcm: %v", err)
	}
	if got.SampleRate != 16000 || len(got.Data) != 4 {
		t.Errorf("pcm = %s, %d bytes", got.Format(), len(got.Data))
	}
}

func TestOpusDecoder(t *testing.T) {
	enc, err := gopus.NewEncoder(48000, 1, gopus.Voip)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	pcm := make([]int16, 960) // 20 ms
	for i := range pcm {
		pcm[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/48000))
	}
	packet, err := enc.Encode(pcm, 960, 4000)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	dec, err := playback.NewOpusDecoder(48000, 1)
	if err != nil {
		t.Fatalf("NewOpusDecoder: %v", err)
	}
	got, err := dec.Decode(audio.AudioFrame{Data: packet})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.SampleRate != 48000 || got.Channels != 1 {
		t.Errorf("format = %s, want 48000Hz mono", got.Format())
	}
	if n := len(got.Data) / 2; n != 960 {
		t.Errorf("decoded %d samples, want 960", n)
	}

	if _, err := dec.Decode(audio.AudioFrame{}); !errors.Is(err, playback.ErrPlaybackDecode) {
		t.Errorf("empty packet err = %v, want ErrPlaybackDecode", err)
	}
}

func TestNewOpusDecoder_InvalidRate(t *testing.T) {
	if _, err := playback.NewOpusDecoder(44100, 1); err == nil {
		t.Error("expected error for unsupported opus sample rate")
	}
}
