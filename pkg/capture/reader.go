package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// ErrDeviceBusy is returned by [ReaderDevice.Open] while a stream from an
// earlier Open is still attached to a shared input.
var ErrDeviceBusy = errors.New("capture: reader device: input already in use")

// ReaderDevice is an [audio.Device] that reads raw little-endian float32
// samples from a file, stdin or an arbitrary reader. It stands in for a
// microphone on hosts that receive audio from another process, e.g.
//
//	arecord -f FLOAT_LE -r 16000 -c 1 -t raw | voicelink -config voicelink.yaml
//
// Stdin and Reader outlive a single stream: they are read by one goroutine
// per device, and each Open attaches a stream to it until Close. Samples
// that arrive while no stream is attached wait for the next Open. The block
// size of the first Open applies to every later stream. A ReaderDevice must
// not be copied after first use.
type ReaderDevice struct {
	// Path is opened on each Open call. "-" selects stdin. Ignored when
	// Reader is set.
	Path string

	// Reader, when non-nil, is used instead of Path. It is not closed.
	Reader io.Reader

	// Realtime paces delivery to one block per block duration, as a real
	// microphone would. When false blocks are delivered as fast as they are
	// read.
	Realtime bool

	mu       sync.Mutex
	shared   *blockSource
	attached bool
}

// Open implements [audio.Device].
func (d *ReaderDevice) Open(ctx context.Context, c audio.Constraints) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Format().Valid() {
		return nil, fmt.Errorf("capture: reader device: invalid format %s", c.Format())
	}
	if c.BlockSize <= 0 {
		c.BlockSize = audio.DefaultConstraints().BlockSize
	}
	samples := c.BlockSize * c.Channels

	var interval time.Duration
	if d.Realtime {
		interval = time.Duration(c.BlockSize) * time.Second / time.Duration(c.SampleRate)
	}

	var (
		src    *blockSource
		detach func()
		closer io.Closer
	)
	switch {
	case d.Reader != nil, d.Path == "-":
		d.mu.Lock()
		if d.attached {
			d.mu.Unlock()
			return nil, ErrDeviceBusy
		}
		if d.shared == nil {
			r := d.Reader
			if r == nil {
				r = os.Stdin
			}
			d.shared = newBlockSource(r, samples)
		}
		d.attached = true
		src = d.shared
		d.mu.Unlock()

		detach = func() {
			d.mu.Lock()
			d.attached = false
			d.mu.Unlock()
		}
	case d.Path == "":
		return nil, errors.New("capture: reader device: no input configured")
	default:
		f, err := os.Open(d.Path)
		if err != nil {
			return nil, fmt.Errorf("capture: reader device: %w", err)
		}
		src = newBlockSource(f, samples)
		closer = f
		detach = src.close
	}

	s := &readerStream{
		blocks: make(chan []float32),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
		closer: closer,
		detach: detach,
	}
	go s.forward(src, interval)
	return s, nil
}

// blockSource reads fixed-size blocks from r on its own goroutine. Blocks a
// detached stream took but did not deliver are kept for the next reader.
type blockSource struct {
	out  chan []float32
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	pending [][]float32
}

func newBlockSource(r io.Reader, samples int) *blockSource {
	b := &blockSource{
		out:  make(chan []float32),
		done: make(chan struct{}),
	}
	go b.read(bufio.NewReader(r), samples)
	return b
}

func (b *blockSource) read(r io.Reader, samples int) {
	defer close(b.out)

	buf := make([]byte, samples*4)
	for {
		n, err := io.ReadFull(r, buf)
		if n >= 4 {
			block := make([]float32, n/4)
			for i := range block {
				block[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
			}
			select {
			case b.out <- block:
			case <-b.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// next returns the oldest undelivered block. ok is false when stop closed or
// the input ended.
func (b *blockSource) next(stop <-chan struct{}) (block []float32, ok bool) {
	b.mu.Lock()
	if len(b.pending) > 0 {
		block, b.pending = b.pending[0], b.pending[1:]
		b.mu.Unlock()
		return block, true
	}
	b.mu.Unlock()

	select {
	case block, ok = <-b.out:
		return block, ok
	case <-stop:
		return nil, false
	}
}

func (b *blockSource) unread(block []float32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append([][]float32{block}, b.pending...)
}

func (b *blockSource) close() {
	b.once.Do(func() { close(b.done) })
}

type readerStream struct {
	blocks chan []float32
	stop   chan struct{}
	exited chan struct{}
	closer io.Closer
	detach func()
	once   sync.Once
}

func (s *readerStream) Blocks() <-chan []float32 { return s.blocks }

// Close stops delivery and waits until the stream no longer takes blocks
// from its source, so a stream opened afterwards sees every later sample.
func (s *readerStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		<-s.exited
		s.detach()
		if s.closer != nil {
			err = s.closer.Close()
		}
	})
	return err
}

func (s *readerStream) forward(src *blockSource, interval time.Duration) {
	defer close(s.exited)
	defer close(s.blocks)

	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		block, ok := src.next(s.stop)
		if !ok {
			return
		}
		if tick != nil {
			select {
			case <-tick:
			case <-s.stop:
				src.unread(block)
				return
			}
		}
		select {
		case <-s.stop:
			src.unread(block)
			return
		default:
		}
		select {
		case s.blocks <- block:
		case <-s.stop:
			src.unread(block)
			return
		}
	}
}
