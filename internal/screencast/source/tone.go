package source

import (
	"encoding/binary"
	"io"
	"math"
	"sync"
	"time"

	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/core"
	"github.com/pkg/errors"
)

// Tone generates a sine wave paced by the wall clock, so reads never run
// ahead of real time.
type Tone struct {
	Frequency float64

	mu       sync.Mutex
	format   core.AudioFormat
	started  time.Time
	produced int64 // frames
	open     bool
	now      func() time.Time
}

// NewTone returns a generator at freq Hz.
func NewTone(freq float64) *Tone {
	return &Tone{Frequency: freq, now: time.Now}
}

func (t *Tone) Open(format core.AudioFormat) error {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return errors.Errorf("invalid audio format %d Hz x %d", format.SampleRate, format.Channels)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.format = format
	t.started = t.now()
	t.produced = 0
	t.open = true
	return nil
}

// Read returns the samples that have become due since the previous read,
// bounded by len(buf).
func (t *Tone) Read(buf []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return 0, io.EOF
	}

	frameSize := 2 * t.format.Channels
	elapsed := t.now().Sub(t.started)
	due := int64(elapsed.Seconds()*float64(t.format.SampleRate)) - t.produced
	if due <= 0 {
		return 0, nil
	}
	if limit := int64(len(buf) / frameSize); due > limit {
		due = limit
	}

	rate := float64(t.format.SampleRate)
	off := 0
	for i := int64(0); i < due; i++ {
		phase := 2 * math.Pi * t.Frequency * float64(t.produced+i) / rate
		v := int16(math.Sin(phase) * 0.3 * math.MaxInt16)
		for c := 0; c < t.format.Channels; c++ {
			binary.LittleEndian.PutUint16(buf[off:], uint16(v))
			off += 2
		}
	}
	t.produced += due
	return off, nil
}

func (t *Tone) Close() error {
	t.mu.Lock()
	t.open = false
	t.mu.Unlock()
	return nil
}
