package core

import (
	"context"
	"image"
	"time"
)

// PollStatus is the outcome of a bounded-timeout poll on an encoder output queue.
type PollStatus int

const (
	// PollNotReady means nothing was produced within the timeout.
	PollNotReady PollStatus = iota
	// PollFormatChanged reports the negotiated output format. Informational.
	PollFormatChanged
	// PollBuffer means a leased buffer is available.
	PollBuffer
)

func (s PollStatus) String() string {
	switch s {
	case PollNotReady:
		return "not-ready"
	case PollFormatChanged:
		return "format-changed"
	case PollBuffer:
		return "buffer"
	default:
		return "unknown"
	}
}

// Format describes what an encoder actually produces.
type Format struct {
	Kind       MediaKind
	Codec      string
	Width      int
	Height     int
	SampleRate int
	Channels   int
}

// Poll is returned by Encoder.Dequeue. Lease is set only for PollBuffer and
// must be released by the caller.
type Poll struct {
	Status PollStatus
	Lease  *Lease
	Format Format
}

// Encoder is the output side of a single-track encoder.
type Encoder interface {
	Kind() MediaKind
	// Start configures and starts the encoder. Failures are configuration errors.
	Start(ctx context.Context) error
	// Dequeue waits at most timeout for the next output. A non-nil error is
	// terminal for the track.
	Dequeue(timeout time.Duration) (Poll, error)
	// Close stops the encoder and releases its resources. Idempotent.
	Close() error
}

// Surface accepts raw frames for a video encoder.
type Surface interface {
	WriteFrame(img *image.RGBA, ptsUs int64) error
}

// VideoEncoder is an Encoder fed through an input surface.
type VideoEncoder interface {
	Encoder
	InputSurface() Surface
}

// AudioEncoder is an Encoder fed with interleaved signed 16-bit PCM.
type AudioEncoder interface {
	Encoder
	QueueInput(pcm []byte, ptsUs int64) error
}
