package core

import (
	"context"
)

// Geometry is the capture size requested for a session.
type Geometry struct {
	Width   int
	Height  int
	Density int
}

// CaptureSource produces raw frames into a bound surface.
type CaptureSource interface {
	// Open acquires the capture handle for the given geometry.
	Open(geometry Geometry) error
	// Bind starts delivering frames into surface until ctx is done or the
	// source is closed. The returned channel is closed when delivery stops;
	// a value on it is a terminal capture failure.
	Bind(ctx context.Context, surface Surface, clock Clock) (<-chan error, error)
	// Close releases the capture handle. Idempotent.
	Close() error
}

// AudioFormat configures an audio source.
type AudioFormat struct {
	SampleRate int
	Channels   int
	BufferSize int
}

// AudioSource is a PCM input read synchronously.
type AudioSource interface {
	Open(format AudioFormat) error
	// Read fills buf with s16le PCM and returns the byte count. Zero means no
	// data arrived in time. io.EOF means the source is gone.
	Read(buf []byte) (int, error)
	Close() error
}

// Clock supplies the presentation time used for frames entering encoders.
type Clock interface {
	NowUs() int64
}
