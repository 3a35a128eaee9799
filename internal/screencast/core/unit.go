package core

import (
	"fmt"
	"sync"
)

// MediaKind identifies the elementary stream a track carries.
type MediaKind int

const (
	KindVideo MediaKind = iota
	KindAudio
)

func (k MediaKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// BufferFlags mirrors the flag word an encoder attaches to each output buffer.
type BufferFlags uint32

const (
	// FlagConfig marks a codec configuration record (SPS/PPS, AudioSpecificConfig).
	FlagConfig BufferFlags = 1 << iota
	// FlagKeyFrame marks a random access point.
	FlagKeyFrame
	// FlagEndOfStream marks the last buffer an encoder will produce.
	FlagEndOfStream
)

// Has reports whether all bits of flag are set.
func (f BufferFlags) Has(flag BufferFlags) bool {
	return f&flag == flag
}

// AccessUnit is one drained encoder output.
type AccessUnit struct {
	Data               []byte
	Flags              BufferFlags
	PresentationTimeUs int64
}

// IsConfig reports whether the unit carries codec configuration instead of media.
func (u AccessUnit) IsConfig() bool {
	return u.Flags.Has(FlagConfig)
}

// PresentationMillis returns the presentation time truncated to milliseconds.
func (u AccessUnit) PresentationMillis() int64 {
	return u.PresentationTimeUs / 1000
}

// Lease is an encoder output slot handed to a consumer. The slot goes back to
// the encoder when Release is called; calls after the first are no-ops.
type Lease struct {
	unit    AccessUnit
	once    sync.Once
	release func()
}

// NewLease wraps unit; release runs exactly once when the lease is released.
func NewLease(unit AccessUnit, release func()) *Lease {
	return &Lease{unit: unit, release: release}
}

// Unit returns the leased access unit. The payload must not be retained
// after Release.
func (l *Lease) Unit() AccessUnit {
	return l.unit
}

// Release returns the slot to its encoder.
func (l *Lease) Release() {
	l.once.Do(func() {
		if l.release != nil {
			l.release()
		}
	})
}
