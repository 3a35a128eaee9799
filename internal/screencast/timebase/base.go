// Package timebase derives the zero-based millisecond timeline shared by all
// tracks of a session.
package timebase

import (
	"sync/atomic"
	"time"
)

// Base holds the session origin. The zero value is ready to use and safe for
// concurrent use by several drain loops.
type Base struct {
	origin atomic.Pointer[int64]
}

// DeriveOffsetMillis returns sourceMillis relative to the session origin.
// The first call sets the origin and returns 0. Results are clamped to >= 0.
func (b *Base) DeriveOffsetMillis(sourceMillis int64) int64 {
	origin := b.origin.Load()
	if origin == nil {
		candidate := sourceMillis
		if !b.origin.CompareAndSwap(nil, &candidate) {
			// another track won the race
			origin = b.origin.Load()
		} else {
			origin = &candidate
		}
	}
	return clamp(sourceMillis - *origin)
}

// PeekOffsetMillis is DeriveOffsetMillis without setting the origin. Before
// the origin exists it returns 0.
func (b *Base) PeekOffsetMillis(sourceMillis int64) int64 {
	origin := b.origin.Load()
	if origin == nil {
		return 0
	}
	return clamp(sourceMillis - *origin)
}

// Origin returns the origin and whether it has been set.
func (b *Base) Origin() (int64, bool) {
	origin := b.origin.Load()
	if origin == nil {
		return 0, false
	}
	return *origin, true
}

func clamp(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// Clock is a monotonic microsecond clock starting at construction. Capture
// and audio feed loops stamp encoder input with it.
type Clock struct {
	start time.Time
}

// NewClock starts a clock at now.
func NewClock() *Clock {
	return &Clock{start: time.Now()}
}

// NowUs returns microseconds since the clock started.
func (c *Clock) NowUs() int64 {
	return time.Since(c.start).Microseconds()
}
