package drain

import (
	"sync/atomic"
	"time"
)

// Stats are the counters a loop keeps while running.
type Stats struct {
	Forwarded        int64
	Headers          int64
	DuplicateHeaders int64
	EmptyUnits       int64
	WriteFailures    int64
	Stalls           int64
	LongestStall     time.Duration
	LastTimestamp    int64
}

type counters struct {
	forwarded        atomic.Int64
	headers          atomic.Int64
	duplicateHeaders atomic.Int64
	emptyUnits       atomic.Int64
	writeFailures    atomic.Int64
	stalls           atomic.Int64
	longestStall     atomic.Int64
	lastTimestamp    atomic.Int64
}

func (c *counters) noteStall(d time.Duration) {
	for {
		cur := c.longestStall.Load()
		if int64(d) <= cur || c.longestStall.CompareAndSwap(cur, int64(d)) {
			return
		}
	}
}

func (c *counters) snapshot() Stats {
	return Stats{
		Forwarded:        c.forwarded.Load(),
		Headers:          c.headers.Load(),
		DuplicateHeaders: c.duplicateHeaders.Load(),
		EmptyUnits:       c.emptyUnits.Load(),
		WriteFailures:    c.writeFailures.Load(),
		Stalls:           c.stalls.Load(),
		LongestStall:     time.Duration(c.longestStall.Load()),
		LastTimestamp:    c.lastTimestamp.Load(),
	}
}
