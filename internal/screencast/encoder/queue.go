package encoder

import (
	"context"
	"sync"
	"time"

	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/core"
)

// DefaultQueueSlots is the number of output buffers an encoder can have
// leased or pending at once.
const DefaultQueueSlots = 8

// OutputQueue is the leased-slot output queue of an encoder. Producers block
// when every slot is taken, which back-pressures the encoder process.
type OutputQueue struct {
	slots chan struct{}
	ready chan core.Poll
	done  chan struct{}

	once sync.Once
	err  error
}

// NewOutputQueue creates a queue with n slots.
func NewOutputQueue(n int) *OutputQueue {
	if n <= 0 {
		n = DefaultQueueSlots
	}
	return &OutputQueue{
		slots: make(chan struct{}, n),
		ready: make(chan core.Poll, n+4),
		done:  make(chan struct{}),
	}
}

// Push waits for a free slot and queues unit. It fails once the queue is
// terminated or ctx ends.
func (q *OutputQueue) Push(ctx context.Context, unit core.AccessUnit) error {
	if err := q.terminated(); err != nil {
		return err
	}
	select {
	case q.slots <- struct{}{}:
	case <-q.done:
		return q.err
	case <-ctx.Done():
		return ctx.Err()
	}

	lease := core.NewLease(unit, func() { <-q.slots })
	select {
	case q.ready <- core.Poll{Status: core.PollBuffer, Lease: lease}:
		return nil
	case <-q.done:
		lease.Release()
		return q.err
	}
}

// PushFormat queues a format-changed notification. It does not take a slot.
func (q *OutputQueue) PushFormat(ctx context.Context, f core.Format) error {
	if err := q.terminated(); err != nil {
		return err
	}
	select {
	case q.ready <- core.Poll{Status: core.PollFormatChanged, Format: f}:
		return nil
	case <-q.done:
		return q.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue waits at most timeout. Pending outputs are still delivered after
// Terminate; the termination error is returned once they are gone.
func (q *OutputQueue) Dequeue(timeout time.Duration) (core.Poll, error) {
	select {
	case p := <-q.ready:
		return p, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p := <-q.ready:
		return p, nil
	case <-q.done:
		select {
		case p := <-q.ready:
			return p, nil
		default:
			return core.Poll{}, q.err
		}
	case <-timer.C:
		return core.Poll{Status: core.PollNotReady}, nil
	}
}

// terminated returns the termination error once Terminate has run.
func (q *OutputQueue) terminated() error {
	select {
	case <-q.done:
		return q.err
	default:
		return nil
	}
}

// Terminate ends the queue with err. Later calls are ignored.
func (q *OutputQueue) Terminate(err error) {
	q.once.Do(func() {
		if err == nil {
			err = core.ErrEncoderTerminated
		}
		q.err = err
		close(q.done)
	})
}

// InFlight returns the number of taken slots.
func (q *OutputQueue) InFlight() int {
	return len(q.slots)
}
