package pipeline

import (
	"sync"

	"github.com/babelcloud/gbox/packages/screencast/internal/util"
)

// Broadcaster fans items out to viewers. A cached preamble (init segment,
// codec configuration) is delivered first to every new subscriber, and
// subscribers that fall behind are dropped instead of blocking the writer.
type Broadcaster[T any] struct {
	mu          sync.RWMutex
	name        string
	subscribers map[string]chan T
	preamble    []T
	closed      bool
}

// NewBroadcaster creates a broadcaster; name only labels log lines.
func NewBroadcaster[T any](name string) *Broadcaster[T] {
	return &Broadcaster[T]{
		name:        name,
		subscribers: make(map[string]chan T),
	}
}

// SetPreamble replaces the cached items sent to new subscribers.
func (b *Broadcaster[T]) SetPreamble(items ...T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.preamble = append([]T(nil), items...)
	util.GetLogger().Debug("Broadcaster preamble cached", "broadcaster", b.name, "items", len(items))
}

// AppendPreamble adds one item to the cached preamble.
func (b *Broadcaster[T]) AppendPreamble(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.preamble = append(b.preamble, item)
}

// Subscribe registers id and returns its channel. bufferSize must leave room
// for the preamble, which is queued before the channel is returned.
func (b *Broadcaster[T]) Subscribe(id string, bufferSize int) <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan T)
		close(ch)
		return ch
	}

	if bufferSize < len(b.preamble)+1 {
		bufferSize = len(b.preamble) + 1
	}
	ch := make(chan T, bufferSize)
	for _, item := range b.preamble {
		ch <- item
	}
	if old, ok := b.subscribers[id]; ok {
		close(old)
	}
	b.subscribers[id] = ch

	util.GetLogger().Info("Viewer subscribed", "broadcaster", b.name, "id", id, "total", len(b.subscribers))
	return ch
}

// Unsubscribe removes id and closes its channel.
func (b *Broadcaster[T]) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
		util.GetLogger().Info("Viewer unsubscribed", "broadcaster", b.name, "id", id, "remaining", len(b.subscribers))
	}
}

// Broadcast delivers item to every subscriber without blocking and returns
// how many received it.
func (b *Broadcaster[T]) Broadcast(item T) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0
	}

	delivered := 0
	for id, ch := range b.subscribers {
		select {
		case ch <- item:
			delivered++
		default:
			close(ch)
			delete(b.subscribers, id)
			util.GetLogger().Warn("Dropping slow viewer", "broadcaster", b.name, "id", id)
		}
	}
	return delivered
}

// Close closes every subscriber channel. Further broadcasts are ignored.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
	util.GetLogger().Debug("Broadcaster closed", "broadcaster", b.name)
}

// SubscriberCount returns the number of live subscribers.
func (b *Broadcaster[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
