package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterPreambleFirst(t *testing.T) {
	b := NewBroadcaster[string]("test")
	b.SetPreamble("init")
	b.AppendPreamble("audio-config")

	ch := b.Subscribe("a", 4)
	assert.Equal(t, 1, b.Broadcast("frame-1"))

	assert.Equal(t, "init", <-ch)
	assert.Equal(t, "audio-config", <-ch)
	assert.Equal(t, "frame-1", <-ch)
}

func TestBroadcasterDropsSlowSubscriber(t *testing.T) {
	b := NewBroadcaster[int]("test")
	slow := b.Subscribe("slow", 1)
	fast := b.Subscribe("fast", 8)

	assert.Equal(t, 2, b.Broadcast(1))
	assert.Equal(t, 1, b.Broadcast(2), "slow subscriber is full and dropped")
	assert.Equal(t, 1, b.SubscriberCount())

	assert.Equal(t, 1, <-slow)
	_, ok := <-slow
	assert.False(t, ok)
	assert.Equal(t, 1, <-fast)
	assert.Equal(t, 2, <-fast)
}

func TestBroadcasterUnsubscribeAndClose(t *testing.T) {
	b := NewBroadcaster[[]byte]("test")
	ch := b.Subscribe("a", 2)
	b.Unsubscribe("a")
	_, ok := <-ch
	assert.False(t, ok)
	b.Unsubscribe("a")

	other := b.Subscribe("b", 2)
	b.Close()
	b.Close()
	_, ok = <-other
	assert.False(t, ok)

	late := b.Subscribe("c", 2)
	_, ok = <-late
	require.False(t, ok, "subscribing after close yields a closed channel")
	assert.Equal(t, 0, b.Broadcast([]byte{1}))
}
