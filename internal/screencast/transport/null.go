package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/core"
)

// NullSink accepts and counts every write. Used for dry runs.
type NullSink struct {
	state atomic.Int32

	mu     sync.Mutex
	video  int
	audio  int
	closed bool
}

func NewNull() *NullSink {
	return &NullSink{}
}

func (s *NullSink) Open(context.Context, string, int, int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrSinkClosed
	}
	s.state.Store(int32(core.ConnConnected))
	return nil
}

func (s *NullSink) WriteVideo(core.Packet) error { return s.count(&s.video) }

func (s *NullSink) WriteAudio(core.Packet) error { return s.count(&s.audio) }

func (s *NullSink) count(n *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrSinkClosed
	}
	*n++
	return nil
}

// Counts returns how many video and audio packets were accepted.
func (s *NullSink) Counts() (video, audio int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video, s.audio
}

func (s *NullSink) ConnectionState() core.ConnState {
	return core.ConnState(s.state.Load())
}

func (s *NullSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.state.Store(int32(core.ConnClosed))
	return nil
}
