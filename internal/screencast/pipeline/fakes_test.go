package pipeline

import (
	"context"
	"image"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/core"
)

// events records acquisition and release calls across fakes in order.
type events struct {
	mu   sync.Mutex
	list []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, s)
}

func (e *events) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.list...)
}

func (e *events) count(s string) int {
	n := 0
	for _, v := range e.snapshot() {
		if v == s {
			n++
		}
	}
	return n
}

type fakeCapture struct {
	ev       *events
	openErr  error
	bindErr  error
	failures chan error
	frames   atomic.Int64
}

func (c *fakeCapture) Open(g core.Geometry) error {
	if c.openErr != nil {
		return c.openErr
	}
	c.ev.add("capture.open")
	return nil
}

func (c *fakeCapture) Bind(ctx context.Context, surface core.Surface, clock core.Clock) (<-chan error, error) {
	if c.bindErr != nil {
		return nil, c.bindErr
	}
	c.ev.add("capture.bind")
	done := make(chan error, 1)
	go func() {
		defer close(done)
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		img := image.NewRGBA(image.Rect(0, 0, 2, 2))
		for {
			select {
			case <-ctx.Done():
				c.ev.add("capture.unbind")
				return
			case err := <-c.failures:
				done <- err
				return
			case <-ticker.C:
				if surface.WriteFrame(img, clock.NowUs()) == nil {
					c.frames.Add(1)
				}
			}
		}
	}()
	return done, nil
}

func (c *fakeCapture) Close() error {
	c.ev.add("capture.close")
	return nil
}

type fakeEncoder struct {
	name     string
	kind     core.MediaKind
	ev       *events
	startErr error
	closeErr error
	units    chan core.AccessUnit
	fail     chan error
	closed   atomic.Bool
	leased   atomic.Int64
	released atomic.Int64
	inputs   atomic.Int64
}

func newFakeEncoder(name string, kind core.MediaKind, ev *events) *fakeEncoder {
	return &fakeEncoder{
		name:  name,
		kind:  kind,
		ev:    ev,
		units: make(chan core.AccessUnit, 64),
		fail:  make(chan error, 1),
	}
}

func (e *fakeEncoder) Kind() core.MediaKind { return e.kind }

func (e *fakeEncoder) Start(ctx context.Context) error {
	if e.startErr != nil {
		return e.startErr
	}
	e.ev.add(e.name + ".start")
	return nil
}

func (e *fakeEncoder) Dequeue(timeout time.Duration) (core.Poll, error) {
	if e.closed.Load() {
		return core.Poll{}, core.ErrEncoderTerminated
	}
	select {
	case err := <-e.fail:
		return core.Poll{}, err
	case u := <-e.units:
		e.leased.Add(1)
		return core.Poll{Status: core.PollBuffer, Lease: core.NewLease(u, func() { e.released.Add(1) })}, nil
	case <-time.After(timeout):
		return core.Poll{Status: core.PollNotReady}, nil
	}
}

func (e *fakeEncoder) Close() error {
	e.closed.Store(true)
	e.ev.add(e.name + ".close")
	return e.closeErr
}

func (e *fakeEncoder) InputSurface() core.Surface { return e }

func (e *fakeEncoder) WriteFrame(img *image.RGBA, ptsUs int64) error {
	e.inputs.Add(1)
	return nil
}

func (e *fakeEncoder) QueueInput(pcm []byte, ptsUs int64) error {
	if e.closed.Load() {
		return core.ErrEncoderTerminated
	}
	e.inputs.Add(1)
	return nil
}

type fakeAudioSource struct {
	ev      *events
	openErr error
	closed  atomic.Bool
	silent  bool
}

func (s *fakeAudioSource) Open(f core.AudioFormat) error {
	if s.openErr != nil {
		return s.openErr
	}
	s.ev.add("audio-input.open")
	return nil
}

func (s *fakeAudioSource) Read(buf []byte) (int, error) {
	if s.closed.Load() {
		return 0, io.EOF
	}
	time.Sleep(time.Millisecond)
	if s.silent {
		return 0, nil
	}
	return len(buf), nil
}

func (s *fakeAudioSource) Close() error {
	s.closed.Store(true)
	s.ev.add("audio-input.close")
	return nil
}

type fakeSink struct {
	ev      *events
	openErr error
	mu      sync.Mutex
	video   []core.Packet
	audio   []core.Packet
	state   atomic.Int32
}

func (s *fakeSink) Open(ctx context.Context, endpoint string, w, h int) error {
	s.ev.add("sink.open")
	if s.openErr != nil {
		s.state.Store(int32(core.ConnDisconnected))
		return s.openErr
	}
	s.state.Store(int32(core.ConnConnected))
	return nil
}

func (s *fakeSink) WriteVideo(p core.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Data = append([]byte(nil), p.Data...)
	s.video = append(s.video, p)
	return nil
}

func (s *fakeSink) WriteAudio(p core.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Data = append([]byte(nil), p.Data...)
	s.audio = append(s.audio, p)
	return nil
}

func (s *fakeSink) ConnectionState() core.ConnState { return core.ConnState(s.state.Load()) }

func (s *fakeSink) Close() error {
	s.state.Store(int32(core.ConnClosed))
	s.ev.add("sink.close")
	return nil
}

func (s *fakeSink) videoCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.video)
}

func (s *fakeSink) audioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

type rig struct {
	ev      *events
	capture *fakeCapture
	video   *fakeEncoder
	audio   *fakeEncoder
	mic     *fakeAudioSource
	sink    *fakeSink
}

func newRig() *rig {
	ev := &events{}
	return &rig{
		ev:      ev,
		capture: &fakeCapture{ev: ev, failures: make(chan error, 1)},
		video:   newFakeEncoder("video", core.KindVideo, ev),
		audio:   newFakeEncoder("audio", core.KindAudio, ev),
		mic:     &fakeAudioSource{ev: ev},
		sink:    &fakeSink{ev: ev},
	}
}

func (r *rig) build(s *Session) (Components, error) {
	return Components{
		Capture:      r.capture,
		VideoEncoder: r.video,
		AudioSource:  r.mic,
		AudioEncoder: r.audio,
		Sink:         r.sink,
	}, nil
}
