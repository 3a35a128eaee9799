package source

import (
	"context"
	"image"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/core"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frameRecorder struct {
	mu   sync.Mutex
	pts  []int64
	size image.Point
	err  error
}

func (r *frameRecorder) WriteFrame(img *image.RGBA, ptsUs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.pts = append(r.pts, ptsUs)
	r.size = img.Bounds().Size()
	return nil
}

func (r *frameRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pts)
}

type stepClock struct {
	mu  sync.Mutex
	now int64
}

func (c *stepClock) NowUs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += 1000
	return c.now
}

func TestPatternDeliversFramesUntilCancelled(t *testing.T) {
	p := NewPattern(100)
	require.NoError(t, p.Open(core.Geometry{Width: 64, Height: 48}))
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	rec := &frameRecorder{}
	done, err := p.Bind(ctx, rec, &stepClock{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return rec.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err, ok := <-done:
		assert.False(t, ok, "unexpected terminal error %v", err)
	case <-time.After(time.Second):
		t.Fatal("pump did not stop")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, image.Pt(64, 48), rec.size)
	for i := 1; i < len(rec.pts); i++ {
		assert.Greater(t, rec.pts[i], rec.pts[i-1])
	}
}

func TestPatternBindBeforeOpen(t *testing.T) {
	p := NewPattern(30)
	_, err := p.Bind(context.Background(), &frameRecorder{}, &stepClock{})
	assert.Error(t, err)
}

func TestPatternBarsMove(t *testing.T) {
	p := NewPattern(30)
	require.NoError(t, p.Open(core.Geometry{Width: 70, Height: 2}))
	first, err := p.next()
	require.NoError(t, err)
	before := first.RGBAAt(9, 0)
	_, err = p.next()
	require.NoError(t, err)
	assert.NotEqual(t, before, first.RGBAAt(9, 0))
}

func TestPumpGivesUpAfterRepeatedFailures(t *testing.T) {
	grab := func() (*image.RGBA, error) { return nil, errors.New("no frame") }
	done := pump(context.Background(), 1000, grab, &frameRecorder{}, &stepClock{}, slog.Default())

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no frame")
	case <-time.After(5 * time.Second):
		t.Fatal("pump kept retrying")
	}
}

func TestPumpStopsQuietlyWhenEncoderGone(t *testing.T) {
	grab := func() (*image.RGBA, error) { return image.NewRGBA(image.Rect(0, 0, 2, 2)), nil }
	rec := &frameRecorder{err: errors.Wrap(core.ErrNotStarted, "video")}
	done := pump(context.Background(), 1000, grab, rec, &stepClock{}, slog.Default())

	select {
	case err, ok := <-done:
		assert.False(t, ok, "unexpected error %v", err)
	case <-time.After(time.Second):
		t.Fatal("pump did not stop")
	}
}

func TestToneIsPacedByClock(t *testing.T) {
	base := time.Unix(0, 0)
	now := base
	tone := NewTone(440)
	tone.now = func() time.Time { return now }
	require.NoError(t, tone.Open(core.AudioFormat{SampleRate: 8000, Channels: 2}))

	buf := make([]byte, 4096)
	n, err := tone.Read(buf)
	require.NoError(t, err)
	assert.Zero(t, n)

	now = base.Add(100 * time.Millisecond)
	n, err = tone.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 800*4, n)

	now = base.Add(time.Second)
	n, err = tone.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n, "bounded by the buffer")

	require.NoError(t, tone.Close())
	_, err = tone.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestToneRejectsBadFormat(t *testing.T) {
	assert.Error(t, NewTone(440).Open(core.AudioFormat{SampleRate: 0, Channels: 1}))
}
