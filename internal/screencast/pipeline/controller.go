// Package pipeline sequences a capture-encode-stream session: it acquires the
// capture source, encoders and sink, runs one drain loop per track, and tears
// everything down in reverse order.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/core"
	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/drain"
	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/timebase"
	"github.com/babelcloud/gbox/packages/screencast/internal/util"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const bindStopTimeout = 2 * time.Second

// Components are the collaborators of one session. AudioSource and
// AudioEncoder are only used when audio is enabled.
type Components struct {
	Capture      core.CaptureSource
	VideoEncoder core.VideoEncoder
	AudioSource  core.AudioSource
	AudioEncoder core.AudioEncoder
	Sink         core.Sink
}

// BuildFunc constructs the collaborators for a session without acquiring them.
type BuildFunc func(s *Session) (Components, error)

// Controller runs at most one session at a time.
type Controller struct {
	build  BuildFunc
	logger *slog.Logger

	mu  sync.Mutex
	run *run
}

type run struct {
	session   *Session
	startedAt time.Time
	sink      core.Sink
	cancel    context.CancelFunc
	releaser  *releaser
	video     *drain.Loop
	audio     *drain.Loop
	userStop  atomic.Bool
	done      chan struct{}
	err       error
}

// NewController returns a controller that builds session components with build.
func NewController(build BuildFunc) *Controller {
	return &Controller{
		build:  build,
		logger: util.GetLogger().With("component", "pipeline"),
	}
}

// Start acquires every resource of s and starts the drain loops. ctx bounds
// the whole session: cancelling it stops the session like Stop does. On
// failure everything acquired so far is released and a *StartError is returned.
func (c *Controller) Start(ctx context.Context, s *Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.run != nil && !c.run.finished() {
		return core.ErrSessionActive
	}

	if err := s.Validate(); err != nil {
		return &StartError{Stage: "configure", Err: err}
	}
	comps, err := c.build(s)
	if err != nil {
		return &StartError{Stage: "configure", Err: err}
	}
	if s.Audio.Enabled && (comps.AudioSource == nil || comps.AudioEncoder == nil) {
		return &StartError{Stage: "configure", Err: errors.New("audio enabled without audio input or encoder")}
	}

	logger := c.logger.With("session", s.ID)
	rel := newReleaser(logger)
	fail := func(stage string, err error) error {
		logger.Error("Session start failed", "stage", stage, "error", err)
		rel.releaseAll()
		return &StartError{Stage: stage, Err: err}
	}

	if err := comps.Capture.Open(s.Geometry); err != nil {
		return fail("capture", err)
	}
	rel.push("capture", comps.Capture.Close)

	if err := comps.VideoEncoder.Start(ctx); err != nil {
		return fail("video encoder", err)
	}
	rel.push("video encoder", comps.VideoEncoder.Close)

	if s.Audio.Enabled {
		if err := comps.AudioEncoder.Start(ctx); err != nil {
			return fail("audio encoder", err)
		}
		rel.push("audio encoder", comps.AudioEncoder.Close)

		format := core.AudioFormat{
			SampleRate: s.Audio.SampleRate,
			Channels:   s.Audio.Channels,
			BufferSize: s.Audio.AudioSliceBytes() * 5,
		}
		if err := comps.AudioSource.Open(format); err != nil {
			return fail("audio input", err)
		}
		rel.push("audio input", comps.AudioSource.Close)
	}

	if err := comps.Sink.Open(ctx, s.Endpoint, s.Geometry.Width, s.Geometry.Height); err != nil {
		// writes will be attempted and fail individually
		logger.Warn("Sink open failed", "endpoint", s.Endpoint, "connection", comps.Sink.ConnectionState(), "error", err)
	} else {
		logger.Info("Sink opened", "endpoint", s.Endpoint, "connection", comps.Sink.ConnectionState())
	}
	rel.push("sink", comps.Sink.Close)

	runCtx, cancel := context.WithCancel(ctx)
	clock := timebase.NewClock()
	captureDone, err := comps.Capture.Bind(runCtx, comps.VideoEncoder.InputSurface(), clock)
	if err != nil {
		cancel()
		return fail("bind", err)
	}
	rel.push("capture binding", func() error {
		cancel()
		select {
		case <-captureDone:
			return nil
		case <-time.After(bindStopTimeout):
			return errors.New("capture did not stop delivering frames")
		}
	})

	r := &run{
		session:   s,
		startedAt: time.Now(),
		sink:      comps.Sink,
		cancel:    cancel,
		releaser:  rel,
		done:      make(chan struct{}),
	}

	var base timebase.Base
	r.video = drain.New(drain.Config{
		Kind:           core.KindVideo,
		PollTimeout:    s.Video.PollTimeout,
		RetryDelay:     s.Video.RetryDelay,
		StallWarnAfter: s.StallWarnAfter,
	}, comps.VideoEncoder, comps.Sink, &base, logger)

	group, gctx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		return tagged("video", r.video.Run(gctx))
	})
	group.Go(func() error {
		return tagged("capture", watchCapture(gctx, captureDone))
	})

	if s.Audio.Enabled {
		r.audio = drain.New(drain.Config{
			Kind:           core.KindAudio,
			PollTimeout:    s.Audio.PollTimeout,
			RetryDelay:     s.Audio.RetryDelay,
			StallWarnAfter: s.StallWarnAfter,
		}, comps.AudioEncoder, comps.Sink, &base, logger)
		feed := newAudioFeed(comps.AudioSource, comps.AudioEncoder, clock, s.Audio, logger)

		group.Go(func() error {
			return tagged("audio", r.audio.Run(gctx))
		})
		group.Go(func() error {
			return tagged("audio input", feed.Run(gctx))
		})
	}

	go c.supervise(r, group, logger)

	c.run = r
	logger.Info("Session started",
		"endpoint", s.Endpoint,
		"width", s.Geometry.Width,
		"height", s.Geometry.Height,
		"fps", s.Video.FPS,
		"bitrate", s.Video.Bitrate,
		"audio", s.Audio.Enabled)
	return nil
}

// supervise waits for every session goroutine, then releases resources.
func (c *Controller) supervise(r *run, group *errgroup.Group, logger *slog.Logger) {
	err := group.Wait()
	r.cancel()
	r.releaser.releaseAll()

	if err != nil && !r.userStop.Load() {
		var te *trackError
		if errors.As(err, &te) {
			r.err = &AbnormalStop{Track: te.track, Err: te.err}
		} else {
			r.err = &AbnormalStop{Track: "session", Err: err}
		}
		logger.Error("Session stopped abnormally", "error", r.err)
	} else {
		logger.Info("Session stopped", "uptime", time.Since(r.startedAt).Truncate(time.Millisecond))
	}
	close(r.done)
}

// Stop stops the running session and waits for teardown. Stopping a session
// that was never started or already stopped is a no-op. The returned error is
// the session outcome, as with Wait.
func (c *Controller) Stop() error {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()

	if r == nil {
		return nil
	}
	if !r.finished() {
		r.userStop.Store(true)
		r.cancel()
	}
	<-r.done
	return r.err
}

// Wait blocks until the current session ends. It returns nil for a user
// stop and an *AbnormalStop for a terminal failure.
func (c *Controller) Wait() error {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()

	if r == nil {
		return nil
	}
	<-r.done
	return r.err
}

// Done is closed when the current session has been torn down. It returns a
// closed channel when no session was started.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.run == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.run.done
}

// SessionStats is a point-in-time view of a session.
type SessionStats struct {
	ID         string
	Uptime     time.Duration
	Connection core.ConnState
	Video      drain.Stats
	VideoState drain.State
	Audio      *drain.Stats
	AudioState drain.State
}

// Stats reports the current or last session. ok is false before any start.
func (c *Controller) Stats() (stats SessionStats, ok bool) {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()

	if r == nil {
		return SessionStats{}, false
	}
	stats = SessionStats{
		ID:         r.session.ID,
		Uptime:     time.Since(r.startedAt),
		Connection: r.sink.ConnectionState(),
		Video:      r.video.Stats(),
		VideoState: r.video.State(),
	}
	if r.audio != nil {
		a := r.audio.Stats()
		stats.Audio = &a
		stats.AudioState = r.audio.State()
	}
	return stats, true
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func watchCapture(ctx context.Context, captureDone <-chan error) error {
	select {
	case <-ctx.Done():
		return nil
	case err, ok := <-captureDone:
		if ctx.Err() != nil {
			return nil
		}
		if ok && err != nil {
			return err
		}
		return errors.New("capture stopped delivering frames")
	}
}

func tagged(track string, err error) error {
	if err == nil {
		return nil
	}
	return &trackError{track: track, err: err}
}
