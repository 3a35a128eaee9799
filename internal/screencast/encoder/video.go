// Package encoder provides H.264 and AAC encoders backed by an ffmpeg child
// process, exposed through a leased output queue.
package encoder

import (
	"context"
	"image"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/core"
	"github.com/babelcloud/gbox/packages/screencast/internal/util"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pkg/errors"
)

// VideoConfig configures a Video encoder.
type VideoConfig struct {
	FFmpeg           string
	Width            int
	Height           int
	FPS              int
	Bitrate          int
	KeyFrameInterval time.Duration
	Preset           string
	QueueSlots       int
}

// Video is an H.264 encoder fed through its input surface.
type Video struct {
	cfg    VideoConfig
	logger *slog.Logger
	queue  *OutputQueue
	proc   *process

	// presentation times of frames written but not yet emitted
	ptsMu sync.Mutex
	pts   []int64
	last  int64

	writeMu   sync.Mutex
	frame     []byte
	started   bool
	closeOnce sync.Once
	cancel    context.CancelFunc
	readDone  chan struct{}
}

// NewVideo returns an unstarted encoder.
func NewVideo(cfg VideoConfig) *Video {
	if cfg.Preset == "" {
		cfg.Preset = "ultrafast"
	}
	return &Video{
		cfg:    cfg,
		logger: util.GetLogger().With("component", "encoder", "track", "video"),
		queue:  NewOutputQueue(cfg.QueueSlots),
		frame:  make([]byte, cfg.Width*cfg.Height*4),
	}
}

func (v *Video) Kind() core.MediaKind { return core.KindVideo }

// Start launches ffmpeg.
func (v *Video) Start(ctx context.Context) error {
	if v.cfg.Width <= 0 || v.cfg.Height <= 0 || v.cfg.FPS <= 0 {
		return errors.Errorf("invalid video encoder config %dx%d@%d", v.cfg.Width, v.cfg.Height, v.cfg.FPS)
	}
	v.proc = newProcess(v.cfg.FFmpeg, videoArgs(v.cfg), v.logger)
	if err := v.proc.start(ctx); err != nil {
		return errors.Wrap(err, "video encoder")
	}

	readCtx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel
	v.readDone = make(chan struct{})
	go func() {
		defer close(v.readDone)
		err := v.readLoop(readCtx, v.proc.stdout)
		if err == nil || errors.Is(err, io.EOF) {
			err = errors.Wrapf(core.ErrEncoderTerminated, "ffmpeg: %s", v.proc.exitReason())
		}
		v.queue.Terminate(err)
	}()

	v.writeMu.Lock()
	v.started = true
	v.writeMu.Unlock()
	return nil
}

// Dequeue implements core.Encoder.
func (v *Video) Dequeue(timeout time.Duration) (core.Poll, error) {
	return v.queue.Dequeue(timeout)
}

// InputSurface returns the surface frames are written to.
func (v *Video) InputSurface() core.Surface {
	return videoSurface{v}
}

type videoSurface struct {
	v *Video
}

// WriteFrame converts img to the encoder's packed RGBA layout and queues it
// with ptsUs. img must match the configured geometry.
func (s videoSurface) WriteFrame(img *image.RGBA, ptsUs int64) error {
	v := s.v
	b := img.Bounds()
	if b.Dx() != v.cfg.Width || b.Dy() != v.cfg.Height {
		return errors.Errorf("frame %dx%d does not match encoder %dx%d", b.Dx(), b.Dy(), v.cfg.Width, v.cfg.Height)
	}

	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	if !v.started {
		return core.ErrNotStarted
	}

	rowBytes := v.cfg.Width * 4
	for y := 0; y < v.cfg.Height; y++ {
		off := img.PixOffset(b.Min.X, b.Min.Y+y)
		copy(v.frame[y*rowBytes:(y+1)*rowBytes], img.Pix[off:off+rowBytes])
	}

	v.ptsMu.Lock()
	v.pts = append(v.pts, ptsUs)
	v.ptsMu.Unlock()

	if _, err := v.proc.stdin.Write(v.frame); err != nil {
		v.ptsMu.Lock()
		v.pts = v.pts[:len(v.pts)-1]
		v.ptsMu.Unlock()
		return errors.Wrap(err, "write frame to encoder")
	}
	return nil
}

// peekPTS returns the time of the next frame to come out of the encoder.
func (v *Video) peekPTS() int64 {
	v.ptsMu.Lock()
	defer v.ptsMu.Unlock()
	if len(v.pts) > 0 {
		return v.pts[0]
	}
	return v.last
}

func (v *Video) popPTS() int64 {
	v.ptsMu.Lock()
	defer v.ptsMu.Unlock()
	if len(v.pts) > 0 {
		v.last = v.pts[0]
		v.pts = v.pts[1:]
	}
	return v.last
}

func (v *Video) readLoop(ctx context.Context, r io.Reader) error {
	emitter := &videoEmitter{
		queue:   v.queue,
		peekPTS: v.peekPTS,
		popPTS:  v.popPTS,
	}
	var scanner nalScanner
	buf := make([]byte, 64*1024)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, nalu := range scanner.Write(buf[:n]) {
				if perr := emitter.pushNALU(ctx, nalu); perr != nil {
					return perr
				}
			}
		}
		if err != nil {
			if last := scanner.Flush(); last != nil {
				if perr := emitter.pushNALU(ctx, last); perr != nil {
					return perr
				}
			}
			if perr := emitter.flush(ctx); perr != nil {
				return perr
			}
			return err
		}
	}
}

// Close stops ffmpeg and terminates the output queue.
func (v *Video) Close() error {
	v.closeOnce.Do(func() {
		// unblock the reader and ffmpeg first: a frame write may be stuck
		// on stdin while holding writeMu
		if v.cancel != nil {
			v.cancel()
		}
		v.queue.Terminate(core.ErrEncoderTerminated)
		if v.proc != nil {
			v.proc.stop()
		}

		v.writeMu.Lock()
		v.started = false
		v.writeMu.Unlock()

		if v.readDone != nil {
			<-v.readDone
		}
	})
	return nil
}

// videoEmitter turns NAL units into queued access units.
type videoEmitter struct {
	queue      *OutputQueue
	peekPTS    func() int64
	popPTS     func() int64
	splitter   auSplitter
	formatSent bool
}

func (e *videoEmitter) pushNALU(ctx context.Context, nalu []byte) error {
	if au := e.splitter.Push(nalu); au != nil {
		return e.emit(ctx, au)
	}
	return nil
}

func (e *videoEmitter) flush(ctx context.Context) error {
	if au := e.splitter.Flush(); au != nil {
		return e.emit(ctx, au)
	}
	return nil
}

func (e *videoEmitter) emit(ctx context.Context, au [][]byte) error {
	sps, pps, media, idr := splitConfig(au)

	if sps != nil && pps != nil {
		if !e.formatSent {
			e.formatSent = true
			format := core.Format{Kind: core.KindVideo, Codec: "h264"}
			var parsed h264.SPS
			if err := parsed.Unmarshal(sps); err == nil {
				format.Width = parsed.Width()
				format.Height = parsed.Height()
			}
			if err := e.queue.PushFormat(ctx, format); err != nil {
				return err
			}
		}
		config := core.AccessUnit{
			Data:               marshalAnnexB([][]byte{sps, pps}),
			Flags:              core.FlagConfig,
			PresentationTimeUs: e.peekPTS(),
		}
		if err := e.queue.Push(ctx, config); err != nil {
			return err
		}
	}

	if len(media) == 0 {
		return nil
	}
	unit := core.AccessUnit{
		Data:               marshalAnnexB(media),
		PresentationTimeUs: e.popPTS(),
	}
	if idr {
		unit.Flags |= core.FlagKeyFrame
	}
	return e.queue.Push(ctx, unit)
}
