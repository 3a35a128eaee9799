package encoder

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/core"
	"github.com/babelcloud/gbox/packages/screencast/internal/util"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/pkg/errors"
)

const aacFrameSamples = 1024

// AudioConfig configures an Audio encoder.
type AudioConfig struct {
	FFmpeg     string
	SampleRate int
	Channels   int
	Bitrate    int
	QueueSlots int
}

// Audio is an AAC-LC encoder fed with s16le PCM.
type Audio struct {
	cfg    AudioConfig
	logger *slog.Logger
	queue  *OutputQueue
	proc   *process

	mu        sync.Mutex
	started   bool
	basePTS   int64
	haveBase  bool
	closeOnce sync.Once
	cancel    context.CancelFunc
	readDone  chan struct{}
}

// NewAudio returns an unstarted encoder.
func NewAudio(cfg AudioConfig) *Audio {
	return &Audio{
		cfg:    cfg,
		logger: util.GetLogger().With("component", "encoder", "track", "audio"),
		queue:  NewOutputQueue(cfg.QueueSlots),
	}
}

func (a *Audio) Kind() core.MediaKind { return core.KindAudio }

// Start launches ffmpeg.
func (a *Audio) Start(ctx context.Context) error {
	if a.cfg.SampleRate <= 0 || a.cfg.Channels <= 0 || a.cfg.Bitrate <= 0 {
		return errors.Errorf("invalid audio encoder config %dHz/%dch/%dbps", a.cfg.SampleRate, a.cfg.Channels, a.cfg.Bitrate)
	}
	a.proc = newProcess(a.cfg.FFmpeg, audioArgs(a.cfg), a.logger)
	if err := a.proc.start(ctx); err != nil {
		return errors.Wrap(err, "audio encoder")
	}

	readCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.readDone = make(chan struct{})
	go func() {
		defer close(a.readDone)
		err := a.readLoop(readCtx, a.proc.stdout)
		if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = errors.Wrapf(core.ErrEncoderTerminated, "ffmpeg: %s", a.proc.exitReason())
		}
		a.queue.Terminate(err)
	}()

	a.mu.Lock()
	a.started = true
	a.mu.Unlock()
	return nil
}

// QueueInput hands PCM to the encoder. The first call fixes the presentation
// time of the first encoded frame.
func (a *Audio) QueueInput(pcm []byte, ptsUs int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return core.ErrNotStarted
	}
	if !a.haveBase {
		a.basePTS = ptsUs
		a.haveBase = true
	}
	if _, err := a.proc.stdin.Write(pcm); err != nil {
		return errors.Wrap(err, "write pcm to encoder")
	}
	return nil
}

func (a *Audio) base() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.basePTS
}

// Dequeue implements core.Encoder.
func (a *Audio) Dequeue(timeout time.Duration) (core.Poll, error) {
	return a.queue.Dequeue(timeout)
}

func (a *Audio) readLoop(ctx context.Context, r io.Reader) error {
	e := &audioEmitter{queue: a.queue, base: a.base}
	reader := newADTSReader(r)
	for {
		pkt, err := reader.Next()
		if err != nil {
			return err
		}
		if err := e.push(ctx, pkt); err != nil {
			return err
		}
	}
}

// Close stops ffmpeg and terminates the output queue.
func (a *Audio) Close() error {
	a.closeOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		a.queue.Terminate(core.ErrEncoderTerminated)
		if a.proc != nil {
			a.proc.stop()
		}

		a.mu.Lock()
		a.started = false
		a.mu.Unlock()

		if a.readDone != nil {
			<-a.readDone
		}
	})
	return nil
}

// audioEmitter turns ADTS frames into a configuration record followed by raw
// AAC access units with sample-accurate presentation times.
type audioEmitter struct {
	queue      *OutputQueue
	base       func() int64
	configSent bool
	frames     int64
}

func (e *audioEmitter) push(ctx context.Context, pkt *mpeg4audio.ADTSPacket) error {
	if pkt.SampleRate <= 0 {
		return errors.Errorf("invalid ADTS sample rate %d", pkt.SampleRate)
	}
	pts := e.base() + e.frames*aacFrameSamples*1_000_000/int64(pkt.SampleRate)

	if !e.configSent {
		asc, err := audioSpecificConfig(pkt)
		if err != nil {
			return errors.Wrap(err, "build AudioSpecificConfig")
		}
		format := core.Format{Kind: core.KindAudio, Codec: "aac", SampleRate: pkt.SampleRate, Channels: pkt.ChannelCount}
		if err := e.queue.PushFormat(ctx, format); err != nil {
			return err
		}
		if err := e.queue.Push(ctx, core.AccessUnit{Data: asc, Flags: core.FlagConfig, PresentationTimeUs: pts}); err != nil {
			return err
		}
		e.configSent = true
	}

	e.frames++
	return e.queue.Push(ctx, core.AccessUnit{Data: pkt.AU, Flags: core.FlagKeyFrame, PresentationTimeUs: pts})
}
