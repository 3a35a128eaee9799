package pipeline

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/core"
	"github.com/pkg/errors"
)

const feedErrorBackoff = 10 * time.Millisecond

// audioFeed moves PCM slices from the audio input into the audio encoder.
type audioFeed struct {
	src        core.AudioSource
	enc        core.AudioEncoder
	clock      core.Clock
	sliceBytes int
	bytesPerUs float64
	logger     *slog.Logger
}

func newAudioFeed(src core.AudioSource, enc core.AudioEncoder, clock core.Clock, params AudioParams, logger *slog.Logger) *audioFeed {
	return &audioFeed{
		src:        src,
		enc:        enc,
		clock:      clock,
		sliceBytes: params.AudioSliceBytes(),
		bytesPerUs: float64(params.SampleRate*params.Channels*2) / 1e6,
		logger:     logger.With("track", "audio", "component", "feed"),
	}
}

// Run reads until ctx ends. Closure of the input or a rejected queue is terminal.
func (f *audioFeed) Run(ctx context.Context) error {
	buf := make([]byte, f.sliceBytes)
	var fed int64

	for ctx.Err() == nil {
		n, err := f.src.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if ctx.Err() != nil {
					return nil
				}
				return errors.Wrap(err, "audio input closed")
			}
			f.logger.Debug("Audio read failed", "error", err)
			if !sleepCtx(ctx, feedErrorBackoff) {
				return nil
			}
			continue
		}
		if n <= 0 {
			continue
		}

		// stamp the first sample of the slice, not the moment the read returned
		pts := f.clock.NowUs() - int64(float64(n)/f.bytesPerUs)
		if pts < 0 {
			pts = 0
		}
		if err := f.enc.QueueInput(buf[:n], pts); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "queue audio input")
		}
		fed += int64(n)
	}
	f.logger.Debug("Audio feed stopped", "bytes", fed)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
