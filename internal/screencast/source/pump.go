// Package source provides capture sources that feed encoder input surfaces
// and audio sources that are read by the audio feed.
package source

import (
	"context"
	"image"
	"log/slog"
	"time"

	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/core"
	"github.com/pkg/errors"
)

// maxGrabFailures is the number of consecutive failed grabs after which a
// capture source gives up.
const maxGrabFailures = 50

type grabFunc func() (*image.RGBA, error)

// pump grabs a frame every 1/fps and writes it to surface until ctx ends.
// A late grab is not made up for; the next tick just carries on.
func pump(ctx context.Context, fps int, grab grabFunc, surface core.Surface, clock core.Clock, logger *slog.Logger) <-chan error {
	done := make(chan error, 1)
	interval := time.Second / time.Duration(fps)

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		failures := 0
		var frames int64
		for {
			select {
			case <-ctx.Done():
				logger.Debug("Frame delivery stopped", "frames", frames)
				return
			case <-ticker.C:
			}

			pts := clock.NowUs()
			img, err := grab()
			if err != nil {
				failures++
				if failures == 1 || failures%10 == 0 {
					logger.Debug("Frame grab failed", "consecutive", failures, "error", err)
				}
				if failures >= maxGrabFailures {
					done <- errors.Wrap(err, "capture failed repeatedly")
					return
				}
				continue
			}
			failures = 0

			if err := surface.WriteFrame(img, pts); err != nil {
				if ctx.Err() != nil || errors.Is(err, core.ErrNotStarted) {
					return
				}
				done <- errors.Wrap(err, "deliver frame to encoder")
				return
			}
			frames++
		}
	}()
	return done
}
