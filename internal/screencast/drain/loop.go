// Package drain implements the per-track loop that polls an encoder output
// queue and forwards classified units to a sink.
package drain

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/classify"
	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/core"
	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/timebase"
	"github.com/pkg/errors"
)

const (
	DefaultPollTimeout = 10 * time.Millisecond
	DefaultStallWarn   = 5 * time.Second
)

// Config tunes one loop.
type Config struct {
	Kind        core.MediaKind
	PollTimeout time.Duration
	// RetryDelay is slept after a not-ready poll, on top of the poll timeout.
	RetryDelay time.Duration
	// StallWarnAfter logs one warning per stall episode longer than this.
	StallWarnAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.StallWarnAfter <= 0 {
		c.StallWarnAfter = DefaultStallWarn
	}
	return c
}

// Loop drains one encoder. Run it on its own goroutine.
type Loop struct {
	cfg        Config
	enc        core.Encoder
	sink       core.Sink
	base       *timebase.Base
	classifier *classify.Classifier
	logger     *slog.Logger
	now        func() time.Time

	state atomic.Int32
	stats counters

	stallSince  time.Time
	stallWarned bool
}

// New builds a loop for enc. base is shared with the other tracks of the session.
func New(cfg Config, enc core.Encoder, sink core.Sink, base *timebase.Base, logger *slog.Logger) *Loop {
	cfg = cfg.withDefaults()
	return &Loop{
		cfg:        cfg,
		enc:        enc,
		sink:       sink,
		base:       base,
		classifier: classify.New(),
		logger:     logger.With("track", cfg.Kind.String()),
		now:        time.Now,
	}
}

// State returns the current state. Safe from any goroutine.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Stats returns a snapshot of the loop counters. Safe from any goroutine.
func (l *Loop) Stats() Stats {
	return l.stats.snapshot()
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
}

// Run drains until ctx is done or the encoder fails. A stop through ctx
// returns nil; an encoder failure returns an error wrapping
// core.ErrEncoderTerminated or the encoder's own error.
func (l *Loop) Run(ctx context.Context) error {
	l.setState(StateDraining)
	defer l.setState(StateStopped)
	l.logger.Debug("Drain loop started", "poll_timeout", l.cfg.PollTimeout)

	for {
		if ctx.Err() != nil {
			l.logger.Debug("Drain loop stopping", "forwarded", l.stats.forwarded.Load())
			return nil
		}

		poll, err := l.enc.Dequeue(l.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				// encoder torn down underneath a stop request
				return nil
			}
			return errors.Wrapf(err, "%s encoder", l.cfg.Kind)
		}

		switch poll.Status {
		case core.PollFormatChanged:
			l.logger.Info("Encoder output format changed",
				"codec", poll.Format.Codec,
				"width", poll.Format.Width,
				"height", poll.Format.Height,
				"sample_rate", poll.Format.SampleRate,
				"channels", poll.Format.Channels)

		case core.PollNotReady:
			l.enterStall()
			if !l.backoff(ctx) {
				continue
			}
			l.setState(StateDraining)

		case core.PollBuffer:
			if poll.Lease == nil {
				l.logger.Warn("Encoder returned a buffer poll without a lease")
				continue
			}
			l.leaveStall()
			l.setState(StateForwarding)
			eos := l.forward(poll.Lease)
			l.setState(StateDraining)
			if eos {
				return errors.Wrapf(core.ErrEncoderTerminated, "%s encoder reached end of stream", l.cfg.Kind)
			}
		}
	}
}

// backoff waits RetryDelay and reports false when ctx ended first.
func (l *Loop) backoff(ctx context.Context) bool {
	if l.cfg.RetryDelay == 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(l.cfg.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (l *Loop) enterStall() {
	l.setState(StateStallWait)
	now := l.now()
	if l.stallSince.IsZero() {
		l.stallSince = now
		l.stats.stalls.Add(1)
		return
	}
	if !l.stallWarned && now.Sub(l.stallSince) >= l.cfg.StallWarnAfter {
		l.stallWarned = true
		l.logger.Warn("Encoder has produced nothing", "stalled_for", now.Sub(l.stallSince).Truncate(time.Millisecond))
	}
}

func (l *Loop) leaveStall() {
	if l.stallSince.IsZero() {
		return
	}
	d := l.now().Sub(l.stallSince)
	l.stats.noteStall(d)
	l.logger.Debug("Tried again after", "stall", d.Truncate(time.Microsecond))
	l.stallSince = time.Time{}
	l.stallWarned = false
}

// forward classifies and writes one unit. The lease is released on every path.
func (l *Loop) forward(lease *core.Lease) (endOfStream bool) {
	defer lease.Release()

	unit := lease.Unit()
	endOfStream = unit.Flags.Has(core.FlagEndOfStream)

	res := l.classifier.Classify(unit, l.base)
	switch res.Action {
	case classify.ActionDrop:
		switch res.Reason {
		case classify.DropDuplicateHeader, classify.DropLateHeader:
			l.stats.duplicateHeaders.Add(1)
		default:
			l.stats.emptyUnits.Add(1)
		}
		l.logger.Debug("Dropped access unit", "reason", res.Reason, "size", len(unit.Data))
		return endOfStream
	case classify.ActionHeader:
		l.logger.Info("Sending codec configuration", "size", len(res.Packet.Data))
	}

	err := l.write(res.Packet)
	state := l.sink.ConnectionState()
	if err != nil {
		l.stats.writeFailures.Add(1)
		l.logger.Warn("Sink write failed",
			"connection", state,
			"timestamp", res.Packet.TimestampMillis,
			"size", len(res.Packet.Data),
			"header", res.Packet.Header,
			"error", err)
		return endOfStream
	}

	if res.Packet.Header {
		l.stats.headers.Add(1)
	} else {
		l.stats.forwarded.Add(1)
		l.stats.lastTimestamp.Store(res.Packet.TimestampMillis)
	}
	l.logger.Debug("Access unit written",
		"connection", state,
		"timestamp", res.Packet.TimestampMillis,
		"size", len(res.Packet.Data),
		"header", res.Packet.Header,
		"keyframe", res.Packet.KeyFrame)
	return endOfStream
}

func (l *Loop) write(pkt core.Packet) error {
	if l.cfg.Kind == core.KindAudio {
		return l.sink.WriteAudio(pkt)
	}
	return l.sink.WriteVideo(pkt)
}
