package stream

import (
	"io"
	"log/slog"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/pkg/errors"
)

const (
	webmVideoTrack = 1
	webmAudioTrack = 2
)

// webmTracks describes the Matroska tracks of the session.
type webmTracks struct {
	width, height int
	fps           int
	avcC          []byte
	audio         *mpeg4audio.AudioSpecificConfig
	asc           []byte
}

func (t *webmTracks) entries() []webm.TrackEntry {
	fps := t.fps
	if fps <= 0 {
		fps = 30
	}
	entries := []webm.TrackEntry{{
		Name:            "Video",
		TrackNumber:     webmVideoTrack,
		TrackUID:        webmVideoTrack,
		CodecID:         "V_MPEG4/ISO/AVC",
		CodecPrivate:    t.avcC,
		TrackType:       1,
		DefaultDuration: uint64(1_000_000_000 / fps),
		Video: &webm.Video{
			PixelWidth:  uint64(t.width),
			PixelHeight: uint64(t.height),
		},
	}}
	if t.audio != nil {
		entries = append(entries, webm.TrackEntry{
			Name:         "Audio",
			TrackNumber:  webmAudioTrack,
			TrackUID:     webmAudioTrack,
			CodecID:      "A_AAC",
			CodecPrivate: t.asc,
			TrackType:    2,
			Audio: &webm.Audio{
				SamplingFrequency: float64(t.audio.SampleRate),
				Channels:          uint64(t.audio.ChannelCount),
			},
		})
	}
	return entries
}

// writerCloser stops forwarding after the first failed write.
type writerCloser struct {
	writer io.Writer
	logger *slog.Logger
	closed bool
}

func (wc *writerCloser) Write(p []byte) (n int, err error) {
	if wc.closed {
		return 0, io.ErrClosedPipe
	}

	n, err = wc.writer.Write(p)
	if err != nil {
		wc.logger.Debug("WebM viewer write failed", "error", err, "size", len(p), "written", n)
		wc.closed = true
	}
	return n, err
}

func (wc *writerCloser) Close() error {
	wc.closed = true
	return nil
}

// webmMuxer writes one viewer's Matroska stream. Block timestamps are
// relative to the viewer's first keyframe.
type webmMuxer struct {
	video  webm.BlockWriteCloser
	audio  webm.BlockWriteCloser
	logger *slog.Logger
	base   int64
	failed error
}

func newWebMMuxer(w io.Writer, tracks *webmTracks, logger *slog.Logger) (*webmMuxer, error) {
	m := &webmMuxer{logger: logger, base: -1}
	writers, err := webm.NewSimpleBlockWriter(&writerCloser{writer: w, logger: logger}, tracks.entries(),
		mkvcore.WithOnFatalHandler(func(err error) {
			m.logger.Debug("WebM writer failed", "error", err)
			m.failed = err
		}))
	if err != nil {
		return nil, errors.Wrap(err, "create webm writer")
	}
	m.video = writers[0]
	if len(writers) > 1 {
		m.audio = writers[1]
	}
	return m, nil
}

// write stores one block. Blocks before the first video keyframe are skipped.
func (m *webmMuxer) write(audio bool, ms int64, keyFrame bool, data []byte) error {
	if m.failed != nil {
		return m.failed
	}
	if m.base < 0 {
		if audio || !keyFrame {
			return nil
		}
		m.base = ms
	}
	ts := ms - m.base
	if ts < 0 {
		return nil
	}

	bw := m.video
	if audio {
		if m.audio == nil {
			return nil
		}
		bw = m.audio
	}
	if _, err := bw.Write(keyFrame, ts, data); err != nil {
		return errors.Wrap(err, "write webm block")
	}
	return m.failed
}

func (m *webmMuxer) Close() error {
	var first error
	for _, bw := range []webm.BlockWriteCloser{m.video, m.audio} {
		if bw == nil {
			continue
		}
		if err := bw.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
