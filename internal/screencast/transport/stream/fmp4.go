package stream

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/core"
	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/pipeline"
	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/transport/avc"
	"github.com/babelcloud/gbox/packages/screencast/internal/util"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// segment is one chunk of the fMP4 byte stream. Viewers start at the first
// keyframe part after the init segment.
type segment struct {
	data     []byte
	init     bool
	keyFrame bool
	video    bool
}

// FMP4Sink serves fragmented MP4 at fmp4://host:port/path.
type FMP4Sink struct {
	Audio      bool
	BufferSize int

	logger *slog.Logger
	server *server
	hub    *pipeline.Broadcaster[segment]

	mu        sync.Mutex
	writer    *fmp4Writer
	sps, pps  []byte
	audioConf *mpeg4audio.AudioSpecificConfig
	ready     bool
}

// NewFMP4 returns an unopened sink. audio says whether an audio track will
// be configured; the init segment waits for it.
func NewFMP4(audio bool, bufferSize int) *FMP4Sink {
	logger := util.GetLogger().With("component", "sink", "sink", "fmp4")
	return &FMP4Sink{
		Audio:      audio,
		BufferSize: bufferSize,
		logger:     logger,
		server:     newServer("fmp4", logger),
		hub:        pipeline.NewBroadcaster[segment]("fmp4"),
		writer:     newFMP4Writer(),
	}
}

func (s *FMP4Sink) Open(ctx context.Context, endpoint string, width, height int) error {
	return s.server.listen(ctx, endpoint, http.HandlerFunc(s.serveHTTP))
}

func (s *FMP4Sink) WriteVideo(pkt core.Packet) error {
	if s.server.isClosed() {
		return core.ErrSinkClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if pkt.Header {
		sps, pps, err := avc.ParameterSets(pkt.Data)
		if err != nil {
			return err
		}
		s.sps = append([]byte(nil), sps...)
		s.pps = append([]byte(nil), pps...)
		return s.initLocked()
	}
	if !s.ready {
		return nil
	}

	nalus, err := avc.SplitAnnexB(pkt.Data)
	if err != nil {
		return err
	}
	if pkt.KeyFrame {
		nalus = avc.PrependParameterSets(nalus, s.sps, s.pps)
	}
	payload, err := avc.MarshalAVCC(nalus)
	if err != nil || payload == nil {
		return err
	}
	data, err := s.writer.videoPart(payload, pkt.TimestampMillis, pkt.KeyFrame)
	if err != nil {
		return err
	}
	s.hub.Broadcast(segment{data: data, video: true, keyFrame: pkt.KeyFrame})
	return nil
}

func (s *FMP4Sink) WriteAudio(pkt core.Packet) error {
	if s.server.isClosed() {
		return core.ErrSinkClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if pkt.Header {
		conf, err := avc.AudioConfig(pkt.Data)
		if err != nil {
			return err
		}
		s.audioConf = conf
		return s.initLocked()
	}
	if !s.ready || s.audioConf == nil {
		return nil
	}

	raw := append([]byte(nil), avc.StripADTS(pkt.Data)...)
	data, err := s.writer.audioPart(raw, pkt.TimestampMillis)
	if err != nil {
		return err
	}
	s.hub.Broadcast(segment{data: data})
	return nil
}

// initLocked publishes the init segment once every expected track is
// configured.
func (s *FMP4Sink) initLocked() error {
	if s.ready || s.sps == nil || (s.Audio && s.audioConf == nil) {
		return nil
	}
	data, err := s.writer.initSegment(s.sps, s.pps, s.audioConf)
	if err != nil {
		return err
	}
	initSeg := segment{data: data, init: true}
	s.hub.SetPreamble(initSeg)
	// viewers that joined before the headers are waiting for it too
	s.hub.Broadcast(initSeg)
	s.ready = true
	s.logger.Info("fMP4 init segment ready", "size", len(data), "audio", s.audioConf != nil)
	return nil
}

func (s *FMP4Sink) serveHTTP(w http.ResponseWriter, r *http.Request) {
	id := nextViewerID("fmp4")
	logger := s.logger.With("viewer", id, "remote", r.RemoteAddr)

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	flusher, _ := w.(http.Flusher)

	ch := s.hub.Subscribe(id, s.BufferSize)
	defer s.hub.Unsubscribe(id)
	if flusher != nil {
		flusher.Flush()
	}
	logger.Info("fMP4 viewer connected")

	var initSent, started bool
	for {
		select {
		case <-r.Context().Done():
			logger.Info("fMP4 viewer disconnected")
			return
		case seg, ok := <-ch:
			if !ok {
				logger.Info("fMP4 stream ended for viewer")
				return
			}
			switch {
			case seg.init:
				if initSent {
					continue
				}
				initSent = true
			case !initSent:
				continue
			case !started:
				if !seg.video || !seg.keyFrame {
					continue
				}
				started = true
			}
			if _, err := w.Write(seg.data); err != nil {
				logger.Debug("fMP4 viewer write failed", "error", err)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func (s *FMP4Sink) ConnectionState() core.ConnState {
	return s.server.connectionState()
}

func (s *FMP4Sink) Close() error {
	if s.server.isClosed() {
		return nil
	}
	s.hub.Close()
	return s.server.shutdown()
}
