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
)

// mediaBlock is one sample ready for a Matroska block.
type mediaBlock struct {
	audio    bool
	ms       int64
	keyFrame bool
	data     []byte
}

// WebMSink serves a WebM stream at webm://host:port/path. Each viewer gets
// its own Matroska writer so late joiners receive a fresh header.
type WebMSink struct {
	Audio      bool
	FPS        int
	BufferSize int

	logger *slog.Logger
	server *server
	hub    *pipeline.Broadcaster[mediaBlock]

	mu     sync.Mutex
	width  int
	height int
	tracks *webmTracks
	sps    []byte
	pps    []byte
}

func NewWebM(audio bool, fps, bufferSize int) *WebMSink {
	logger := util.GetLogger().With("component", "sink", "sink", "webm")
	return &WebMSink{
		Audio:      audio,
		FPS:        fps,
		BufferSize: bufferSize,
		logger:     logger,
		server:     newServer("webm", logger),
		hub:        pipeline.NewBroadcaster[mediaBlock]("webm"),
	}
}

func (s *WebMSink) Open(ctx context.Context, endpoint string, width, height int) error {
	s.mu.Lock()
	s.width, s.height = width, height
	s.mu.Unlock()
	return s.server.listen(ctx, endpoint, http.HandlerFunc(s.serveHTTP))
}

func (s *WebMSink) WriteVideo(pkt core.Packet) error {
	if s.server.isClosed() {
		return core.ErrSinkClosed
	}
	if pkt.Header {
		sps, pps, err := avc.ParameterSets(pkt.Data)
		if err != nil {
			return err
		}
		record, err := avc.DecoderConfigurationRecord(sps, pps)
		if err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.sps = append([]byte(nil), sps...)
		s.pps = append([]byte(nil), pps...)
		s.trackInfoLocked().avcC = record
		return nil
	}

	s.mu.Lock()
	sps, pps := s.sps, s.pps
	s.mu.Unlock()

	nalus, err := avc.SplitAnnexB(pkt.Data)
	if err != nil {
		return err
	}
	if pkt.KeyFrame {
		nalus = avc.PrependParameterSets(nalus, sps, pps)
	}
	payload, err := avc.MarshalAVCC(nalus)
	if err != nil || payload == nil {
		return err
	}
	s.hub.Broadcast(mediaBlock{ms: pkt.TimestampMillis, keyFrame: pkt.KeyFrame, data: payload})
	return nil
}

func (s *WebMSink) WriteAudio(pkt core.Packet) error {
	if s.server.isClosed() {
		return core.ErrSinkClosed
	}
	if pkt.Header {
		conf, err := avc.AudioConfig(pkt.Data)
		if err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		t := s.trackInfoLocked()
		t.audio = conf
		t.asc = append([]byte(nil), pkt.Data...)
		return nil
	}
	raw := append([]byte(nil), avc.StripADTS(pkt.Data)...)
	s.hub.Broadcast(mediaBlock{audio: true, ms: pkt.TimestampMillis, keyFrame: true, data: raw})
	return nil
}

func (s *WebMSink) trackInfoLocked() *webmTracks {
	if s.tracks == nil {
		s.tracks = &webmTracks{width: s.width, height: s.height, fps: s.FPS}
	}
	return s.tracks
}

// snapshotTracks returns the track layout once every expected track is
// configured.
func (s *WebMSink) snapshotTracks() *webmTracks {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracks == nil || s.tracks.avcC == nil || (s.Audio && s.tracks.audio == nil) {
		return nil
	}
	t := *s.tracks
	return &t
}

func (s *WebMSink) serveHTTP(w http.ResponseWriter, r *http.Request) {
	id := nextViewerID("webm")
	logger := s.logger.With("viewer", id, "remote", r.RemoteAddr)

	tracks := s.snapshotTracks()
	if tracks == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}

	ch := s.hub.Subscribe(id, s.BufferSize)
	defer s.hub.Unsubscribe(id)

	w.Header().Set("Content-Type", "video/webm")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	flusher, _ := w.(http.Flusher)

	muxer, err := newWebMMuxer(w, tracks, logger)
	if err != nil {
		logger.Error("Failed to initialize WebM muxer", "error", err)
		return
	}
	defer muxer.Close()
	if flusher != nil {
		flusher.Flush()
	}
	logger.Info("WebM viewer connected")

	for {
		select {
		case <-r.Context().Done():
			logger.Info("WebM viewer disconnected")
			return
		case blk, ok := <-ch:
			if !ok {
				logger.Info("WebM stream ended for viewer")
				return
			}
			if err := muxer.write(blk.audio, blk.ms, blk.keyFrame, blk.data); err != nil {
				logger.Debug("WebM viewer write failed", "error", err)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func (s *WebMSink) ConnectionState() core.ConnState {
	return s.server.connectionState()
}

func (s *WebMSink) Close() error {
	if s.server.isClosed() {
		return nil
	}
	s.hub.Close()
	return s.server.shutdown()
}
