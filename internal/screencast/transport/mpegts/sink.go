// Package mpegts streams live MPEG-TS over UDP or TCP.
package mpegts

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/core"
	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/transport/avc"
	"github.com/babelcloud/gbox/packages/screencast/internal/util"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
	"github.com/pkg/errors"
)

const (
	videoPID = 256
	audioPID = 257

	dialTimeout = 5 * time.Second
	// maxPending bounds the video held back while the audio configuration
	// has not arrived yet.
	maxPending = 64
)

// ErrNotConnected is returned while the sink waits out the reconnect backoff.
var ErrNotConnected = errors.New("mpegts: not connected")

type pendingVideo struct {
	pts int64
	au  [][]byte
}

// Sink muxes both tracks into one transport stream. The muxer is created
// once the video configuration (and the audio configuration when Audio is
// set) is known.
type Sink struct {
	Audio            bool
	ReconnectBackoff time.Duration

	logger *slog.Logger
	dial   func(network, addr string) (net.Conn, error)
	now    func() time.Time
	state  atomic.Int32

	mu          sync.Mutex
	network     string
	addr        string
	conn        net.Conn
	out         *packetWriter
	mux         *mpegts.Writer
	videoTrack  *mpegts.Track
	audioTrack  *mpegts.Track
	sps, pps    []byte
	audioConf   *mpeg4audio.AudioSpecificConfig
	pending     []pendingVideo
	lastAttempt time.Time
	closed      bool
}

// New returns an unopened sink. audio says whether an audio configuration
// will follow.
func New(audio bool, reconnectBackoff time.Duration) *Sink {
	s := &Sink{
		Audio:            audio,
		ReconnectBackoff: reconnectBackoff,
		logger:           util.GetLogger().With("component", "sink", "sink", "mpegts"),
		dial: func(network, addr string) (net.Conn, error) {
			return net.DialTimeout(network, addr, dialTimeout)
		},
		now: time.Now,
	}
	s.state.Store(int32(core.ConnIdle))
	return s
}

func (s *Sink) Open(ctx context.Context, endpoint string, width, height int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return core.ErrSinkClosed
	}
	if s.conn != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	network, addr, err := parseEndpoint(endpoint)
	if err != nil {
		return err
	}
	s.network, s.addr = network, addr
	s.logger.Info("Opening MPEG-TS output", "network", network, "addr", addr, "width", width, "height", height)
	return s.connectLocked()
}

func (s *Sink) connectLocked() error {
	s.setState(core.ConnConnecting)
	s.lastAttempt = s.now()

	conn, err := s.dial(s.network, s.addr)
	if err != nil {
		s.setState(core.ConnDisconnected)
		return errors.Wrapf(err, "dial %s %s", s.network, s.addr)
	}
	s.conn = conn
	s.out = newPacketWriter(conn, s.network)
	// A new connection starts a new stream, tables included.
	s.mux = nil
	s.setState(core.ConnConnected)
	s.logger.Info("MPEG-TS output connected", "addr", s.addr)
	return nil
}

func (s *Sink) ensureConnectedLocked() error {
	if s.closed {
		return core.ErrSinkClosed
	}
	if s.conn != nil {
		return nil
	}
	if s.addr == "" || s.now().Sub(s.lastAttempt) < s.ReconnectBackoff {
		return ErrNotConnected
	}
	return s.connectLocked()
}

func (s *Sink) dropConnLocked(err error) error {
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn, s.out, s.mux = nil, nil, nil
	s.setState(core.ConnDisconnected)
	s.logger.Warn("MPEG-TS output lost", "error", err)
	return errors.Wrap(err, "mpegts write")
}

func (s *Sink) readyLocked() bool {
	return s.sps != nil && (!s.Audio || s.audioConf != nil)
}

// muxerLocked returns the muxer, creating it on the current connection when
// the stream configuration is complete. nil means not ready yet.
func (s *Sink) muxerLocked() (*mpegts.Writer, error) {
	if s.mux != nil {
		return s.mux, nil
	}
	if !s.readyLocked() {
		return nil, nil
	}
	if err := s.ensureConnectedLocked(); err != nil {
		return nil, err
	}

	tracks := []*mpegts.Track{}
	s.videoTrack = &mpegts.Track{PID: videoPID, Codec: &mpegts.CodecH264{}}
	tracks = append(tracks, s.videoTrack)
	s.audioTrack = nil
	if s.audioConf != nil {
		s.audioTrack = &mpegts.Track{PID: audioPID, Codec: &mpegts.CodecMPEG4Audio{Config: *s.audioConf}}
		tracks = append(tracks, s.audioTrack)
	}

	mux := &mpegts.Writer{W: s.out, Tracks: tracks}
	if err := mux.Initialize(); err != nil {
		return nil, errors.Wrap(err, "initialize mpegts writer")
	}
	s.mux = mux
	s.logger.Debug("MPEG-TS muxer initialized", "audio", s.audioTrack != nil)
	return mux, nil
}

func (s *Sink) WriteVideo(pkt core.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return core.ErrSinkClosed
	}
	if pkt.Header {
		sps, pps, err := avc.ParameterSets(pkt.Data)
		if err != nil {
			return err
		}
		s.sps = append([]byte(nil), sps...)
		s.pps = append([]byte(nil), pps...)
		return s.flushPendingLocked()
	}

	nalus, err := avc.SplitAnnexB(pkt.Data)
	if err != nil {
		return err
	}
	if pkt.KeyFrame {
		nalus = avc.PrependParameterSets(nalus, s.sps, s.pps)
	}
	pts := pkt.TimestampMillis * 90

	mux, err := s.muxerLocked()
	if err != nil {
		return err
	}
	if mux == nil {
		s.holdLocked(pts, nalus)
		return nil
	}
	return s.writeVideoLocked(mux, pts, nalus)
}

func (s *Sink) holdLocked(pts int64, nalus [][]byte) {
	if len(s.pending) >= maxPending {
		s.pending = s.pending[1:]
	}
	au := make([][]byte, len(nalus))
	for i, n := range nalus {
		au[i] = append([]byte(nil), n...)
	}
	s.pending = append(s.pending, pendingVideo{pts: pts, au: au})
}

func (s *Sink) flushPendingLocked() error {
	mux, err := s.muxerLocked()
	if err != nil || mux == nil {
		return err
	}
	pending := s.pending
	s.pending = nil
	for _, p := range pending {
		if err := s.writeVideoLocked(mux, p.pts, p.au); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) writeVideoLocked(mux *mpegts.Writer, pts int64, au [][]byte) error {
	if err := mux.WriteH264(s.videoTrack, pts, pts, au); err != nil {
		return s.dropConnLocked(err)
	}
	if err := s.out.Flush(); err != nil {
		return s.dropConnLocked(err)
	}
	return nil
}

func (s *Sink) WriteAudio(pkt core.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return core.ErrSinkClosed
	}
	if pkt.Header {
		conf, err := avc.AudioConfig(pkt.Data)
		if err != nil {
			return err
		}
		s.audioConf = conf
		return s.flushPendingLocked()
	}

	mux, err := s.muxerLocked()
	if err != nil {
		return err
	}
	if mux == nil || s.audioTrack == nil {
		return nil
	}
	au := append([]byte(nil), avc.StripADTS(pkt.Data)...)
	if err := mux.WriteMPEG4Audio(s.audioTrack, pkt.TimestampMillis*90, [][]byte{au}); err != nil {
		return s.dropConnLocked(err)
	}
	if err := s.out.Flush(); err != nil {
		return s.dropConnLocked(err)
	}
	return nil
}

func (s *Sink) ConnectionState() core.ConnState {
	return core.ConnState(s.state.Load())
}

func (s *Sink) setState(st core.ConnState) {
	s.state.Store(int32(st))
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.setState(core.ConnClosed)
	s.pending = nil
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn, s.out, s.mux = nil, nil, nil
	s.logger.Info("MPEG-TS output closed")
	return errors.Wrap(err, "close mpegts connection")
}
