// Package rtmp publishes the encoded tracks to an RTMP ingest as FLV tags.
package rtmp

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/core"
	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/transport/avc"
	"github.com/babelcloud/gbox/packages/screencast/internal/util"
	"github.com/pkg/errors"
	flvtag "github.com/yutopp/go-flv/tag"
	"github.com/yutopp/go-rtmp/message"
)

// ErrNotConnected is returned by writes while the sink waits out the
// reconnect backoff.
var ErrNotConnected = errors.New("rtmp: not connected")

// Sink publishes to rtmp:// and rtmps:// endpoints. The connection is
// re-established lazily on the next write once ReconnectBackoff has passed,
// and cached sequence headers are re-sent first.
type Sink struct {
	ReconnectBackoff time.Duration

	logger *slog.Logger
	dial   dialFunc
	now    func() time.Time
	state  atomic.Int32

	mu          sync.Mutex
	target      *target
	pub         publisher
	lastAttempt time.Time
	videoHeader []byte
	audioHeader []byte
	closed      bool
}

// New returns an unopened sink.
func New(reconnectBackoff time.Duration) *Sink {
	s := &Sink{
		ReconnectBackoff: reconnectBackoff,
		logger:           util.GetLogger().With("component", "sink", "sink", "rtmp"),
		dial:             dialPublisher,
		now:              time.Now,
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
	if s.pub != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t, err := parseTarget(endpoint)
	if err != nil {
		return err
	}
	s.target = t
	s.logger.Info("Opening RTMP publish", "addr", t.addr, "app", t.app, "width", width, "height", height)
	return s.connectLocked()
}

// connectLocked dials the target. Caller holds mu.
func (s *Sink) connectLocked() error {
	s.setState(core.ConnConnecting)
	s.lastAttempt = s.now()

	pub, err := s.dial(s.target)
	if err != nil {
		s.setState(core.ConnDisconnected)
		return errors.Wrap(err, "rtmp connect")
	}
	s.pub = pub
	s.setState(core.ConnConnected)
	s.logger.Info("RTMP connected", "addr", s.target.addr)

	if s.videoHeader != nil {
		if err := s.sendLocked(videoChunkID, 0, &message.VideoMessage{Payload: bytes.NewReader(s.videoHeader)}); err != nil {
			return err
		}
	}
	if s.audioHeader != nil {
		if err := s.sendLocked(audioChunkID, 0, &message.AudioMessage{Payload: bytes.NewReader(s.audioHeader)}); err != nil {
			return err
		}
	}
	return nil
}

// ensureConnectedLocked reconnects if the backoff has elapsed.
func (s *Sink) ensureConnectedLocked() error {
	if s.closed {
		return core.ErrSinkClosed
	}
	if s.pub != nil {
		return nil
	}
	if s.target == nil {
		return ErrNotConnected
	}
	if s.now().Sub(s.lastAttempt) < s.ReconnectBackoff {
		return ErrNotConnected
	}
	s.logger.Info("Reconnecting RTMP publish", "addr", s.target.addr)
	return s.connectLocked()
}

func (s *Sink) sendLocked(chunkStreamID int, ts uint32, msg message.Message) error {
	if err := s.pub.Write(chunkStreamID, ts, msg); err != nil {
		_ = s.pub.Close()
		s.pub = nil
		s.setState(core.ConnDisconnected)
		s.logger.Warn("RTMP connection lost", "error", err)
		return errors.Wrap(err, "rtmp write")
	}
	return nil
}

func (s *Sink) WriteVideo(pkt core.Packet) error {
	tag := &flvtag.VideoData{CodecID: flvtag.CodecIDAVC}
	if pkt.Header {
		sps, pps, err := avc.ParameterSets(pkt.Data)
		if err != nil {
			return err
		}
		record, err := avc.DecoderConfigurationRecord(sps, pps)
		if err != nil {
			return err
		}
		tag.FrameType = flvtag.FrameTypeKeyFrame
		tag.AVCPacketType = flvtag.AVCPacketTypeSequenceHeader
		tag.Data = bytes.NewReader(record)
	} else {
		payload, err := avc.ToAVCC(pkt.Data)
		if err != nil {
			return err
		}
		if len(payload) == 0 {
			return nil
		}
		tag.FrameType = flvtag.FrameTypeInterFrame
		if pkt.KeyFrame {
			tag.FrameType = flvtag.FrameTypeKeyFrame
		}
		tag.AVCPacketType = flvtag.AVCPacketTypeNALU
		tag.Data = bytes.NewReader(payload)
	}

	var body bytes.Buffer
	if err := flvtag.EncodeVideoData(&body, tag); err != nil {
		return errors.Wrap(err, "encode video tag")
	}
	return s.write(videoChunkID, pkt, body.Bytes(), false)
}

func (s *Sink) WriteAudio(pkt core.Packet) error {
	tag := &flvtag.AudioData{
		SoundFormat:   flvtag.SoundFormatAAC,
		SoundRate:     flvtag.SoundRate44kHz,
		SoundSize:     flvtag.SoundSize16Bit,
		SoundType:     flvtag.SoundTypeStereo,
		AACPacketType: flvtag.AACPacketTypeRaw,
	}
	if pkt.Header {
		if _, err := avc.AudioConfig(pkt.Data); err != nil {
			return err
		}
		tag.AACPacketType = flvtag.AACPacketTypeSequenceHeader
	}
	tag.Data = bytes.NewReader(avc.StripADTS(pkt.Data))

	var body bytes.Buffer
	if err := flvtag.EncodeAudioData(&body, tag); err != nil {
		return errors.Wrap(err, "encode audio tag")
	}
	return s.write(audioChunkID, pkt, body.Bytes(), true)
}

func (s *Sink) write(chunkStreamID int, pkt core.Packet, body []byte, audio bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return core.ErrSinkClosed
	}
	if pkt.Header {
		cached := append([]byte(nil), body...)
		if audio {
			s.audioHeader = cached
		} else {
			s.videoHeader = cached
		}
		// A fresh connection sends the cached header itself.
		if s.pub == nil {
			return s.ensureConnectedLocked()
		}
	}

	if err := s.ensureConnectedLocked(); err != nil {
		return err
	}

	var msg message.Message
	if audio {
		msg = &message.AudioMessage{Payload: bytes.NewReader(body)}
	} else {
		msg = &message.VideoMessage{Payload: bytes.NewReader(body)}
	}
	return s.sendLocked(chunkStreamID, uint32(pkt.TimestampMillis), msg)
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

	if s.pub == nil {
		return nil
	}
	err := s.pub.Close()
	s.pub = nil
	s.logger.Info("RTMP publish closed")
	return errors.Wrap(err, "close rtmp connection")
}
