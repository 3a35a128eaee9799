package stream

import (
	"context"
	"encoding/binary"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/core"
	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/pipeline"
	"github.com/babelcloud/gbox/packages/screencast/internal/util"
	"github.com/gorilla/websocket"
)

// Frame kind bits of the WebSocket feed.
const (
	FrameAudio    byte = 1 << 0
	FrameHeader   byte = 1 << 1
	FrameKeyFrame byte = 1 << 2
)

// FrameHeaderLen is the kind byte plus the big-endian millisecond timestamp.
const FrameHeaderLen = 5

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EncodeFrame lays out one WebSocket binary message.
func EncodeFrame(kind byte, ms int64, payload []byte) []byte {
	out := make([]byte, FrameHeaderLen+len(payload))
	out[0] = kind
	binary.BigEndian.PutUint32(out[1:], uint32(ms))
	copy(out[FrameHeaderLen:], payload)
	return out
}

func packetKind(pkt core.Packet, audio bool) byte {
	var kind byte
	if audio {
		kind |= FrameAudio
	}
	if pkt.Header {
		kind |= FrameHeader
	}
	if pkt.KeyFrame {
		kind |= FrameKeyFrame
	}
	return kind
}

// WSSink serves the elementary streams over WebSocket at ws://host:port/path.
// Video is Annex-B, audio raw AAC; codec configuration frames are replayed
// to every new viewer.
type WSSink struct {
	BufferSize int

	logger *slog.Logger
	server *server
	hub    *pipeline.Broadcaster[[]byte]

	mu sync.Mutex
}

func NewWS(bufferSize int) *WSSink {
	logger := util.GetLogger().With("component", "sink", "sink", "ws")
	return &WSSink{
		BufferSize: bufferSize,
		logger:     logger,
		server:     newServer("ws", logger),
		hub:        pipeline.NewBroadcaster[[]byte]("ws"),
	}
}

func (s *WSSink) Open(ctx context.Context, endpoint string, width, height int) error {
	return s.server.listen(ctx, endpoint, http.HandlerFunc(s.serveWebSocket))
}

func (s *WSSink) WriteVideo(pkt core.Packet) error {
	return s.write(pkt, false)
}

func (s *WSSink) WriteAudio(pkt core.Packet) error {
	return s.write(pkt, true)
}

func (s *WSSink) write(pkt core.Packet, audio bool) error {
	if s.server.isClosed() {
		return core.ErrSinkClosed
	}
	frame := EncodeFrame(packetKind(pkt, audio), pkt.TimestampMillis, pkt.Data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if pkt.Header {
		s.hub.AppendPreamble(frame)
	}
	s.hub.Broadcast(frame)
	return nil
}

func (s *WSSink) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	id := nextViewerID("ws")
	logger := s.logger.With("viewer", id, "remote", r.RemoteAddr)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Failed to upgrade to WebSocket", "error", err)
		return
	}
	defer conn.Close()

	s.mu.Lock()
	ch := s.hub.Subscribe(id, s.BufferSize)
	s.mu.Unlock()
	defer s.hub.Unsubscribe(id)
	logger.Info("WebSocket viewer connected")

	// Reads only detect the viewer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				logger.Debug("WebSocket read ended", "error", err)
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			logger.Info("WebSocket viewer disconnected")
			return
		case frame, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"),
					time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				logger.Debug("WebSocket write failed", "error", err)
				return
			}
		}
	}
}

func (s *WSSink) ConnectionState() core.ConnState {
	return s.server.connectionState()
}

func (s *WSSink) Close() error {
	if s.server.isClosed() {
		return nil
	}
	s.hub.Close()
	return s.server.shutdown()
}
