package stream

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/core"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	testPPS    = []byte{0x68, 0xce, 0x38, 0x80}
	testIDR    = []byte{0x65, 0x88, 0x84, 0x00, 0x10}
	testPFrame = []byte{0x41, 0x9a, 0x24, 0x8c, 0x09}
	testASC    = []byte{0x12, 0x08}
)

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

func viewerURL(t *testing.T, s *server, path string) string {
	t.Helper()
	addr := s.Addr()
	require.NotNil(t, addr)
	return fmt.Sprintf("http://%s%s", addr, path)
}

func TestParseListen(t *testing.T) {
	addr, path, err := parseListen("fmp4", "fmp4://0.0.0.0:8080/live")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", addr)
	assert.Equal(t, "/live", path)

	_, path, err = parseListen("ws", "ws://localhost:9000")
	require.NoError(t, err)
	assert.Equal(t, "/", path)

	_, _, err = parseListen("ws", "ws://localhost/live")
	assert.Error(t, err)
	_, _, err = parseListen("webm", "ws://localhost:1/live")
	assert.Error(t, err)
}

func TestEncodeFrame(t *testing.T) {
	frame := EncodeFrame(FrameAudio|FrameHeader, 0x01020304, []byte{9, 8})
	assert.Equal(t, []byte{0x03, 0x01, 0x02, 0x03, 0x04, 9, 8}, frame)
}

func TestWSViewerGetsHeadersThenFrames(t *testing.T) {
	s := NewWS(16)
	require.NoError(t, s.Open(context.Background(), "ws://127.0.0.1:0/live", 640, 480))
	defer s.Close()
	assert.Equal(t, core.ConnConnected, s.ConnectionState())

	require.NoError(t, s.WriteVideo(core.Packet{Data: annexB(testSPS, testPPS), Header: true}))
	require.NoError(t, s.WriteAudio(core.Packet{Data: testASC, Header: true}))

	url := "ws://" + s.server.Addr().String() + "/live"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.hub.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.WriteVideo(core.Packet{Data: annexB(testIDR), TimestampMillis: 33, KeyFrame: true}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var kinds []byte
	for i := 0; i < 3; i++ {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(msg), FrameHeaderLen)
		kinds = append(kinds, msg[0])
	}
	assert.Equal(t, []byte{FrameHeader, FrameAudio | FrameHeader, FrameKeyFrame}, kinds)
}

func TestFMP4ViewerStartsAtInitAndKeyFrame(t *testing.T) {
	s := NewFMP4(false, 16)
	require.NoError(t, s.Open(context.Background(), "fmp4://127.0.0.1:0/live.mp4", 64, 48))
	defer s.Close()

	require.NoError(t, s.WriteVideo(core.Packet{Data: annexB(testSPS, testPPS), Header: true}))

	resp, err := http.Get(viewerURL(t, s.server, "/live.mp4"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return s.hub.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.WriteVideo(core.Packet{Data: annexB(testPFrame), TimestampMillis: 10}))
	require.NoError(t, s.WriteVideo(core.Packet{Data: annexB(testIDR), TimestampMillis: 33, KeyFrame: true}))

	boxes := readBoxTypes(t, resp.Body, 4)
	assert.Equal(t, []string{"ftyp", "moov", "moof", "mdat"}, boxes)
}

func TestFMP4ViewerJoiningBeforeHeadersGetsInit(t *testing.T) {
	s := NewFMP4(false, 16)
	require.NoError(t, s.Open(context.Background(), "fmp4://127.0.0.1:0/live.mp4", 64, 48))
	defer s.Close()

	resp, err := http.Get(viewerURL(t, s.server, "/live.mp4"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Eventually(t, func() bool { return s.hub.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.WriteVideo(core.Packet{Data: annexB(testSPS, testPPS), Header: true}))
	require.NoError(t, s.WriteVideo(core.Packet{Data: annexB(testIDR), TimestampMillis: 33, KeyFrame: true}))
	require.NoError(t, s.WriteVideo(core.Packet{Data: annexB(testPFrame), TimestampMillis: 66}))

	boxes := readBoxTypes(t, resp.Body, 6)
	assert.Equal(t, []string{"ftyp", "moov", "moof", "mdat", "moof", "mdat"}, boxes)
}

// readBoxTypes reads n top-level MP4 box types from r.
func readBoxTypes(t *testing.T, r io.Reader, n int) []string {
	t.Helper()
	var seen []string
	for len(seen) < n {
		head := make([]byte, 8)
		_, err := io.ReadFull(r, head)
		require.NoError(t, err)
		seen = append(seen, string(head[4:8]))
		size := binary.BigEndian.Uint32(head[:4])
		_, err = io.CopyN(io.Discard, r, int64(size)-8)
		require.NoError(t, err)
	}
	return seen
}

func TestFMP4WaitsForAudioConfig(t *testing.T) {
	s := NewFMP4(true, 16)
	require.NoError(t, s.WriteVideo(core.Packet{Data: annexB(testSPS, testPPS), Header: true}))
	assert.False(t, s.ready)
	require.NoError(t, s.WriteAudio(core.Packet{Data: testASC, Header: true}))
	assert.True(t, s.ready)
}

func TestFMP4WriterDurations(t *testing.T) {
	w := newFMP4Writer()
	_, err := w.initSegment(testSPS, testPPS, nil)
	require.NoError(t, err)

	assert.Equal(t, uint32(defaultFrameDuration), w.video.duration(0))
	assert.Equal(t, uint32(2970), w.video.duration(scaleMillis(33, videoTimeScale)))
	_, err = w.audioPart([]byte{1}, 0)
	assert.Error(t, err, "no audio track configured")
}

func TestWebMNotReadyWithoutConfig(t *testing.T) {
	s := NewWebM(false, 15, 16)
	require.NoError(t, s.Open(context.Background(), "webm://127.0.0.1:0/live.webm", 64, 48))
	defer s.Close()

	resp, err := http.Get(viewerURL(t, s.server, "/live.webm"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWebMViewerReceivesEBMLHeader(t *testing.T) {
	s := NewWebM(true, 15, 16)
	require.NoError(t, s.Open(context.Background(), "webm://127.0.0.1:0/live.webm", 64, 48))
	defer s.Close()

	require.NoError(t, s.WriteVideo(core.Packet{Data: annexB(testSPS, testPPS), Header: true}))
	require.NoError(t, s.WriteAudio(core.Packet{Data: testASC, Header: true}))

	resp, err := http.Get(viewerURL(t, s.server, "/live.webm"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool { return s.hub.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.WriteVideo(core.Packet{Data: annexB(testIDR), TimestampMillis: 40, KeyFrame: true}))

	head := make([]byte, 4)
	_, err = io.ReadFull(resp.Body, head)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1a, 0x45, 0xdf, 0xa3}, head)
}

func TestWebMMuxerSkipsUntilKeyFrame(t *testing.T) {
	var buf bytes.Buffer
	m, err := newWebMMuxer(&buf, &webmTracks{width: 64, height: 48, avcC: []byte{1, 0x42, 0xc0, 0x28, 0xff, 0xe1}}, testLogger())
	require.NoError(t, err)

	require.NoError(t, m.write(false, 10, false, []byte{0, 0, 0, 1, 0x41}))
	assert.Equal(t, int64(-1), m.base)
	require.NoError(t, m.write(false, 50, true, []byte{0, 0, 0, 1, 0x65}))
	assert.Equal(t, int64(50), m.base)
	require.NoError(t, m.Close())
}

func TestCloseEndsViewersAndIsIdempotent(t *testing.T) {
	s := NewFMP4(false, 16)
	require.NoError(t, s.Open(context.Background(), "fmp4://127.0.0.1:0/", 64, 48))
	require.NoError(t, s.WriteVideo(core.Packet{Data: annexB(testSPS, testPPS), Header: true}))

	resp, err := http.Get(viewerURL(t, s.server, "/"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Eventually(t, func() bool { return s.hub.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, core.ConnClosed, s.ConnectionState())
	assert.ErrorIs(t, s.WriteVideo(core.Packet{Data: annexB(testIDR)}), core.ErrSinkClosed)

	_, err = io.ReadAll(resp.Body)
	assert.NoError(t, err)
}
