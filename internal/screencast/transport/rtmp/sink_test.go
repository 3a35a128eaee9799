package rtmp

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/core"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yutopp/go-rtmp/message"
)

var (
	testSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	testPPS = []byte{0x68, 0xce, 0x38, 0x80}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x10}
)

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

type sentMessage struct {
	chunkStreamID int
	timestamp     uint32
	body          []byte
}

type fakePublisher struct {
	mu      sync.Mutex
	sent    []sentMessage
	failOn  int
	closed  bool
	written int
}

func (p *fakePublisher) Write(chunkStreamID int, timestamp uint32, msg message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written++
	if p.failOn > 0 && p.written == p.failOn {
		return errors.New("broken pipe")
	}
	var payload io.Reader
	switch m := msg.(type) {
	case *message.VideoMessage:
		payload = m.Payload
	case *message.AudioMessage:
		payload = m.Payload
	}
	body, _ := io.ReadAll(payload)
	p.sent = append(p.sent, sentMessage{chunkStreamID, timestamp, body})
	return nil
}

func (p *fakePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type dialer struct {
	pubs  []*fakePublisher
	fail  bool
	dials int
}

func (d *dialer) dial(*target) (publisher, error) {
	d.dials++
	if d.fail {
		return nil, errors.New("connection refused")
	}
	p := &fakePublisher{}
	d.pubs = append(d.pubs, p)
	return p, nil
}

func newTestSink(d *dialer, now *time.Time) *Sink {
	s := New(time.Second)
	s.dial = d.dial
	s.now = func() time.Time { return *now }
	return s
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		endpoint string
		addr     string
		app      string
		key      string
		tcURL    string
	}{
		{"rtmp://live.example.com/app/key", "live.example.com:1935", "app", "key", "rtmp://live.example.com/app"},
		{"rtmp://127.0.0.1:1936/live/a/b", "127.0.0.1:1936", "live", "a/b", "rtmp://127.0.0.1:1936/live"},
		{"rtmps://ingest.example.com/live/k?token=1", "ingest.example.com:443", "live", "k?token=1", "rtmps://ingest.example.com/live"},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			got, err := parseTarget(tt.endpoint)
			require.NoError(t, err)
			assert.Equal(t, tt.addr, got.addr)
			assert.Equal(t, tt.app, got.app)
			assert.Equal(t, tt.key, got.key)
			assert.Equal(t, tt.tcURL, got.tcURL)
		})
	}

	for _, bad := range []string{"http://x/app", "rtmp:///app", "rtmp://host"} {
		_, err := parseTarget(bad)
		assert.Error(t, err, bad)
	}
}

func TestSinkWritesFLVTags(t *testing.T) {
	now := time.Unix(100, 0)
	d := &dialer{}
	s := newTestSink(d, &now)

	require.NoError(t, s.Open(context.Background(), "rtmp://localhost/live/test", 640, 480))
	assert.Equal(t, core.ConnConnected, s.ConnectionState())

	require.NoError(t, s.WriteVideo(core.Packet{Data: annexB(testSPS, testPPS), Header: true}))
	require.NoError(t, s.WriteVideo(core.Packet{Data: annexB(testIDR), TimestampMillis: 33, KeyFrame: true}))
	require.NoError(t, s.WriteAudio(core.Packet{Data: []byte{0x12, 0x08}, Header: true}))
	require.NoError(t, s.WriteAudio(core.Packet{Data: []byte{0x21, 0x00}, TimestampMillis: 40}))

	sent := d.pubs[0].sent
	require.Len(t, sent, 4)

	assert.Equal(t, videoChunkID, sent[0].chunkStreamID)
	assert.Equal(t, []byte{0x17, 0x00}, sent[0].body[:2])
	assert.Equal(t, []byte{0x17, 0x01}, sent[1].body[:2])
	assert.Equal(t, uint32(33), sent[1].timestamp)

	assert.Equal(t, audioChunkID, sent[2].chunkStreamID)
	assert.Equal(t, []byte{0xaf, 0x00, 0x12, 0x08}, sent[2].body)
	assert.Equal(t, []byte{0xaf, 0x01, 0x21, 0x00}, sent[3].body)
	assert.Equal(t, uint32(40), sent[3].timestamp)
}

func TestSinkReconnectsAfterBackoffAndResendsHeaders(t *testing.T) {
	now := time.Unix(100, 0)
	d := &dialer{}
	s := newTestSink(d, &now)

	require.NoError(t, s.Open(context.Background(), "rtmp://localhost/live/test", 640, 480))
	require.NoError(t, s.WriteVideo(core.Packet{Data: annexB(testSPS, testPPS), Header: true}))

	d.pubs[0].failOn = 2
	err := s.WriteVideo(core.Packet{Data: annexB(testIDR), TimestampMillis: 10, KeyFrame: true})
	require.Error(t, err)
	assert.Equal(t, core.ConnDisconnected, s.ConnectionState())
	assert.True(t, d.pubs[0].closed)

	// Within the backoff nothing is dialled.
	now = now.Add(100 * time.Millisecond)
	err = s.WriteVideo(core.Packet{Data: annexB(testIDR), TimestampMillis: 20, KeyFrame: true})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 1, d.dials)

	now = now.Add(2 * time.Second)
	require.NoError(t, s.WriteVideo(core.Packet{Data: annexB(testIDR), TimestampMillis: 30, KeyFrame: true}))
	require.Len(t, d.pubs, 2)

	sent := d.pubs[1].sent
	require.Len(t, sent, 2)
	assert.Equal(t, byte(0x00), sent[0].body[1], "sequence header first")
	assert.Equal(t, uint32(30), sent[1].timestamp)
}

func TestSinkOpenFailureThenLazyConnect(t *testing.T) {
	now := time.Unix(100, 0)
	d := &dialer{fail: true}
	s := newTestSink(d, &now)

	require.Error(t, s.Open(context.Background(), "rtmp://localhost/live/test", 640, 480))
	assert.Equal(t, core.ConnDisconnected, s.ConnectionState())

	d.fail = false
	now = now.Add(2 * time.Second)
	require.NoError(t, s.WriteAudio(core.Packet{Data: []byte{0x12, 0x08}, Header: true}))
	assert.Equal(t, core.ConnConnected, s.ConnectionState())
	require.Len(t, d.pubs, 1)
	assert.Len(t, d.pubs[0].sent, 1)
}

func TestSinkClose(t *testing.T) {
	now := time.Unix(100, 0)
	d := &dialer{}
	s := newTestSink(d, &now)
	require.NoError(t, s.Open(context.Background(), "rtmp://localhost/live/test", 640, 480))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, core.ConnClosed, s.ConnectionState())
	assert.True(t, d.pubs[0].closed)
	assert.ErrorIs(t, s.WriteVideo(core.Packet{Data: annexB(testIDR)}), core.ErrSinkClosed)
}
