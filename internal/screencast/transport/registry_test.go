package transport

import (
	"context"
	"testing"
	"time"

	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/core"
	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/transport/mpegts"
	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/transport/rtmp"
	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/transport/stream"
	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/transport/whip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPicksSinkByScheme(t *testing.T) {
	opts := Options{FPS: 15, ReconnectBackoff: time.Second, ListenBuffer: 16}
	tests := []struct {
		endpoint string
		want     interface{}
	}{
		{"rtmp://localhost/live/key", &rtmp.Sink{}},
		{"rtmps://localhost/live/key", &rtmp.Sink{}},
		{"udp://127.0.0.1:1234", &mpegts.Sink{}},
		{"tcp://127.0.0.1:1234", &mpegts.Sink{}},
		{"fmp4://127.0.0.1:8080/live", &stream.FMP4Sink{}},
		{"webm://127.0.0.1:8080/live", &stream.WebMSink{}},
		{"ws://127.0.0.1:8080/live", &stream.WSSink{}},
		{"whip+https://host/whip", &whip.Sink{}},
		{"null://", &NullSink{}},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			sink, err := New(tt.endpoint, opts)
			require.NoError(t, err)
			assert.IsType(t, tt.want, sink)
			assert.Equal(t, core.ConnIdle, sink.ConnectionState())
		})
	}
}

func TestNewRejects(t *testing.T) {
	_, err := New("srt://host:9000", Options{})
	assert.ErrorContains(t, err, "unsupported endpoint scheme")

	_, err = New("localhost:1935", Options{})
	assert.Error(t, err)

	_, err = New("whip+http://host/whip", Options{Audio: true})
	assert.ErrorIs(t, err, core.ErrUnsupported)
}

func TestSchemesSorted(t *testing.T) {
	list := Schemes()
	require.NotEmpty(t, list)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].Name, list[i].Name)
	}
}

func TestNullSinkCounts(t *testing.T) {
	s := NewNull()
	require.NoError(t, s.Open(context.Background(), "null://", 640, 480))
	assert.Equal(t, core.ConnConnected, s.ConnectionState())
	require.NoError(t, s.WriteVideo(core.Packet{}))
	require.NoError(t, s.WriteVideo(core.Packet{}))
	require.NoError(t, s.WriteAudio(core.Packet{}))

	v, a := s.Counts()
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, a)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.WriteVideo(core.Packet{}), core.ErrSinkClosed)
	assert.Equal(t, core.ConnClosed, s.ConnectionState())
}
