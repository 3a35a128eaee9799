package whip

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/core"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ingest is a minimal WHIP server answering with a receive-only pion peer.
type ingest struct {
	t       *testing.T
	mu      sync.Mutex
	peers   []*webrtc.PeerConnection
	deleted bool
	reject  bool
}

func (in *ingest) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodDelete:
		in.mu.Lock()
		in.deleted = true
		in.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodPost:
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if in.reject {
		http.Error(w, "stream key invalid", http.StatusUnauthorized)
		return
	}
	assert.Equal(in.t, sdpMediaType, r.Header.Get("Content-Type"))
	offer, _ := io.ReadAll(r.Body)

	api, err := newAPI()
	require.NoError(in.t, err)
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	require.NoError(in.t, err)
	in.mu.Lock()
	in.peers = append(in.peers, pc)
	in.mu.Unlock()

	require.NoError(in.t, pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: string(offer)}))
	answer, err := pc.CreateAnswer(nil)
	require.NoError(in.t, err)
	gathered := webrtc.GatheringCompletePromise(pc)
	require.NoError(in.t, pc.SetLocalDescription(answer))
	<-gathered

	w.Header().Set("Content-Type", sdpMediaType)
	w.Header().Set("Location", "/whip/session/1")
	w.WriteHeader(http.StatusCreated)
	_, _ = io.WriteString(w, pc.LocalDescription().SDP)
}

func (in *ingest) close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, pc := range in.peers {
		_ = pc.Close()
	}
}

func TestWhipURL(t *testing.T) {
	got, err := whipURL("whip+https://ingest.example.com/whip/live?key=1")
	require.NoError(t, err)
	assert.Equal(t, "https://ingest.example.com/whip/live?key=1", got)

	_, err = whipURL("https://ingest.example.com/whip")
	assert.Error(t, err)
	_, err = whipURL("whip+ftp://x/y")
	assert.Error(t, err)
}

func TestPublishAndClose(t *testing.T) {
	in := &ingest{t: t}
	srv := httptest.NewServer(in)
	defer srv.Close()
	defer in.close()

	s := New(15, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	endpoint := "whip+" + srv.URL + "/whip/live"
	require.NoError(t, s.Open(ctx, endpoint, 640, 480))
	assert.Equal(t, srv.URL+"/whip/session/1", s.resource)
	assert.NotEqual(t, core.ConnIdle, s.ConnectionState())

	// Opening again for the same session is a no-op.
	require.NoError(t, s.Open(ctx, endpoint, 640, 480))
	assert.Len(t, in.peers, 1)

	assert.ErrorIs(t, s.WriteAudio(core.Packet{Data: []byte{0x21}}), core.ErrUnsupported)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, core.ConnClosed, s.ConnectionState())
	in.mu.Lock()
	assert.True(t, in.deleted)
	in.mu.Unlock()
}

func TestRejectedOffer(t *testing.T) {
	in := &ingest{t: t, reject: true}
	srv := httptest.NewServer(in)
	defer srv.Close()

	s := New(15, nil)
	err := s.Open(context.Background(), "whip+"+srv.URL+"/whip/live", 640, 480)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "stream key invalid"))
	assert.Equal(t, core.ConnDisconnected, s.ConnectionState())
}

func TestFrameDuration(t *testing.T) {
	s := New(10, nil)
	assert.Equal(t, 100*time.Millisecond, s.frameDuration(0))
	assert.Equal(t, 66*time.Millisecond, s.frameDuration(66))
	assert.Equal(t, 100*time.Millisecond, s.frameDuration(66), "no gap falls back to the frame interval")
}
