// Package whip publishes the video track to a WHIP (WebRTC-HTTP ingestion)
// endpoint.
package whip

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/core"
	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/transport/avc"
	"github.com/babelcloud/gbox/packages/screencast/internal/util"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pkg/errors"
)

const (
	signalTimeout = 10 * time.Second
	sdpMediaType  = "application/sdp"
)

// Sink publishes H.264 over WebRTC. AAC has no WebRTC mapping, so audio
// writes fail with core.ErrUnsupported.
type Sink struct {
	FPS        int
	ICEServers []string

	logger *slog.Logger
	client *http.Client
	state  atomic.Int32

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	track    *webrtc.TrackLocalStaticSample
	resource string
	sps, pps []byte
	lastMs   int64
	started  bool
	closed   bool
}

func New(fps int, iceServers []string) *Sink {
	s := &Sink{
		FPS:        fps,
		ICEServers: iceServers,
		logger:     util.GetLogger().With("component", "sink", "sink", "whip"),
		client:     &http.Client{Timeout: signalTimeout},
	}
	s.state.Store(int32(core.ConnIdle))
	return s
}

// whipURL maps whip+http(s)://... to the http(s) resource URL.
func whipURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", errors.Wrapf(err, "parse endpoint %q", endpoint)
	}
	scheme, ok := strings.CutPrefix(u.Scheme, "whip+")
	if !ok || (scheme != "http" && scheme != "https") {
		return "", errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Scheme = scheme
	return u.String(), nil
}

func (s *Sink) Open(ctx context.Context, endpoint string, width, height int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return core.ErrSinkClosed
	}
	if s.pc != nil {
		return nil
	}

	target, err := whipURL(endpoint)
	if err != nil {
		return err
	}

	s.setState(core.ConnConnecting)
	if err := s.publishLocked(ctx, target); err != nil {
		s.setState(core.ConnDisconnected)
		return err
	}
	s.logger.Info("WHIP session established", "url", target, "resource", s.resource, "width", width, "height", height)
	return nil
}

func (s *Sink) publishLocked(ctx context.Context, target string) error {
	api, err := newAPI()
	if err != nil {
		return err
	}
	pc, track, err := newPublishingPeer(api, s.ICEServers)
	if err != nil {
		return err
	}

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.logger.Debug("WebRTC connection state", "state", st.String())
		if s.ConnectionState() == core.ConnClosed {
			return
		}
		switch st {
		case webrtc.PeerConnectionStateConnected:
			s.setState(core.ConnConnected)
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
			s.setState(core.ConnDisconnected)
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return errors.Wrap(err, "create offer")
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return errors.Wrap(err, "set local description")
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		_ = pc.Close()
		return ctx.Err()
	}

	answer, resource, err := s.exchange(ctx, target, pc.LocalDescription().SDP)
	if err != nil {
		_ = pc.Close()
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		_ = pc.Close()
		return errors.Wrap(err, "set remote description")
	}

	s.pc, s.track, s.resource = pc, track, resource
	return nil
}

// exchange POSTs the offer and returns the answer and the session resource.
func (s *Sink) exchange(ctx context.Context, target, offer string) (answer, resource string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(offer))
	if err != nil {
		return "", "", errors.Wrap(err, "build WHIP request")
	}
	req.Header.Set("Content-Type", sdpMediaType)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", "", errors.Wrap(err, "WHIP offer")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", errors.Wrap(err, "read WHIP answer")
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", "", errors.Errorf("WHIP offer rejected: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	if loc := resp.Header.Get("Location"); loc != "" {
		base, _ := url.Parse(target)
		if ref, err := url.Parse(loc); err == nil {
			resource = base.ResolveReference(ref).String()
		}
	}
	return string(body), resource, nil
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
		return nil
	}
	if s.track == nil {
		return errors.New("whip: not connected")
	}

	data := pkt.Data
	if pkt.KeyFrame {
		nalus, err := avc.SplitAnnexB(pkt.Data)
		if err != nil {
			return err
		}
		data, err = h264.AnnexB(avc.PrependParameterSets(nalus, s.sps, s.pps)).Marshal()
		if err != nil {
			return errors.Wrap(err, "marshal keyframe")
		}
	}

	if err := s.track.WriteSample(media.Sample{Data: data, Duration: s.frameDuration(pkt.TimestampMillis)}); err != nil {
		return errors.Wrap(err, "write sample")
	}
	return nil
}

// frameDuration is the gap since the previous frame, or one frame interval
// for the first.
func (s *Sink) frameDuration(ms int64) time.Duration {
	d := time.Second / 30
	if s.FPS > 0 {
		d = time.Second / time.Duration(s.FPS)
	}
	if s.started && ms > s.lastMs {
		d = time.Duration(ms-s.lastMs) * time.Millisecond
	}
	s.lastMs = ms
	s.started = true
	return d
}

func (s *Sink) WriteAudio(core.Packet) error {
	return errors.Wrap(core.ErrUnsupported, "whip carries no AAC audio")
}

func (s *Sink) ConnectionState() core.ConnState {
	return core.ConnState(s.state.Load())
}

func (s *Sink) setState(st core.ConnState) {
	s.state.Store(int32(st))
}

// Close deletes the WHIP resource and closes the peer connection.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.setState(core.ConnClosed)
	pc, resource := s.pc, s.resource
	s.pc, s.track = nil, nil
	s.mu.Unlock()

	if resource != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, resource, http.NoBody)
		if err == nil {
			if resp, err := s.client.Do(req); err != nil {
				s.logger.Warn("WHIP resource delete failed", "error", err)
			} else {
				resp.Body.Close()
			}
		}
	}
	if pc == nil {
		return nil
	}
	return errors.Wrap(pc.Close(), "close peer connection")
}
