package whip

import (
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

var h264Capability = webrtc.RTPCodecCapability{
	MimeType:    webrtc.MimeTypeH264,
	ClockRate:   90000,
	SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
}

// newAPI returns a pion API that only negotiates H.264.
func newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: h264Capability,
		PayloadType:        102,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, errors.Wrap(err, "register H.264")
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m)), nil
}

// newPublishingPeer creates a peer connection with one send-only video
// track.
func newPublishingPeer(api *webrtc.API, iceServers []string) (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create peer connection")
	}

	track, err := webrtc.NewTrackLocalStaticSample(h264Capability, "video", "screencast")
	if err != nil {
		_ = pc.Close()
		return nil, nil, errors.Wrap(err, "create video track")
	}
	if _, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	}); err != nil {
		_ = pc.Close()
		return nil, nil, errors.Wrap(err, "add video track")
	}
	return pc, track, nil
}
