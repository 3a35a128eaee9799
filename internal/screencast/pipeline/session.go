package pipeline

import (
	"strings"
	"time"

	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/core"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Defaults for a session, matching the capture service this pipeline replaces.
const (
	DefaultWidth            = 640
	DefaultHeight           = 480
	DefaultDensity          = 240
	DefaultVideoCodec       = "h264"
	DefaultVideoBitrate     = 512_000
	DefaultFPS              = 15
	DefaultKeyFrameInterval = time.Second
	DefaultAudioCodec       = "aac"
	DefaultSampleRate       = 44100
	DefaultChannels         = 1
	DefaultAudioBitrate     = 1024 * 16
	DefaultMaxInputSize     = 8820
)

// VideoParams configures the mandatory video track.
type VideoParams struct {
	Codec            string
	Bitrate          int
	FPS              int
	KeyFrameInterval time.Duration
	PollTimeout      time.Duration
	RetryDelay       time.Duration
}

// AudioParams configures the optional audio track.
type AudioParams struct {
	Enabled      bool
	Codec        string
	SampleRate   int
	Channels     int
	Bitrate      int
	MaxInputSize int
	PollTimeout  time.Duration
	RetryDelay   time.Duration
}

// Session is one capture-to-stream run.
type Session struct {
	ID             string
	Endpoint       string
	Geometry       core.Geometry
	Video          VideoParams
	Audio          AudioParams
	StallWarnAfter time.Duration
}

// NewSession returns a session for endpoint with every default filled in.
func NewSession(endpoint string) *Session {
	return &Session{
		ID:       uuid.NewString(),
		Endpoint: endpoint,
		Geometry: core.Geometry{Width: DefaultWidth, Height: DefaultHeight, Density: DefaultDensity},
		Video: VideoParams{
			Codec:            DefaultVideoCodec,
			Bitrate:          DefaultVideoBitrate,
			FPS:              DefaultFPS,
			KeyFrameInterval: DefaultKeyFrameInterval,
		},
		Audio: AudioParams{
			Codec:        DefaultAudioCodec,
			SampleRate:   DefaultSampleRate,
			Channels:     DefaultChannels,
			Bitrate:      DefaultAudioBitrate,
			MaxInputSize: DefaultMaxInputSize,
		},
	}
}

// Validate reports configuration errors that must fail a start.
func (s *Session) Validate() error {
	if strings.TrimSpace(s.Endpoint) == "" {
		return errors.New("missing endpoint")
	}
	if s.Geometry.Width <= 0 || s.Geometry.Height <= 0 {
		return errors.Errorf("invalid geometry %dx%d", s.Geometry.Width, s.Geometry.Height)
	}
	if s.Geometry.Width%2 != 0 || s.Geometry.Height%2 != 0 {
		return errors.Errorf("geometry %dx%d must be even for 4:2:0 encoding", s.Geometry.Width, s.Geometry.Height)
	}
	if s.Video.Codec != "h264" {
		return errors.Errorf("unsupported video codec %q", s.Video.Codec)
	}
	if s.Video.Bitrate <= 0 || s.Video.FPS <= 0 {
		return errors.Errorf("invalid video bitrate %d or frame rate %d", s.Video.Bitrate, s.Video.FPS)
	}
	if s.Video.KeyFrameInterval < 0 {
		return errors.Errorf("invalid key frame interval %s", s.Video.KeyFrameInterval)
	}
	if !s.Audio.Enabled {
		return nil
	}
	if s.Audio.Codec != "aac" {
		return errors.Errorf("unsupported audio codec %q", s.Audio.Codec)
	}
	if s.Audio.SampleRate <= 0 || s.Audio.Bitrate <= 0 {
		return errors.Errorf("invalid audio sample rate %d or bitrate %d", s.Audio.SampleRate, s.Audio.Bitrate)
	}
	if s.Audio.Channels != 1 && s.Audio.Channels != 2 {
		return errors.Errorf("unsupported channel count %d", s.Audio.Channels)
	}
	return nil
}

// AudioSliceBytes is the PCM read size of the audio feed: a tenth of a second,
// capped by MaxInputSize.
func (a AudioParams) AudioSliceBytes() int {
	n := a.SampleRate / 10 * a.Channels * 2
	if a.MaxInputSize > 0 && n > a.MaxInputSize {
		n = a.MaxInputSize
	}
	// whole frames only
	frame := a.Channels * 2
	if frame > 0 {
		n -= n % frame
	}
	return n
}
