package cmd

import (
	"github.com/babelcloud/gbox/packages/screencast/config"
	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/core"
	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/encoder"
	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/pipeline"
	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/source"
	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/transport"
	"github.com/pkg/errors"
)

// buildComponents returns a BuildFunc that wires sources, encoders and the
// sink for a session according to settings. Nothing is acquired here.
func buildComponents(settings *config.Settings) pipeline.BuildFunc {
	return func(s *pipeline.Session) (pipeline.Components, error) {
		var c pipeline.Components

		capture, err := newCapture(settings.Video, s.Video.FPS)
		if err != nil {
			return c, err
		}
		c.Capture = capture
		c.VideoEncoder = encoder.NewVideo(encoder.VideoConfig{
			FFmpeg:           settings.Encoder.FFmpeg,
			Width:            s.Geometry.Width,
			Height:           s.Geometry.Height,
			FPS:              s.Video.FPS,
			Bitrate:          s.Video.Bitrate,
			KeyFrameInterval: s.Video.KeyFrameInterval,
			Preset:           settings.Encoder.Preset,
		})

		if s.Audio.Enabled {
			src, err := newAudioSource(settings.Audio)
			if err != nil {
				return c, err
			}
			c.AudioSource = src
			c.AudioEncoder = encoder.NewAudio(encoder.AudioConfig{
				FFmpeg:     settings.Encoder.FFmpeg,
				SampleRate: s.Audio.SampleRate,
				Channels:   s.Audio.Channels,
				Bitrate:    s.Audio.Bitrate,
			})
		}

		sink, err := transport.New(s.Endpoint, transport.Options{
			Audio:            s.Audio.Enabled,
			FPS:              s.Video.FPS,
			ReconnectBackoff: settings.Sink.ReconnectBackoff,
			ListenBuffer:     settings.Sink.ListenBuffer,
			ICEServers:       settings.Sink.ICEServers,
		})
		if err != nil {
			return c, err
		}
		c.Sink = sink
		return c, nil
	}
}

func newCapture(v config.VideoSettings, fps int) (core.CaptureSource, error) {
	switch v.Source {
	case "", "screen":
		return source.NewScreen(v.Display, fps), nil
	case "pattern":
		return source.NewPattern(fps), nil
	default:
		return nil, errors.Errorf("unknown video source %q (want screen or pattern)", v.Source)
	}
}

func newAudioSource(a config.AudioSettings) (core.AudioSource, error) {
	switch a.Source {
	case "", "mic":
		return source.NewMicrophone(), nil
	case "tone":
		return source.NewTone(a.ToneHz), nil
	default:
		return nil, errors.Errorf("unknown audio source %q (want mic or tone)", a.Source)
	}
}
