package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/babelcloud/gbox/packages/screencast/config"
	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/core"
	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/pipeline"
	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/transport"
	"github.com/babelcloud/gbox/packages/screencast/internal/util"
	"github.com/babelcloud/gbox/packages/screencast/internal/version"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type StreamOptions struct {
	StatusInterval time.Duration
	Quiet          bool
}

// streamFlagKeys maps config keys to the stream command's flags.
var streamFlagKeys = map[string]string{
	"video.source":            "video-source",
	"video.display":           "display",
	"video.width":             "width",
	"video.height":            "height",
	"video.density":           "density",
	"video.bitrate":           "bitrate",
	"video.fps":               "fps",
	"video.keyframe_interval": "keyframe-interval",
	"audio.enabled":           "audio",
	"audio.source":            "audio-source",
	"audio.sample_rate":       "sample-rate",
	"audio.channels":          "channels",
	"audio.bitrate":           "audio-bitrate",
	"encoder.ffmpeg":          "ffmpeg",
	"encoder.preset":          "preset",
	"stall.warn_after":        "stall-warn-after",
	"sink.reconnect_backoff":  "reconnect-backoff",
}

func NewStreamCommand() *cobra.Command {
	opts := &StreamOptions{}

	cmd := &cobra.Command{
		Use:   "stream [endpoint] [flags]",
		Short: "Capture and stream to an endpoint until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.BindFlags(cmd.Flags(), streamFlagKeys); err != nil {
				return err
			}
			settings, err := config.Load()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				settings.Endpoint = args[0]
			}
			return ExecuteStream(cmd, settings, opts)
		},
		Example: `  # Publish the primary display to an RTMP server:
  screencast stream rtmp://localhost/live/desk

  # Include microphone audio and serve fragmented MP4 to browsers:
  screencast stream fmp4://0.0.0.0:8080/live.mp4 --audio

  # Dry run with a test pattern and a tone:
  screencast stream null:// --video-source pattern --audio --audio-source tone`,
	}

	flags := cmd.Flags()
	flags.String("video-source", "screen", "Video source: screen or pattern")
	flags.Int("display", 0, "Display index to capture")
	flags.Int("width", pipeline.DefaultWidth, "Capture width in pixels")
	flags.Int("height", pipeline.DefaultHeight, "Capture height in pixels")
	flags.Int("density", pipeline.DefaultDensity, "Capture density in dpi")
	flags.Int("bitrate", pipeline.DefaultVideoBitrate, "Video bitrate in bits per second")
	flags.Int("fps", pipeline.DefaultFPS, "Video frame rate")
	flags.Duration("keyframe-interval", pipeline.DefaultKeyFrameInterval, "Interval between keyframes")
	flags.Bool("audio", false, "Capture and stream audio")
	flags.String("audio-source", "mic", "Audio source: mic or tone")
	flags.Int("sample-rate", pipeline.DefaultSampleRate, "Audio sample rate in Hz")
	flags.Int("channels", pipeline.DefaultChannels, "Audio channel count (1 or 2)")
	flags.Int("audio-bitrate", pipeline.DefaultAudioBitrate, "Audio bitrate in bits per second")
	flags.String("ffmpeg", "ffmpeg", "Path to the ffmpeg binary")
	flags.String("preset", "ultrafast", "x264 preset")
	flags.Duration("stall-warn-after", 5*time.Second, "Warn when a track produces nothing for this long")
	flags.Duration("reconnect-backoff", time.Second, "Minimum delay between sink reconnect attempts")
	flags.DurationVar(&opts.StatusInterval, "status-interval", 5*time.Second, "Interval between status lines")
	flags.BoolVarP(&opts.Quiet, "quiet", "q", false, "Do not print status lines")

	cmd.RegisterFlagCompletionFunc("video-source", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"screen", "pattern"}, cobra.ShellCompDirectiveNoFileComp
	})
	cmd.RegisterFlagCompletionFunc("audio-source", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"mic", "tone"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func ExecuteStream(cmd *cobra.Command, settings *config.Settings, opts *StreamOptions) error {
	logger := util.GetLogger()
	out := cmd.OutOrStdout()

	if settings.Endpoint == "" {
		return errors.New("no endpoint given; pass one as an argument or set SCREENCAST_ENDPOINT")
	}
	scheme, err := transport.Lookup(settings.Endpoint)
	if err != nil {
		return err
	}
	if settings.Audio.Enabled && !scheme.Audio {
		logger.Warn("Endpoint carries no audio, streaming video only", "scheme", scheme.Name)
		settings.Audio.Enabled = false
	}

	session := newSessionFromSettings(settings)
	logger.Debug("Starting session", "version", version.Info().Short(), "config_file", config.ConfigFileUsed())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl := pipeline.NewController(buildComponents(settings))
	if err := ctrl.Start(ctx, session); err != nil {
		return errors.Wrap(err, "failed to start")
	}

	fmt.Fprintf(out, "Streaming to %s\n", color.CyanString(settings.Endpoint))
	fmt.Fprintf(out, "(Running in foreground. Press %s to stop.)\n", color.New(color.FgYellow, color.Bold).Sprint("Ctrl+C"))

	var ticker <-chan time.Time
	if !opts.Quiet && opts.StatusInterval > 0 {
		t := time.NewTicker(opts.StatusInterval)
		defer t.Stop()
		ticker = t.C
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "\nStopping...")
			if err := ctrl.Stop(); err != nil {
				return err
			}
			printSummary(out, ctrl)
			return nil
		case <-ctrl.Done():
			err := ctrl.Wait()
			printSummary(out, ctrl)
			return err
		case <-ticker:
			if stats, ok := ctrl.Stats(); ok {
				fmt.Fprintln(out, statusLine(stats))
			}
		}
	}
}

func newSessionFromSettings(settings *config.Settings) *pipeline.Session {
	s := pipeline.NewSession(settings.Endpoint)
	s.Geometry = core.Geometry{
		Width:   settings.Video.Width,
		Height:  settings.Video.Height,
		Density: settings.Video.Density,
	}
	s.Video.Codec = settings.Video.Codec
	s.Video.Bitrate = settings.Video.Bitrate
	s.Video.FPS = settings.Video.FPS
	s.Video.KeyFrameInterval = settings.Video.KeyFrameInterval
	s.Video.PollTimeout = settings.Video.PollTimeout

	s.Audio.Enabled = settings.Audio.Enabled
	s.Audio.Codec = settings.Audio.Codec
	s.Audio.SampleRate = settings.Audio.SampleRate
	s.Audio.Channels = settings.Audio.Channels
	s.Audio.Bitrate = settings.Audio.Bitrate
	s.Audio.MaxInputSize = settings.Audio.MaxInputSize
	s.Audio.PollTimeout = settings.Audio.PollTimeout

	s.StallWarnAfter = settings.Stall.WarnAfter
	return s
}

func connColor(st core.ConnState) *color.Color {
	switch st {
	case core.ConnConnected:
		return color.New(color.FgGreen)
	case core.ConnConnecting, core.ConnIdle:
		return color.New(color.FgYellow)
	case core.ConnDisconnected:
		return color.New(color.FgRed)
	default:
		return color.New(color.Faint)
	}
}

func statusLine(stats pipeline.SessionStats) string {
	line := fmt.Sprintf("[%s] %s  video %d units @%dms",
		stats.Uptime.Truncate(time.Second),
		connColor(stats.Connection).Sprint(stats.Connection),
		stats.Video.Forwarded,
		stats.Video.LastTimestamp)
	if stats.Audio != nil {
		line += fmt.Sprintf("  audio %d units @%dms", stats.Audio.Forwarded, stats.Audio.LastTimestamp)
	}
	failures := stats.Video.WriteFailures
	if stats.Audio != nil {
		failures += stats.Audio.WriteFailures
	}
	if failures > 0 {
		line += color.RedString("  %d write failures", failures)
	}
	return line
}

func printSummary(out io.Writer, ctrl *pipeline.Controller) {
	stats, ok := ctrl.Stats()
	if !ok {
		return
	}
	fmt.Fprintf(out, "Session %s ran for %s: %d video units", stats.ID, stats.Uptime.Truncate(time.Millisecond), stats.Video.Forwarded)
	if stats.Audio != nil {
		fmt.Fprintf(out, ", %d audio units", stats.Audio.Forwarded)
	}
	fmt.Fprintf(out, ", longest video stall %s\n", stats.Video.LongestStall.Truncate(time.Millisecond))
}
