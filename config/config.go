package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "SCREENCAST"

var (
	v       *viper.Viper
	readErr error
)

// Settings is the resolved configuration of one run.
type Settings struct {
	Endpoint string          `mapstructure:"endpoint"`
	Video    VideoSettings   `mapstructure:"video"`
	Audio    AudioSettings   `mapstructure:"audio"`
	Encoder  EncoderSettings `mapstructure:"encoder"`
	Stall    StallSettings   `mapstructure:"stall"`
	Sink     SinkSettings    `mapstructure:"sink"`
}

type VideoSettings struct {
	Source           string        `mapstructure:"source"`
	Display          int           `mapstructure:"display"`
	Width            int           `mapstructure:"width"`
	Height           int           `mapstructure:"height"`
	Density          int           `mapstructure:"density"`
	Codec            string        `mapstructure:"codec"`
	Bitrate          int           `mapstructure:"bitrate"`
	FPS              int           `mapstructure:"fps"`
	KeyFrameInterval time.Duration `mapstructure:"keyframe_interval"`
	PollTimeout      time.Duration `mapstructure:"poll_timeout"`
}

type AudioSettings struct {
	Enabled      bool          `mapstructure:"enabled"`
	Source       string        `mapstructure:"source"`
	ToneHz       float64       `mapstructure:"tone_hz"`
	Codec        string        `mapstructure:"codec"`
	SampleRate   int           `mapstructure:"sample_rate"`
	Channels     int           `mapstructure:"channels"`
	Bitrate      int           `mapstructure:"bitrate"`
	MaxInputSize int           `mapstructure:"max_input_size"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
}

type EncoderSettings struct {
	FFmpeg string `mapstructure:"ffmpeg"`
	Preset string `mapstructure:"preset"`
}

type StallSettings struct {
	WarnAfter time.Duration `mapstructure:"warn_after"`
}

type SinkSettings struct {
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
	ListenBuffer     int           `mapstructure:"listen_buffer"`
	ICEServers       []string      `mapstructure:"ice_servers"`
}

func init() {
	v = viper.New()
	setDefaults(v)

	// Environment variables: video.width -> SCREENCAST_VIDEO_WIDTH
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths := []string{
		".",
		filepath.Join(xdg.ConfigHome, "screencast"),
		"/etc/screencast",
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			readErr = errors.Wrap(err, "read config file")
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("endpoint", "")

	v.SetDefault("video.source", "screen")
	v.SetDefault("video.display", 0)
	v.SetDefault("video.width", 640)
	v.SetDefault("video.height", 480)
	v.SetDefault("video.density", 240)
	v.SetDefault("video.codec", "h264")
	v.SetDefault("video.bitrate", 512000)
	v.SetDefault("video.fps", 15)
	v.SetDefault("video.keyframe_interval", time.Second)
	v.SetDefault("video.poll_timeout", 10*time.Millisecond)

	v.SetDefault("audio.enabled", false)
	v.SetDefault("audio.source", "mic")
	v.SetDefault("audio.tone_hz", 440.0)
	v.SetDefault("audio.codec", "aac")
	v.SetDefault("audio.sample_rate", 44100)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.bitrate", 1024*16)
	v.SetDefault("audio.max_input_size", 8820)
	v.SetDefault("audio.poll_timeout", 10*time.Millisecond)

	v.SetDefault("encoder.ffmpeg", "ffmpeg")
	v.SetDefault("encoder.preset", "ultrafast")

	v.SetDefault("stall.warn_after", 5*time.Second)

	v.SetDefault("sink.reconnect_backoff", time.Second)
	v.SetDefault("sink.listen_buffer", 256)
	v.SetDefault("sink.ice_servers", []string{})
}

// BindFlags makes each flag override its config key. keys maps config key
// to flag name.
func BindFlags(flags *pflag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		flag := flags.Lookup(name)
		if flag == nil {
			return errors.Errorf("no flag %q for config key %q", name, key)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return errors.Wrapf(err, "bind flag %q", name)
		}
	}
	return nil
}

// Load resolves flags, environment, config file and defaults into Settings.
func Load() (*Settings, error) {
	if readErr != nil {
		return nil, readErr
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, errors.Wrap(err, "decode configuration")
	}
	return &s, nil
}

// ConfigFileUsed returns the config file that was read, if any.
func ConfigFileUsed() string {
	return v.ConfigFileUsed()
}
