// Package transport selects a sink implementation from an endpoint URL.
package transport

import (
	"net/url"
	"sort"
	"time"

	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/core"
	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/transport/mpegts"
	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/transport/rtmp"
	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/transport/stream"
	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/transport/whip"
	"github.com/pkg/errors"
)

// Options carries the session facts a sink needs at construction.
type Options struct {
	Audio            bool
	FPS              int
	ReconnectBackoff time.Duration
	ListenBuffer     int
	ICEServers       []string
}

// Scheme describes one supported endpoint scheme.
type Scheme struct {
	Name        string
	Example     string
	Audio       bool
	Description string
	build       func(Options) core.Sink
}

var schemes = []Scheme{
	{
		Name: "rtmp", Example: "rtmp://host/app/key", Audio: true,
		Description: "publish FLV over RTMP",
		build:       func(o Options) core.Sink { return rtmp.New(o.ReconnectBackoff) },
	},
	{
		Name: "rtmps", Example: "rtmps://host/app/key", Audio: true,
		Description: "publish FLV over RTMP with TLS",
		build:       func(o Options) core.Sink { return rtmp.New(o.ReconnectBackoff) },
	},
	{
		Name: "udp", Example: "udp://239.0.0.1:1234", Audio: true,
		Description: "send MPEG-TS datagrams",
		build:       func(o Options) core.Sink { return mpegts.New(o.Audio, o.ReconnectBackoff) },
	},
	{
		Name: "tcp", Example: "tcp://host:9000", Audio: true,
		Description: "send MPEG-TS over a TCP connection",
		build:       func(o Options) core.Sink { return mpegts.New(o.Audio, o.ReconnectBackoff) },
	},
	{
		Name: "fmp4", Example: "fmp4://0.0.0.0:8080/live.mp4", Audio: true,
		Description: "serve fragmented MP4 over HTTP",
		build:       func(o Options) core.Sink { return stream.NewFMP4(o.Audio, o.ListenBuffer) },
	},
	{
		Name: "webm", Example: "webm://0.0.0.0:8080/live.webm", Audio: true,
		Description: "serve WebM over HTTP",
		build:       func(o Options) core.Sink { return stream.NewWebM(o.Audio, o.FPS, o.ListenBuffer) },
	},
	{
		Name: "ws", Example: "ws://0.0.0.0:8080/live", Audio: true,
		Description: "serve raw frames over WebSocket",
		build:       func(o Options) core.Sink { return stream.NewWS(o.ListenBuffer) },
	},
	{
		Name: "whip+http", Example: "whip+http://host/whip/live", Audio: false,
		Description: "publish video over WebRTC (WHIP)",
		build:       func(o Options) core.Sink { return whip.New(o.FPS, o.ICEServers) },
	},
	{
		Name: "whip+https", Example: "whip+https://host/whip/live", Audio: false,
		Description: "publish video over WebRTC (WHIP) with TLS",
		build:       func(o Options) core.Sink { return whip.New(o.FPS, o.ICEServers) },
	},
	{
		Name: "null", Example: "null://", Audio: true,
		Description: "discard everything",
		build:       func(Options) core.Sink { return NewNull() },
	},
}

// Schemes lists the supported endpoint schemes sorted by name.
func Schemes() []Scheme {
	out := append([]Scheme(nil), schemes...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the scheme of endpoint.
func Lookup(endpoint string) (Scheme, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return Scheme{}, errors.Wrapf(err, "parse endpoint %q", endpoint)
	}
	for _, s := range schemes {
		if s.Name == u.Scheme {
			return s, nil
		}
	}
	if u.Scheme == "" {
		return Scheme{}, errors.Errorf("endpoint %q has no scheme", endpoint)
	}
	return Scheme{}, errors.Errorf("unsupported endpoint scheme %q", u.Scheme)
}

// New builds the sink for endpoint. The sink is not opened.
func New(endpoint string, opts Options) (core.Sink, error) {
	s, err := Lookup(endpoint)
	if err != nil {
		return nil, err
	}
	if opts.Audio && !s.Audio {
		return nil, errors.Wrapf(core.ErrUnsupported, "%s sinks carry no audio", s.Name)
	}
	return s.build(opts), nil
}
