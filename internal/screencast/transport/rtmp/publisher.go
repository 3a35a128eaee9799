package rtmp

import (
	"crypto/tls"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/babelcloud/gbox/packages/screencast/internal/util"
	"github.com/pkg/errors"
	gortmp "github.com/yutopp/go-rtmp"
	"github.com/yutopp/go-rtmp/message"
)

const (
	defaultPort     = "1935"
	defaultTLSPort  = "443"
	publishChunk    = 4096
	flashVer        = "FMLE/3.0 (compatible; screencast)"
	dialTimeout     = 5 * time.Second
	audioChunkID    = 5
	videoChunkID    = 6
	publishLiveType = "live"
)

// target is a parsed publish URL: rtmp[s]://host[:port]/app/streamKey.
type target struct {
	scheme string
	addr   string
	app    string
	key    string
	tcURL  string
}

func parseTarget(endpoint string) (*target, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "parse endpoint %q", endpoint)
	}
	if u.Scheme != "rtmp" && u.Scheme != "rtmps" {
		return nil, errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, errors.Errorf("endpoint %q has no host", endpoint)
	}

	port := u.Port()
	if port == "" {
		port = defaultPort
		if u.Scheme == "rtmps" {
			port = defaultTLSPort
		}
	}

	path := strings.Trim(u.Path, "/")
	app, key, _ := strings.Cut(path, "/")
	if app == "" {
		return nil, errors.Errorf("endpoint %q has no application name", endpoint)
	}
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}

	return &target{
		scheme: u.Scheme,
		addr:   net.JoinHostPort(u.Hostname(), port),
		app:    app,
		key:    key,
		tcURL:  u.Scheme + "://" + u.Host + "/" + app,
	}, nil
}

// publisher is an established publishing stream.
type publisher interface {
	Write(chunkStreamID int, timestamp uint32, msg message.Message) error
	Close() error
}

type dialFunc func(t *target) (publisher, error)

// livePublisher owns the client connection and the publishing stream.
type livePublisher struct {
	client *gortmp.ClientConn
	stream *gortmp.Stream
}

func (p *livePublisher) Write(chunkStreamID int, timestamp uint32, msg message.Message) error {
	return p.stream.Write(chunkStreamID, timestamp, msg)
}

func (p *livePublisher) Close() error {
	return p.client.Close()
}

// dialPublisher performs the connect, createStream and publish handshake.
func dialPublisher(t *target) (publisher, error) {
	config := &gortmp.ConnConfig{
		Logger: util.NewLogrusLogger("rtmp"),
	}

	var (
		client *gortmp.ClientConn
		err    error
	)
	if t.scheme == "rtmps" {
		host, _, _ := net.SplitHostPort(t.addr)
		client, err = gortmp.TLSDial("tcp", t.addr, config, &tls.Config{ServerName: host})
	} else {
		client, err = gortmp.DialWithDialer(&net.Dialer{Timeout: dialTimeout}, "tcp", t.addr, config)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", t.addr)
	}

	if err := client.Connect(&message.NetConnectionConnect{
		Command: message.NetConnectionConnectCommand{
			App:      t.app,
			Type:     "nonprivate",
			FlashVer: flashVer,
			TCURL:    t.tcURL,
		},
	}); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "connect")
	}

	stream, err := client.CreateStream(&message.NetConnectionCreateStream{}, publishChunk)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "create stream")
	}

	if err := stream.Publish(&message.NetStreamPublish{
		PublishingName: t.key,
		PublishingType: publishLiveType,
	}); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "publish")
	}

	return &livePublisher{client: client, stream: stream}, nil
}
