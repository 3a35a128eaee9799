package mpegts

import (
	"net"
	"net/url"

	"github.com/pkg/errors"
)

const (
	// udpPayload is seven TS packets, the customary datagram size.
	udpPayload = 7 * 188
	tcpChunk   = 32 * 1024
)

func parseEndpoint(endpoint string) (network, addr string, err error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", errors.Wrapf(err, "parse endpoint %q", endpoint)
	}
	if u.Scheme != "udp" && u.Scheme != "tcp" {
		return "", "", errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" || u.Port() == "" {
		return "", "", errors.Errorf("endpoint %q needs host and port", endpoint)
	}
	return u.Scheme, u.Host, nil
}

// packetWriter coalesces the muxer's 188-byte writes into chunks of at most
// max bytes. For UDP each chunk is one datagram.
type packetWriter struct {
	conn net.Conn
	max  int
	buf  []byte
}

func newPacketWriter(conn net.Conn, network string) *packetWriter {
	max := tcpChunk
	if network == "udp" {
		max = udpPayload
	}
	return &packetWriter{conn: conn, max: max, buf: make([]byte, 0, max)}
}

func (w *packetWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for len(w.buf) >= w.max {
		if _, err := w.conn.Write(w.buf[:w.max]); err != nil {
			w.buf = w.buf[:0]
			return 0, err
		}
		w.buf = append(w.buf[:0], w.buf[w.max:]...)
	}
	return len(p), nil
}

// Flush sends whatever is buffered.
func (w *packetWriter) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	_, err := w.conn.Write(w.buf)
	w.buf = w.buf[:0]
	return err
}
