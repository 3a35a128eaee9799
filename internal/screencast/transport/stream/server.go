// Package stream serves the live session to HTTP viewers: fragmented MP4,
// WebM and a WebSocket elementary-stream feed.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/core"
	"github.com/pkg/errors"
)

const shutdownTimeout = 2 * time.Second

// viewerSeq numbers viewers for broadcaster subscription ids.
var viewerSeq atomic.Int64

func nextViewerID(kind string) string {
	return fmt.Sprintf("%s_%d", kind, viewerSeq.Add(1))
}

// server is the listening half shared by the HTTP sinks.
type server struct {
	scheme string
	logger *slog.Logger
	state  atomic.Int32

	mu     sync.Mutex
	srv    *http.Server
	ln     net.Listener
	done   chan struct{}
	closed bool
}

func newServer(scheme string, logger *slog.Logger) *server {
	s := &server{scheme: scheme, logger: logger}
	s.state.Store(int32(core.ConnIdle))
	return s
}

// parseListen splits scheme://host:port/path into a listen address and a
// mount path.
func parseListen(scheme, endpoint string) (addr, path string, err error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", errors.Wrapf(err, "parse endpoint %q", endpoint)
	}
	if u.Scheme != scheme {
		return "", "", errors.Errorf("expected %s:// endpoint, got %q", scheme, u.Scheme)
	}
	if u.Port() == "" {
		return "", "", errors.Errorf("endpoint %q needs a port", endpoint)
	}
	path = u.Path
	if path == "" {
		path = "/"
	}
	return u.Host, path, nil
}

// listen starts serving handler at endpoint. A second call is a no-op.
func (s *server) listen(ctx context.Context, endpoint string, handler http.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return core.ErrSinkClosed
	}
	if s.srv != nil {
		return nil
	}

	addr, path, err := parseListen(s.scheme, endpoint)
	if err != nil {
		return err
	}

	s.state.Store(int32(core.ConnConnecting))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		s.state.Store(int32(core.ConnDisconnected))
		return errors.Wrapf(err, "listen on %s", addr)
	}

	mux := http.NewServeMux()
	mux.Handle(path, handler)
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	s.ln = ln
	s.done = make(chan struct{})
	s.state.Store(int32(core.ConnConnected))

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Viewer server stopped", "error", err)
			s.state.Store(int32(core.ConnDisconnected))
		}
	}(s.srv, s.done)

	s.logger.Info("Serving viewers", "url", fmt.Sprintf("http://%s%s", ln.Addr(), path))
	return nil
}

// Addr returns the bound listen address, nil before listen.
func (s *server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *server) connectionState() core.ConnState {
	return core.ConnState(s.state.Load())
}

func (s *server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// shutdown stops accepting viewers. Live responses are ended by the caller
// closing its broadcaster first.
func (s *server) shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state.Store(int32(core.ConnClosed))
	srv, done := s.srv, s.done
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	<-done
	return errors.Wrap(err, "shutdown viewer server")
}
