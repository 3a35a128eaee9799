package source

import (
	"context"
	"image"
	"log/slog"
	"sync"

	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/core"
	"github.com/babelcloud/gbox/packages/screencast/internal/util"
	"github.com/kbinani/screenshot"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// Screen captures one display and scales it to the session geometry.
type Screen struct {
	display int
	fps     int
	logger  *slog.Logger

	mu     sync.Mutex
	bounds image.Rectangle
	dst    *image.RGBA
	open   bool
}

// NewScreen captures display index at fps frames per second.
func NewScreen(display, fps int) *Screen {
	return &Screen{
		display: display,
		fps:     fps,
		logger:  util.GetLogger().With("component", "capture", "source", "screen"),
	}
}

// Open resolves the display and allocates the scaled frame.
func (s *Screen) Open(g core.Geometry) error {
	n := screenshot.NumActiveDisplays()
	if n == 0 {
		return errors.New("no active display")
	}
	if s.display < 0 || s.display >= n {
		return errors.Errorf("display %d out of range, %d active", s.display, n)
	}
	if s.fps <= 0 {
		return errors.Errorf("invalid frame rate %d", s.fps)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.bounds = screenshot.GetDisplayBounds(s.display)
	s.dst = image.NewRGBA(image.Rect(0, 0, g.Width, g.Height))
	s.open = true
	s.logger.Info("Screen capture opened",
		"display", s.display,
		"bounds", s.bounds.String(),
		"width", g.Width,
		"height", g.Height,
		"density", g.Density)
	return nil
}

// Bind starts periodic capture into surface.
func (s *Screen) Bind(ctx context.Context, surface core.Surface, clock core.Clock) (<-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil, errors.New("screen capture not open")
	}
	return pump(ctx, s.fps, s.grab, surface, clock, s.logger), nil
}

func (s *Screen) grab() (*image.RGBA, error) {
	s.mu.Lock()
	bounds, dst := s.bounds, s.dst
	s.mu.Unlock()
	if dst == nil {
		return nil, errors.New("screen capture closed")
	}

	img, err := screenshot.CaptureRect(bounds)
	if err != nil {
		return nil, err
	}
	if img.Bounds().Size() == dst.Bounds().Size() {
		return img, nil
	}
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst, nil
}

// Close releases the display handle.
func (s *Screen) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.open = false
	s.dst = nil
	s.logger.Info("Screen capture closed")
	return nil
}
