package source

import (
	"context"
	"image"
	"image/color"
	"log/slog"
	"sync"

	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/core"
	"github.com/babelcloud/gbox/packages/screencast/internal/util"
	"github.com/pkg/errors"
)

var barColors = []color.RGBA{
	{0xc0, 0xc0, 0xc0, 0xff},
	{0xc0, 0xc0, 0x00, 0xff},
	{0x00, 0xc0, 0xc0, 0xff},
	{0x00, 0xc0, 0x00, 0xff},
	{0xc0, 0x00, 0xc0, 0xff},
	{0xc0, 0x00, 0x00, 0xff},
	{0x00, 0x00, 0xc0, 0xff},
}

// Pattern produces scrolling colour bars. Useful without a display.
type Pattern struct {
	fps    int
	logger *slog.Logger

	mu    sync.Mutex
	frame *image.RGBA
	tick  int
}

// NewPattern produces fps frames per second.
func NewPattern(fps int) *Pattern {
	return &Pattern{
		fps:    fps,
		logger: util.GetLogger().With("component", "capture", "source", "pattern"),
	}
}

func (p *Pattern) Open(g core.Geometry) error {
	if p.fps <= 0 {
		return errors.Errorf("invalid frame rate %d", p.fps)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frame = image.NewRGBA(image.Rect(0, 0, g.Width, g.Height))
	return nil
}

func (p *Pattern) Bind(ctx context.Context, surface core.Surface, clock core.Clock) (<-chan error, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frame == nil {
		return nil, errors.New("pattern source not open")
	}
	return pump(ctx, p.fps, p.next, surface, clock, p.logger), nil
}

// next renders the following frame: bars shifted one step per frame.
func (p *Pattern) next() (*image.RGBA, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frame == nil {
		return nil, errors.New("pattern source closed")
	}

	b := p.frame.Bounds()
	barWidth := b.Dx() / len(barColors)
	if barWidth == 0 {
		barWidth = 1
	}
	shift := p.tick * 4
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := barColors[((x+shift)/barWidth)%len(barColors)]
			p.frame.SetRGBA(x, y, c)
		}
	}
	p.tick++
	return p.frame, nil
}

func (p *Pattern) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frame = nil
	return nil
}
