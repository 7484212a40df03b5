package camera

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"sync"
)

// Color bars: White, Yellow, Cyan, Green, Magenta, Red, Blue, Black
var barColors = []color.RGBA{
	{R: 255, G: 255, B: 255, A: 255},
	{R: 255, G: 255, B: 0, A: 255},
	{R: 0, G: 255, B: 255, A: 255},
	{R: 0, G: 255, B: 0, A: 255},
	{R: 255, G: 0, B: 255, A: 255},
	{R: 255, G: 0, B: 0, A: 255},
	{R: 0, G: 0, B: 255, A: 255},
	{R: 0, G: 0, B: 0, A: 255},
}

const markerSize = 32

// TestPattern produces synthetic colour-bar frames with a moving marker.
type TestPattern struct {
	mu     sync.Mutex
	bars   *image.RGBA
	tick   int
	opened bool
}

// NewTestPattern creates a closed test pattern source.
func NewTestPattern() *TestPattern {
	return &TestPattern{}
}

func (p *TestPattern) Name() string { return "testpattern" }

// Open renders the bars at the preferred size (640x480 if unset).
func (p *TestPattern) Open(ctx context.Context, c Constraints) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w, h := c.Width, c.Height
	if w <= 0 {
		w = 640
	}
	if h <= 0 {
		h = 480
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.bars = ColorBars(w, h)
	p.tick = 0
	p.opened = true
	return nil
}

// Read returns a new frame; the marker advances on every call.
func (p *TestPattern) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.opened {
		return nil, ErrNotOpen
	}

	b := p.bars.Bounds()
	frame := image.NewRGBA(b)
	copy(frame.Pix, p.bars.Pix)

	span := max(1, b.Dx()-markerSize)
	x := (p.tick * 4) % span
	y := (b.Dy() - markerSize) / 2
	marker := image.Rect(x, y, x+markerSize, y+markerSize)
	draw.Draw(frame, marker, image.NewUniform(color.RGBA{R: 128, G: 128, B: 128, A: 255}), image.Point{}, draw.Src)
	p.tick++

	return frame, nil
}

func (p *TestPattern) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened = false
	return nil
}

// ColorBars renders the eight SMPTE-style vertical bars.
func ColorBars(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	barWidth := max(1, width/len(barColors))
	for x := 0; x < width; x++ {
		barIndex := x / barWidth
		if barIndex >= len(barColors) {
			barIndex = len(barColors) - 1
		}
		draw.Draw(img, image.Rect(x, 0, x+1, height), image.NewUniform(barColors[barIndex]), image.Point{}, draw.Src)
	}
	return img
}
