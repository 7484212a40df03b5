package overlay

import (
	"fmt"
	"image"
	"math"
	"sync"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/pkg/types"
)

const (
	strokeAlpha     = 0.8
	backgroundAlpha = 0.7
)

var labelFont *truetype.Font

func init() {
	var err error
	labelFont, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Options controls box and label geometry.
type Options struct {
	FontSize    float64
	LineWidth   float64
	LabelOffset float64 // distance of the label tag above the box top
	Padding     float64 // label background padding on each side
}

// DefaultOptions returns the stock overlay geometry.
func DefaultOptions() Options {
	return Options{
		FontSize:    14,
		LineWidth:   2,
		LabelOffset: 20,
		Padding:     4,
	}
}

// Renderer draws detection boxes onto a transparent surface.
type Renderer struct {
	opts Options
	face font.Face

	mu     sync.RWMutex
	latest *image.RGBA
}

// NewRenderer creates a renderer with the given options; zero fields fall back to defaults.
func NewRenderer(opts Options) *Renderer {
	d := DefaultOptions()
	if opts.FontSize <= 0 {
		opts.FontSize = d.FontSize
	}
	if opts.LineWidth <= 0 {
		opts.LineWidth = d.LineWidth
	}
	if opts.LabelOffset == 0 {
		opts.LabelOffset = d.LabelOffset
	}
	if opts.Padding <= 0 {
		opts.Padding = d.Padding
	}
	return &Renderer{
		opts: opts,
		face: truetype.NewFace(labelFont, &truetype.Options{Size: opts.FontSize}),
	}
}

// Hue maps a confidence in [0,1] onto 0-120 degrees (red to green).
func Hue(confidence float64) float64 {
	return confidence * 100 * 1.2
}

// Color returns the HSL(hue, 100%, 50%) colour for a confidence.
func Color(confidence float64) colorful.Color {
	return colorful.Hsl(Hue(confidence), 1, 0.5).Clamped()
}

// LabelText formats the tag text, e.g. "cat 92%".
func LabelText(d types.Detection) string {
	return fmt.Sprintf("%s %d%%", d.Label, int(math.Round(d.Confidence*100)))
}

// Render clears the surface and draws the given detections on a new
// width x height transparent image, which also becomes Latest.
func (r *Renderer) Render(width, height int, dets types.DetectionResult) *image.RGBA {
	if width <= 0 || height <= 0 {
		return nil
	}

	dc := gg.NewContext(width, height)
	dc.SetFontFace(r.face)

	for _, det := range dets {
		if det.Box == nil {
			continue
		}
		r.drawDetection(dc, det)
	}

	img, _ := dc.Image().(*image.RGBA)

	r.mu.Lock()
	r.latest = img
	r.mu.Unlock()

	return img
}

func (r *Renderer) drawDetection(dc *gg.Context, det types.Detection) {
	c := Color(det.Confidence)
	box := det.Box

	dc.SetRGBA(c.R, c.G, c.B, strokeAlpha)
	dc.SetLineWidth(r.opts.LineWidth)
	dc.DrawRectangle(float64(box.X), float64(box.Y), float64(box.Width), float64(box.Height))
	dc.Stroke()

	text := LabelText(det)
	tw, th := dc.MeasureString(text)
	pad := r.opts.Padding
	tagX := float64(box.X)
	tagY := float64(box.Y) - r.opts.LabelOffset

	dc.SetRGBA(c.R, c.G, c.B, backgroundAlpha)
	dc.DrawRectangle(tagX, tagY, tw+2*pad, th+2*pad)
	dc.Fill()

	dc.SetRGB(1, 1, 1)
	dc.DrawStringAnchored(text, tagX+pad, tagY+pad, 0, 1)
}

// Latest returns the most recently rendered surface, or nil.
// The returned image must not be modified.
func (r *Renderer) Latest() *image.RGBA {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}
