package types

import (
	"image"
	"time"
)

// Frame represents one decoded video frame with metadata
type Frame struct {
	Image     image.Image // Decoded pixels
	Timestamp time.Time   // Frame capture timestamp
	FrameNum  uint64      // Sequential frame number
	Width     int         // Frame width
	Height    int         // Frame height
}

// NewFrame wraps a decoded image, taking width and height from its bounds
func NewFrame(img image.Image, frameNum uint64, ts time.Time) *Frame {
	b := img.Bounds()
	return &Frame{
		Image:     img,
		Timestamp: ts,
		FrameNum:  frameNum,
		Width:     b.Dx(),
		Height:    b.Dy(),
	}
}

// BoundingBox is a region in pixel space of the source frame
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect returns the box as an image.Rectangle
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// Detection is one labeled region produced by a detector.
// Box is nil for results that carry no spatial placement.
type Detection struct {
	Label      string       `json:"label"`
	Confidence float64      `json:"confidence"`
	Box        *BoundingBox `json:"bbox,omitempty"`
}

// DetectionResult is the ordered output of one detector run
type DetectionResult []Detection

// Classification is one whole-frame label with its probability
type Classification struct {
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
}

// ClassificationResult is the ordered (usually top-K) output of one classifier run
type ClassificationResult []Classification

// Clone returns a copy that shares no memory with d
func (d DetectionResult) Clone() DetectionResult {
	if d == nil {
		return nil
	}
	out := make(DetectionResult, len(d))
	for i, det := range d {
		out[i] = det
		if det.Box != nil {
			box := *det.Box
			out[i].Box = &box
		}
	}
	return out
}

// Clone returns a copy of c
func (c ClassificationResult) Clone() ClassificationResult {
	if c == nil {
		return nil
	}
	out := make(ClassificationResult, len(c))
	copy(out, c)
	return out
}
