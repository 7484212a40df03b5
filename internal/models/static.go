package models

import (
	"context"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/pkg/types"
)

func init() {
	Register("static", func(cfg config.ModelsConfig) (Backend, error) {
		return NewStatic(staticDetections(cfg.Static), staticClassifications(cfg.Static), cfg.Static.Delay), nil
	})
}

// StaticBackend returns the same canned results for every frame.
// The error fields make a load step fail; they exist for tests and demos.
type StaticBackend struct {
	Detections      types.DetectionResult
	Classifications types.ClassificationResult
	Delay           time.Duration

	InitErr       error
	DetectorErr   error
	ClassifierErr error
}

// NewStatic creates a static backend.
func NewStatic(dets types.DetectionResult, cls types.ClassificationResult, delay time.Duration) *StaticBackend {
	return &StaticBackend{Detections: dets, Classifications: cls, Delay: delay}
}

func (b *StaticBackend) Init(ctx context.Context) error {
	return b.InitErr
}

func (b *StaticBackend) Detector(ctx context.Context) (Detector, error) {
	if b.DetectorErr != nil {
		return nil, b.DetectorErr
	}
	return DetectorFunc(func(ctx context.Context, _ *types.Frame) (types.DetectionResult, error) {
		if err := sleepCtx(ctx, b.Delay); err != nil {
			return nil, err
		}
		return b.Detections.Clone(), nil
	}), nil
}

func (b *StaticBackend) Classifier(ctx context.Context) (Classifier, error) {
	if b.ClassifierErr != nil {
		return nil, b.ClassifierErr
	}
	return ClassifierFunc(func(ctx context.Context, _ *types.Frame) (types.ClassificationResult, error) {
		if err := sleepCtx(ctx, b.Delay); err != nil {
			return nil, err
		}
		return b.Classifications.Clone(), nil
	}), nil
}

func (b *StaticBackend) Close() error { return nil }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func staticDetections(cfg config.StaticConfig) types.DetectionResult {
	out := make(types.DetectionResult, 0, len(cfg.Detections))
	for _, d := range cfg.Detections {
		det := types.Detection{Label: d.Label, Confidence: d.Confidence}
		if d.Width > 0 && d.Height > 0 {
			det.Box = &types.BoundingBox{X: d.X, Y: d.Y, Width: d.Width, Height: d.Height}
		}
		out = append(out, det)
	}
	return out
}

func staticClassifications(cfg config.StaticConfig) types.ClassificationResult {
	out := make(types.ClassificationResult, 0, len(cfg.Classifications))
	for _, c := range cfg.Classifications {
		out = append(out, types.Classification{Label: c.Label, Probability: c.Probability})
	}
	return out
}
