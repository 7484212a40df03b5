package models

import (
	"context"
	"sort"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/pkg/types"
)

// PostProcess filters capability output before it reaches the loop.
type PostProcess struct {
	MinConfidence  float64 // detections below are dropped
	TopK           int     // classifications kept, 0 = all
	MinProbability float64 // classifications below are dropped
}

// DetectionFilter modifies a detection result.
type DetectionFilter func(types.DetectionResult) types.DetectionResult

// ClassificationFilter modifies a classification result.
type ClassificationFilter func(types.ClassificationResult) types.ClassificationResult

// NewScoreFilter drops detections below conf.
func NewScoreFilter(conf float64) DetectionFilter {
	return func(in types.DetectionResult) types.DetectionResult {
		out := make(types.DetectionResult, 0, len(in))
		for _, d := range in {
			if d.Confidence >= conf {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewTopK keeps the k most probable classifications at or above minProb, most probable first.
func NewTopK(k int, minProb float64) ClassificationFilter {
	return func(in types.ClassificationResult) types.ClassificationResult {
		out := make(types.ClassificationResult, 0, len(in))
		for _, c := range in {
			if c.Probability >= minProb {
				out = append(out, c)
			}
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].Probability > out[j].Probability })
		if k > 0 && len(out) > k {
			out = out[:k]
		}
		return out
	}
}

// WrapDetector applies the filters to every result of d.
func WrapDetector(d Detector, filters ...DetectionFilter) Detector {
	if len(filters) == 0 {
		return d
	}
	return DetectorFunc(func(ctx context.Context, frame *types.Frame) (types.DetectionResult, error) {
		res, err := d.Detect(ctx, frame)
		if err != nil {
			return nil, err
		}
		for _, f := range filters {
			res = f(res)
		}
		return res, nil
	})
}

// WrapClassifier applies the filters to every result of c.
func WrapClassifier(c Classifier, filters ...ClassificationFilter) Classifier {
	if len(filters) == 0 {
		return c
	}
	return ClassifierFunc(func(ctx context.Context, frame *types.Frame) (types.ClassificationResult, error) {
		res, err := c.Classify(ctx, frame)
		if err != nil {
			return nil, err
		}
		for _, f := range filters {
			res = f(res)
		}
		return res, nil
	})
}

func (p PostProcess) detector(d Detector) Detector {
	if p.MinConfidence <= 0 {
		return d
	}
	return WrapDetector(d, NewScoreFilter(p.MinConfidence))
}

func (p PostProcess) classifier(c Classifier) Classifier {
	if p.TopK <= 0 && p.MinProbability <= 0 {
		return c
	}
	return WrapClassifier(c, NewTopK(p.TopK, p.MinProbability))
}
