package aggregator

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/pkg/types"
)

// ClassHistogram counts the detections of one cycle by label.
func ClassHistogram(dets types.DetectionResult) map[string]int {
	h := make(map[string]int, len(dets))
	for _, d := range dets {
		h[d.Label]++
	}
	return h
}

// MeanConfidence is the mean detection confidence, 0 when there are none.
func MeanConfidence(dets types.DetectionResult) float64 {
	if len(dets) == 0 {
		return 0
	}
	data := make(stats.Float64Data, len(dets))
	for i, d := range dets {
		data[i] = d.Confidence
	}
	mean, err := stats.Mean(data)
	if err != nil || math.IsNaN(mean) {
		return 0
	}
	return mean
}

// ConfidenceBucket returns the 10-point bucket label for a confidence,
// e.g. 0.83 -> "80-90%". Out-of-range values are clamped so 1.0 lands
// in "90-100%".
func ConfidenceBucket(confidence float64) string {
	low := int(math.Floor(confidence*10)) * 10
	if low > 90 {
		low = 90
	}
	if low < 0 {
		low = 0
	}
	return fmt.Sprintf("%d-%d%%", low, low+10)
}

// ConfidenceHistogram buckets the detections of one cycle.
func ConfidenceHistogram(dets types.DetectionResult) map[string]int {
	h := make(map[string]int)
	for _, d := range dets {
		h[ConfidenceBucket(d.Confidence)]++
	}
	return h
}
