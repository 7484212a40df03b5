package aggregator

import (
	"maps"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/pkg/types"
)

// WindowEntry is one per-cycle summary in the rolling window.
type WindowEntry struct {
	Timestamp         time.Time `json:"timestamp"`
	DetectionCount    int       `json:"detection_count"`
	AverageConfidence float64   `json:"average_confidence"`
}

// RunningTotals pairs a cumulative detection count with the confidence
// mean of the most recent cycle only.
type RunningTotals struct {
	TotalDetections   uint64  `json:"total_detections"`
	AverageConfidence float64 `json:"average_confidence"`
}

// Performance is the latest loop measurement.
type Performance struct {
	FPS       float64 `json:"fps"`
	LatencyMs float64 `json:"latency_ms"`
}

// CycleResult is what the inference loop hands over after each cycle.
type CycleResult struct {
	FrameNum        uint64
	Timestamp       time.Time
	FrameWidth      int
	FrameHeight     int
	Detections      types.DetectionResult
	Classifications types.ClassificationResult
	Latency         time.Duration
	FPS             float64
}

// State is everything the dashboard renders.
type State struct {
	Cycle               uint64                     `json:"cycle"`
	FrameNum            uint64                     `json:"frame_num"`
	UpdatedAt           time.Time                  `json:"updated_at"`
	FrameWidth          int                        `json:"frame_width"`
	FrameHeight         int                        `json:"frame_height"`
	Detections          types.DetectionResult      `json:"detections"`
	Classifications     types.ClassificationResult `json:"classifications"`
	ClassHistogram      map[string]int             `json:"class_histogram"`
	ConfidenceHistogram map[string]int             `json:"confidence_histogram"`
	Window              []WindowEntry              `json:"window"`
	Totals              RunningTotals              `json:"totals"`
	Performance         Performance                `json:"performance"`
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := s
	out.Detections = s.Detections.Clone()
	out.Classifications = s.Classifications.Clone()
	out.ClassHistogram = maps.Clone(s.ClassHistogram)
	out.ConfidenceHistogram = maps.Clone(s.ConfidenceHistogram)
	if s.Window != nil {
		out.Window = make([]WindowEntry, len(s.Window))
		copy(out.Window, s.Window)
	}
	return out
}

func emptyState() State {
	return State{
		Detections:          types.DetectionResult{},
		Classifications:     types.ClassificationResult{},
		ClassHistogram:      map[string]int{},
		ConfidenceHistogram: map[string]int{},
		Window:              []WindowEntry{},
	}
}
