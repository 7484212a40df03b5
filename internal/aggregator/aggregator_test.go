package aggregator

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/pkg/types"
)

func catAndDog() types.DetectionResult {
	return types.DetectionResult{
		{Label: "cat", Confidence: 0.92, Box: &types.BoundingBox{X: 10, Y: 40, Width: 100, Height: 80}},
		{Label: "dog", Confidence: 0.75, Box: &types.BoundingBox{X: 200, Y: 60, Width: 120, Height: 90}},
	}
}

func TestConfidenceBucket(t *testing.T) {
	cases := map[float64]string{
		0.0:   "0-10%",
		0.05:  "0-10%",
		0.83:  "80-90%",
		0.9:   "90-100%",
		0.999: "90-100%",
		1.0:   "90-100%",
		1.2:   "90-100%",
		-0.1:  "0-10%",
	}
	for conf, want := range cases {
		require.Equal(t, want, ConfidenceBucket(conf), "confidence %v", conf)
	}
}

func TestMeanConfidenceEmpty(t *testing.T) {
	mean := MeanConfidence(nil)
	require.Equal(t, 0.0, mean)
	require.False(t, math.IsNaN(mean))
}

func TestClassHistogramSumsToCount(t *testing.T) {
	dets := types.DetectionResult{
		{Label: "person", Confidence: 0.6},
		{Label: "person", Confidence: 0.7},
		{Label: "car", Confidence: 0.5},
		{Label: "bicycle", Confidence: 0.55},
	}
	h := ClassHistogram(dets)
	sum := 0
	for _, n := range h {
		sum += n
	}
	require.Equal(t, len(dets), sum)
	require.Equal(t, 2, h["person"])
}

func TestZeroDetectionCycle(t *testing.T) {
	a := New()
	s := a.Update(CycleResult{Timestamp: time.Now()})

	require.Equal(t, 0.0, s.Totals.AverageConfidence)
	require.Empty(t, s.ClassHistogram)
	require.Empty(t, s.ConfidenceHistogram)
	require.Len(t, s.Window, 1)
	require.Equal(t, 0, s.Window[0].DetectionCount)
	require.Equal(t, 0.0, s.Window[0].AverageConfidence)
}

func TestTwoCycleScenario(t *testing.T) {
	a := New()
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		a.Update(CycleResult{
			FrameNum:   uint64(i + 1),
			Timestamp:  start.Add(time.Duration(i) * 16 * time.Millisecond),
			Detections: catAndDog(),
		})
	}

	s := a.Snapshot()
	require.Equal(t, uint64(4), s.Totals.TotalDetections)
	require.Equal(t, map[string]int{"cat": 1, "dog": 1}, s.ClassHistogram)
	require.Equal(t, map[string]int{"90-100%": 1, "70-80%": 1}, s.ConfidenceHistogram)
	require.Len(t, s.Window, 2)
	for _, e := range s.Window {
		require.Equal(t, 2, e.DetectionCount)
		require.InDelta(t, 0.835, e.AverageConfidence, 1e-9)
	}
	require.InDelta(t, 0.835, s.Totals.AverageConfidence, 1e-9)
	require.Equal(t, uint64(2), s.Cycle)
}

func TestTotalsCumulativeAverageInstantaneous(t *testing.T) {
	a := New()
	now := time.Now()

	counts := []int{3, 0, 5, 1}
	var want uint64
	var prev uint64
	for i, n := range counts {
		dets := make(types.DetectionResult, n)
		for j := range dets {
			dets[j] = types.Detection{Label: "x", Confidence: 0.5}
		}
		s := a.Update(CycleResult{Timestamp: now.Add(time.Duration(i) * time.Second), Detections: dets})
		want += uint64(n)
		require.Equal(t, want, s.Totals.TotalDetections)
		require.GreaterOrEqual(t, s.Totals.TotalDetections, prev)
		prev = s.Totals.TotalDetections

		if n == 0 {
			require.Equal(t, 0.0, s.Totals.AverageConfidence)
		} else {
			require.InDelta(t, 0.5, s.Totals.AverageConfidence, 1e-9)
		}
	}
}

func TestWindowCapacityAndOrder(t *testing.T) {
	a := New()
	start := time.Now()

	for i := 0; i < 150; i++ {
		dets := make(types.DetectionResult, i%4)
		s := a.Update(CycleResult{Timestamp: start.Add(time.Duration(i) * time.Millisecond), Detections: dets})
		require.LessOrEqual(t, len(s.Window), WindowCapacity)
	}

	s := a.Snapshot()
	require.Len(t, s.Window, WindowCapacity)
	// Oldest retained entry is cycle 90.
	require.Equal(t, start.Add(90*time.Millisecond), s.Window[0].Timestamp)
	require.Equal(t, start.Add(149*time.Millisecond), s.Window[WindowCapacity-1].Timestamp)
	for i := 1; i < len(s.Window); i++ {
		require.False(t, s.Window[i].Timestamp.Before(s.Window[i-1].Timestamp))
	}
}

func TestWindowClampsBackwardsTimestamps(t *testing.T) {
	a := New()
	now := time.Now()
	a.Update(CycleResult{Timestamp: now})
	s := a.Update(CycleResult{Timestamp: now.Add(-time.Second)})

	require.Equal(t, now, s.Window[1].Timestamp)
}

func TestSnapshotIsIsolated(t *testing.T) {
	a := New()
	a.Update(CycleResult{Timestamp: time.Now(), Detections: catAndDog()})

	s := a.Snapshot()
	s.ClassHistogram["cat"] = 99
	s.Detections[0].Box.X = -1
	s.Window[0].DetectionCount = 42

	fresh := a.Snapshot()
	require.Equal(t, 1, fresh.ClassHistogram["cat"])
	require.Equal(t, 10, fresh.Detections[0].Box.X)
	require.Equal(t, 2, fresh.Window[0].DetectionCount)
}

func TestSubscribersReceiveUpdates(t *testing.T) {
	a := New()
	id, ch := a.Subscribe()

	a.Update(CycleResult{Timestamp: time.Now(), Detections: catAndDog()})

	select {
	case s := <-ch:
		require.Equal(t, uint64(1), s.Cycle)
		require.Equal(t, uint64(2), s.Totals.TotalDetections)
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
	}

	a.Unsubscribe(id)
	_, ok := <-ch
	require.False(t, ok)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	a := New()
	_, ch := a.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			a.Update(CycleResult{Timestamp: time.Now()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Update blocked on a slow subscriber")
	}
	require.Len(t, ch, cap(ch))

	a.Close()
	_, closed := a.Subscribe()
	_, ok := <-closed
	require.False(t, ok)
}

func TestWindowEvictsAtCapacityBoundary(t *testing.T) {
	a := New()
	start := time.Now()

	var s State
	for i := 0; i < WindowCapacity; i++ {
		s = a.Update(CycleResult{Timestamp: start.Add(time.Duration(i) * time.Second)})
	}
	require.Len(t, s.Window, WindowCapacity)
	require.Equal(t, start, s.Window[0].Timestamp)

	s = a.Update(CycleResult{Timestamp: start.Add(WindowCapacity * time.Second)})
	require.Len(t, s.Window, WindowCapacity)
	require.Equal(t, start.Add(time.Second), s.Window[0].Timestamp)
	require.Equal(t, start.Add(WindowCapacity*time.Second), s.Window[WindowCapacity-1].Timestamp)
}
