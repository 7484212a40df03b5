package pipeline

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/aggregator"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/camera"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/models"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/overlay"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/pkg/types"
)

func catAndDog() types.DetectionResult {
	return types.DetectionResult{
		{Label: "cat", Confidence: 0.92, Box: &types.BoundingBox{X: 10, Y: 30, Width: 100, Height: 80}},
		{Label: "dog", Confidence: 0.75, Box: &types.BoundingBox{X: 150, Y: 60, Width: 120, Height: 100}},
	}
}

type harness struct {
	loop     *Loop
	agg      *aggregator.Aggregator
	renderer *overlay.Renderer
	metrics  *metrics.Metrics
	mock     *clock.Mock
	sched    *ManualScheduler
	cycles   chan aggregator.State
}

func newHarness(t *testing.T, det models.Detector, cls models.Classifier, timeout time.Duration) *harness {
	t.Helper()

	cam := camera.New(camera.NewTestPattern())
	require.NoError(t, cam.Open(context.Background(), camera.Constraints{Width: 320, Height: 240}))
	t.Cleanup(func() { _ = cam.Close() })

	h := &harness{
		agg:      aggregator.New(),
		renderer: overlay.NewRenderer(overlay.DefaultOptions()),
		metrics:  metrics.New(),
		mock:     clock.NewMock(),
		sched:    NewManualScheduler(),
		cycles:   make(chan aggregator.State, 16),
	}
	h.loop = New(Options{
		Detector:         det,
		Classifier:       cls,
		Frames:           cam,
		Sink:             h.agg,
		Overlay:          h.renderer,
		Scheduler:        h.sched,
		Metrics:          h.metrics,
		Clock:            h.mock,
		InferenceTimeout: timeout,
		Hooks: []CycleHook{func(_ *types.Frame, _ *image.RGBA, s aggregator.State) {
			h.cycles <- s
		}},
	})
	return h
}

func staticCapabilities(t *testing.T, dets types.DetectionResult) (models.Detector, models.Classifier) {
	t.Helper()
	b := models.NewStatic(dets, types.ClassificationResult{{Label: "tabby cat", Probability: 0.6}}, 0)
	det, err := b.Detector(context.Background())
	require.NoError(t, err)
	cls, err := b.Classifier(context.Background())
	require.NoError(t, err)
	return det, cls
}

func TestStepProducesOneUpdate(t *testing.T) {
	det, cls := staticCapabilities(t, catAndDog())
	h := newHarness(t, det, cls, time.Second)

	require.NoError(t, h.loop.Step(context.Background()))

	require.Len(t, h.cycles, 1)
	st := h.agg.Snapshot()
	require.Equal(t, uint64(1), st.Cycle)
	require.Equal(t, 320, st.FrameWidth)
	require.Len(t, st.Detections, 2)
	require.Len(t, st.Classifications, 1)
	require.Equal(t, uint64(1), h.loop.Status().Cycles)
	require.Equal(t, uint64(1), h.metrics.CyclesCompleted.Load())
	require.NotNil(t, h.renderer.Latest())
}

func TestTwoCyclesEndToEnd(t *testing.T) {
	det, cls := staticCapabilities(t, catAndDog())
	h := newHarness(t, det, cls, time.Second)

	require.NoError(t, h.loop.Step(context.Background()))
	h.mock.Add(100 * time.Millisecond)
	require.NoError(t, h.loop.Step(context.Background()))

	st := h.agg.Snapshot()
	require.Equal(t, uint64(4), st.Totals.TotalDetections)
	require.Equal(t, map[string]int{"cat": 1, "dog": 1}, st.ClassHistogram)
	require.Equal(t, map[string]int{"90-100%": 1, "70-80%": 1}, st.ConfidenceHistogram)
	require.Len(t, st.Window, 2)
	require.InDelta(t, 0.835, st.Window[1].AverageConfidence, 1e-9)
	require.True(t, st.Window[1].Timestamp.After(st.Window[0].Timestamp))

	// Box at x 10..110 on the overlay; its right edge is stroked.
	img := h.renderer.Latest()
	require.Equal(t, image.Pt(320, 240), img.Bounds().Size())
	require.NotZero(t, img.RGBAAt(110, 70).A)
}

func TestHungDetectorStalls(t *testing.T) {
	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })

	det := models.DetectorFunc(func(context.Context, *types.Frame) (types.DetectionResult, error) {
		<-hang
		return nil, nil
	})
	_, cls := staticCapabilities(t, nil)
	h := newHarness(t, det, cls, 20*time.Millisecond)

	err := h.loop.Step(context.Background())
	require.ErrorIs(t, err, ErrInferenceStall)
	require.Empty(t, h.cycles)

	st := h.loop.Status()
	require.Equal(t, uint64(1), st.Skipped)
	require.Equal(t, uint64(1), st.Stalls)
	require.Contains(t, st.LastError, "detector")
	require.Equal(t, uint64(1), h.metrics.InferenceStalls.Load())
	require.Equal(t, uint64(0), h.agg.Snapshot().Cycle)
}

func TestCapabilityErrorSkipsCycle(t *testing.T) {
	det, _ := staticCapabilities(t, catAndDog())
	cls := models.ClassifierFunc(func(context.Context, *types.Frame) (types.ClassificationResult, error) {
		return nil, errors.New("boom")
	})
	h := newHarness(t, det, cls, time.Second)

	err := h.loop.Step(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrInferenceStall)
	require.Equal(t, uint64(1), h.metrics.InferenceErrors.Load())
	require.Equal(t, uint64(0), h.agg.Snapshot().Cycle)

	// The loop keeps going after a failed cycle.
	h.loop.opts.Classifier = models.ClassifierFunc(func(context.Context, *types.Frame) (types.ClassificationResult, error) {
		return nil, nil
	})
	require.NoError(t, h.loop.Step(context.Background()))
	require.Equal(t, uint64(1), h.agg.Snapshot().Cycle)
}

func TestFrameErrorSkipsCycle(t *testing.T) {
	det, cls := staticCapabilities(t, nil)
	h := newHarness(t, det, cls, time.Second)
	h.loop.opts.Frames = camera.New(camera.NewTestPattern()) // never opened

	err := h.loop.Step(context.Background())
	require.ErrorIs(t, err, camera.ErrNotOpen)
	require.Equal(t, uint64(1), h.metrics.FrameErrors.Load())
}

func TestRunPauseResume(t *testing.T) {
	det, cls := staticCapabilities(t, catAndDog())
	h := newHarness(t, det, cls, time.Second)

	require.NoError(t, h.loop.Start(context.Background()))
	require.ErrorIs(t, h.loop.Start(context.Background()), ErrRunning)
	require.Equal(t, StateRunning, h.loop.Status().State)

	h.sched.Tick()
	select {
	case <-h.cycles:
	case <-time.After(2 * time.Second):
		t.Fatal("no cycle after tick")
	}

	h.loop.Pause()
	require.Equal(t, StatePaused, h.loop.Status().State)
	h.sched.Tick()
	select {
	case <-h.cycles:
		t.Fatal("cycle ran while paused")
	case <-time.After(50 * time.Millisecond):
	}

	h.loop.Resume()
	h.sched.Tick()
	select {
	case <-h.cycles:
	case <-time.After(2 * time.Second):
		t.Fatal("no cycle after resume")
	}

	h.loop.Stop()
	require.Equal(t, StateStopped, h.loop.Status().State)
}

func TestStopWaitsForInFlightCycle(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	det := models.DetectorFunc(func(context.Context, *types.Frame) (types.DetectionResult, error) {
		close(started)
		<-release
		return catAndDog(), nil
	})
	_, cls := staticCapabilities(t, nil)
	h := newHarness(t, det, cls, 5*time.Second)

	require.NoError(t, h.loop.Start(context.Background()))
	h.sched.Tick()
	<-started

	stopped := make(chan struct{})
	go func() {
		h.loop.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the cycle finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	require.Equal(t, uint64(1), h.agg.Snapshot().Cycle)
}

func TestStartRequiresScheduler(t *testing.T) {
	l := New(Options{})
	require.Error(t, l.Start(context.Background()))
}

func TestCapabilitiesRunConcurrently(t *testing.T) {
	detEntered := make(chan struct{})
	clsEntered := make(chan struct{})

	// Each capability returns only once the other one has been entered.
	det := models.DetectorFunc(func(ctx context.Context, _ *types.Frame) (types.DetectionResult, error) {
		close(detEntered)
		select {
		case <-clsEntered:
			return catAndDog(), nil
		case <-time.After(2 * time.Second):
			return nil, errors.New("classifier never started")
		}
	})
	cls := models.ClassifierFunc(func(ctx context.Context, _ *types.Frame) (types.ClassificationResult, error) {
		close(clsEntered)
		select {
		case <-detEntered:
			return types.ClassificationResult{{Label: "tabby cat", Probability: 0.6}}, nil
		case <-time.After(2 * time.Second):
			return nil, errors.New("detector never started")
		}
	})
	h := newHarness(t, det, cls, 5*time.Second)

	require.NoError(t, h.loop.Step(context.Background()))
	require.Equal(t, uint64(1), h.agg.Snapshot().Cycle)
}

func TestRestartWithTickerScheduler(t *testing.T) {
	det, cls := staticCapabilities(t, catAndDog())
	h := newHarness(t, det, cls, time.Second)
	h.loop = New(Options{
		Detector:   det,
		Classifier: cls,
		Frames:     h.loop.opts.Frames,
		Sink:       h.agg,
		Scheduler:  NewTickerScheduler(h.mock, 10),
		Metrics:    h.metrics,
		Clock:      h.mock,
		Hooks: []CycleHook{func(_ *types.Frame, _ *image.RGBA, s aggregator.State) {
			h.cycles <- s
		}},
	})
	t.Cleanup(h.loop.Stop)

	for round := 1; round <= 2; round++ {
		require.NoError(t, h.loop.Start(context.Background()))
		h.mock.Add(100 * time.Millisecond)
		select {
		case s := <-h.cycles:
			require.Equal(t, uint64(round), s.Cycle)
		case <-time.After(2 * time.Second):
			t.Fatalf("no cycle after start #%d", round)
		}
		h.loop.Stop()
		require.Equal(t, StateStopped, h.loop.Status().State)
	}
}

func TestFPSWindowStartsAtStart(t *testing.T) {
	det, cls := staticCapabilities(t, catAndDog())
	h := newHarness(t, det, cls, time.Second)
	t.Cleanup(h.loop.Stop)

	// Model loading and camera startup happen before Start.
	h.mock.Add(10 * time.Second)
	require.NoError(t, h.loop.Start(context.Background()))

	h.mock.Add(time.Second)
	h.sched.Tick()
	select {
	case s := <-h.cycles:
		require.InDelta(t, 1.0, s.Performance.FPS, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("no cycle after tick")
	}
}
