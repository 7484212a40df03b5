package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/aggregator"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/models"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/pkg/types"
)

// ErrInferenceStall is returned when a capability call exceeds the inference timeout.
var ErrInferenceStall = errors.New("inference stalled")

// ErrRunning is returned by Start on a loop that is already running.
var ErrRunning = errors.New("loop already running")

// FrameReader supplies the current frame.
type FrameReader interface {
	Read(ctx context.Context) (*types.Frame, error)
}

// ResultSink receives every completed cycle.
type ResultSink interface {
	Update(res aggregator.CycleResult) aggregator.State
}

// OverlaySink draws the detections of every completed cycle.
type OverlaySink interface {
	Render(width, height int, dets types.DetectionResult) *image.RGBA
}

// CycleHook observes a completed cycle after the sinks ran.
type CycleHook func(frame *types.Frame, overlay *image.RGBA, state aggregator.State)

// State is the loop lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
)

// Status is a copy of the loop counters.
type Status struct {
	State       State     `json:"state"`
	Cycles      uint64    `json:"cycles"`
	Skipped     uint64    `json:"skipped"`
	Stalls      uint64    `json:"stalls"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
}

// Options configures a Loop.
type Options struct {
	Detector         models.Detector
	Classifier       models.Classifier
	Frames           FrameReader
	Sink             ResultSink
	Overlay          OverlaySink
	Scheduler        Scheduler
	Metrics          *metrics.Metrics
	Clock            clock.Clock
	InferenceTimeout time.Duration
	ErrorLogInterval time.Duration
	Hooks            []CycleHook
}

// Loop runs inference cycles: read a frame, call both capabilities
// concurrently, join, and forward the results.
type Loop struct {
	opts Options
	clk  clock.Clock
	fps  *FPSMeter

	// one cycle at a time, whether from the run goroutine or Step
	cycleMu sync.Mutex

	paused atomic.Bool

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
	status  Status

	lastErrLog time.Time
}

// New creates an idle loop.
func New(opts Options) *Loop {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.InferenceTimeout <= 0 {
		opts.InferenceTimeout = 2 * time.Second
	}
	if opts.ErrorLogInterval <= 0 {
		opts.ErrorLogInterval = 15 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Loop{
		opts:   opts,
		clk:    opts.Clock,
		fps:    NewFPSMeter(opts.Clock),
		status: Status{State: StateIdle},
	}
}

// Start runs the loop in a goroutine until Stop or ctx is done.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return ErrRunning
	}
	if l.opts.Scheduler == nil {
		return errors.New("loop has no scheduler")
	}
	l.running = true
	l.stop = make(chan struct{})
	// Time spent idle before Start is not part of the first FPS window.
	l.fps.Reset()
	l.status.State = StateRunning
	if l.paused.Load() {
		l.status.State = StatePaused
	}

	l.wg.Add(1)
	go l.run(ctx, l.stop, l.opts.Scheduler.Ticks())

	logger.Info("Loop", "Inference loop started (timeout %v)", l.opts.InferenceTimeout)
	return nil
}

// Stop ends the loop and waits for the in-flight cycle to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	close(l.stop)
	l.running = false
	l.mu.Unlock()

	l.wg.Wait()
	l.opts.Scheduler.Stop()

	l.mu.Lock()
	l.status.State = StateStopped
	l.mu.Unlock()
	logger.Info("Loop", "Inference loop stopped")
}

// Pause makes the loop ignore ticks until Resume.
func (l *Loop) Pause() {
	l.paused.Store(true)
	l.mu.Lock()
	if l.running {
		l.status.State = StatePaused
	}
	l.mu.Unlock()
	logger.Info("Loop", "Paused")
}

// Resume undoes Pause.
func (l *Loop) Resume() {
	l.paused.Store(false)
	l.mu.Lock()
	if l.running {
		l.status.State = StateRunning
	}
	l.mu.Unlock()
	logger.Info("Loop", "Resumed")
}

// Step runs exactly one cycle synchronously, even while paused.
func (l *Loop) Step(ctx context.Context) error {
	return l.cycle(ctx)
}

// Status returns a copy of the loop counters.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func (l *Loop) run(ctx context.Context, stop <-chan struct{}, ticks <-chan time.Time) {
	defer l.wg.Done()

	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.running = false
			l.status.State = StateStopped
			l.mu.Unlock()
			return
		case <-stop:
			return
		case <-ticks:
		}

		if l.paused.Load() {
			continue
		}

		_ = l.cycle(ctx)

		// A tick that arrived during the cycle is dropped.
		select {
		case <-ticks:
			l.opts.Metrics.TicksDropped.Add(1)
		default:
		}
	}
}

func (l *Loop) cycle(ctx context.Context) error {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()

	m := l.opts.Metrics
	start := l.clk.Now()

	frame, err := l.opts.Frames.Read(ctx)
	if err != nil {
		m.FrameErrors.Add(1)
		return l.skip(fmt.Errorf("failed to read frame: %w", err))
	}
	m.FramesRead.Add(1)

	var (
		dets types.DetectionResult
		cls  types.ClassificationResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		dets, err = invoke(gctx, l.opts.InferenceTimeout, "detector", m, func(c context.Context) (types.DetectionResult, error) {
			return l.opts.Detector.Detect(c, frame)
		})
		return err
	})
	g.Go(func() error {
		var err error
		cls, err = invoke(gctx, l.opts.InferenceTimeout, "classifier", m, func(c context.Context) (types.ClassificationResult, error) {
			return l.opts.Classifier.Classify(c, frame)
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return l.skip(err)
	}

	latency := l.clk.Since(start)
	fps, published := l.fps.Tick()
	if published {
		logger.Debug("Loop", "FPS %.1f, latency %v", fps, latency)
	}

	state := l.opts.Sink.Update(aggregator.CycleResult{
		FrameNum:        frame.FrameNum,
		Timestamp:       l.clk.Now(),
		FrameWidth:      frame.Width,
		FrameHeight:     frame.Height,
		Detections:      dets,
		Classifications: cls,
		Latency:         latency,
		FPS:             fps,
	})

	var overlay *image.RGBA
	if l.opts.Overlay != nil {
		overlay = l.opts.Overlay.Render(frame.Width, frame.Height, dets)
	}

	m.CyclesCompleted.Add(1)
	m.UpdateCycle(latency, fps)
	m.TotalDetections.Store(state.Totals.TotalDetections)
	m.WindowLength.Store(uint64(len(state.Window)))

	l.mu.Lock()
	l.status.Cycles++
	l.mu.Unlock()

	for _, hook := range l.opts.Hooks {
		hook(frame, overlay, state)
	}
	return nil
}

// skip records a cycle that did not reach the sinks.
func (l *Loop) skip(err error) error {
	m := l.opts.Metrics
	m.CyclesSkipped.Add(1)

	now := l.clk.Now()
	stalled := errors.Is(err, ErrInferenceStall)

	l.mu.Lock()
	l.status.Skipped++
	if stalled {
		l.status.Stalls++
	}
	l.status.LastError = err.Error()
	l.status.LastErrorAt = now
	logNow := stalled || l.lastErrLog.IsZero() || now.Sub(l.lastErrLog) >= l.opts.ErrorLogInterval
	if logNow && !stalled {
		l.lastErrLog = now
	}
	l.mu.Unlock()

	if stalled {
		logger.Warn("Loop", "Cycle skipped: %v", err)
	} else if logNow && !errors.Is(err, context.Canceled) {
		logger.Error("Loop", "Cycle skipped: %v", err)
	}
	return err
}

// invoke calls fn with a bounded wait. A call still running when the
// timeout fires is abandoned and reported as ErrInferenceStall.
func invoke[T any](ctx context.Context, timeout time.Duration, name string, m *metrics.Metrics, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	start := time.Now()
	go func() {
		v, err := fn(cctx)
		ch <- result{v, err}
	}()

	var zero T
	select {
	case r := <-ch:
		switch {
		case r.err == nil:
			m.ObserveInference(name, "ok", time.Since(start))
			return r.v, nil
		case errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			m.ObserveInference(name, "stall", time.Since(start))
			m.InferenceStalls.Add(1)
			return zero, fmt.Errorf("%s exceeded %v: %w", name, timeout, ErrInferenceStall)
		default:
			m.ObserveInference(name, "error", time.Since(start))
			if ctx.Err() == nil {
				m.InferenceErrors.Add(1)
			}
			return zero, fmt.Errorf("%s: %w", name, r.err)
		}
	case <-cctx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		m.ObserveInference(name, "stall", time.Since(start))
		m.InferenceStalls.Add(1)
		return zero, fmt.Errorf("%s exceeded %v: %w", name, timeout, ErrInferenceStall)
	}
}
