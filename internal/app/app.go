package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/benbjohnson/clock"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/aggregator"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/camera"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/dashboard"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/models"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/overlay"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/pipeline"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/telemetry"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/pkg/types"
)

// Option overrides a component App would otherwise build from config.
type Option func(*options)

type options struct {
	backend   models.Backend
	source    camera.Source
	scheduler pipeline.Scheduler
	clock     clock.Clock
	mqtt      telemetry.Client
}

// WithBackend uses b instead of the configured model backend.
func WithBackend(b models.Backend) Option { return func(o *options) { o.backend = b } }

// WithSource uses src instead of the configured camera source.
func WithSource(src camera.Source) Option { return func(o *options) { o.source = src } }

// WithScheduler drives the loop with s instead of a refresh-rate ticker.
func WithScheduler(s pipeline.Scheduler) Option { return func(o *options) { o.scheduler = s } }

// WithClock sets the clock used for timing and FPS.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithTelemetryClient publishes through c instead of connecting to the broker.
func WithTelemetryClient(c telemetry.Client) Option { return func(o *options) { o.mqtt = c } }

// App wires the vision pipeline together and owns its lifecycle.
type App struct {
	cfg *config.Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics   *metrics.Metrics
	backend   models.Backend
	loader    *models.Loader
	camera    *camera.Camera
	agg       *aggregator.Aggregator
	renderer  *overlay.Renderer
	loop      *pipeline.Loop
	dashboard *dashboard.Server
	publisher *telemetry.Publisher
	mqtt      mqtt.Client
}

// New builds every component from cfg. Nothing is started yet.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}

	a := &App{
		cfg:     cfg,
		metrics: metrics.New(),
		agg:     aggregator.New(),
		renderer: overlay.NewRenderer(overlay.Options{
			FontSize:    cfg.Overlay.FontSize,
			LineWidth:   cfg.Overlay.LineWidth,
			LabelOffset: cfg.Overlay.LabelOffset,
			Padding:     cfg.Overlay.Padding,
		}),
	}

	a.backend = o.backend
	if a.backend == nil {
		b, err := models.Open(cfg.Models)
		if err != nil {
			return nil, fmt.Errorf("failed to create model backend: %w", err)
		}
		a.backend = b
	}
	a.loader = models.NewLoader(a.backend, models.PostProcess{
		MinConfidence:  cfg.Models.MinConfidence,
		TopK:           cfg.Models.TopK,
		MinProbability: cfg.Models.MinProbability,
	})

	src := o.source
	if src == nil {
		s, err := camera.NewSource(cfg.Camera)
		if err != nil {
			return nil, fmt.Errorf("failed to create camera source: %w", err)
		}
		src = s
	}
	a.camera = camera.New(src)

	a.dashboard = dashboard.NewServer(dashboard.FromServerConfig(cfg.Server), dashboard.Deps{
		State:     a.agg,
		Overlay:   a.renderer,
		Readiness: a.Readiness,
		Metrics:   a.metrics,
	})

	hooks := []pipeline.CycleHook{a.dashboard.Hook()}
	if cfg.Telemetry.Enabled {
		client := o.mqtt
		if client == nil {
			c, err := telemetry.Connect(cfg.Telemetry)
			if err != nil {
				return nil, err
			}
			a.mqtt = c
			client = c
		}
		a.publisher = telemetry.NewPublisher(client, cfg.Telemetry.Topic, cfg.Telemetry.QueueSize, a.metrics)
		hooks = append(hooks, a.publisher.Hook())
	}

	sched := o.scheduler
	if sched == nil {
		sched = pipeline.NewTickerScheduler(o.clock, cfg.Loop.RefreshRate)
	}

	// The capabilities only exist once the loader is ready; the loop is
	// not started before that.
	a.loop = pipeline.New(pipeline.Options{
		Detector: models.DetectorFunc(func(ctx context.Context, f *types.Frame) (types.DetectionResult, error) {
			return a.loader.Detector().Detect(ctx, f)
		}),
		Classifier: models.ClassifierFunc(func(ctx context.Context, f *types.Frame) (types.ClassificationResult, error) {
			return a.loader.Classifier().Classify(ctx, f)
		}),
		Frames:           a.camera,
		Sink:             a.agg,
		Overlay:          a.renderer,
		Scheduler:        sched,
		Metrics:          a.metrics,
		Clock:            o.clock,
		InferenceTimeout: cfg.Loop.InferenceTimeout,
		ErrorLogInterval: cfg.Loop.ErrorLogInterval,
		Hooks:            hooks,
	})
	a.dashboard.SetLoop(a.loop)

	return a, nil
}

// Start serves the dashboard right away and brings up models, camera
// and loop in the background.
func (a *App) Start(ctx context.Context) {
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.dashboard.Start(a.ctx)

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.dashboard.ListenAndServe(a.ctx); err != nil {
			logger.Error("App", "%v", err)
		}
	}()
	go func() {
		defer a.wg.Done()
		if err := a.startup(a.ctx); err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Error("App", "Startup failed: %v", err)
			}
		}
	}()

	if addr := a.cfg.Server.MetricsAddr; addr != "" {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			logger.Info("Metrics", "Serving metrics on %s/metrics", addr)
			if err := a.metrics.StartServer(a.ctx, addr); err != nil {
				logger.Error("Metrics", "%v", err)
			}
		}()
	}

	if a.publisher != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.publisher.Start(a.ctx)
		}()
	}
}

// startup loads the models and opens the camera, then starts the loop.
// The camera waits for the models when configured to.
func (a *App) startup(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error {
		return a.loader.Load(ctx)
	})
	g.Go(func() error {
		if a.cfg.Camera.WaitForModels {
			if err := a.loader.Wait(ctx); err != nil {
				return err
			}
		}
		return a.camera.Open(ctx, camera.ConstraintsFromConfig(a.cfg.Camera))
	})
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("App", "Models and camera ready, starting inference loop")
	return a.loop.Start(ctx)
}

// Readiness combines the model, camera and loop states.
func (a *App) Readiness() dashboard.Readiness {
	r := dashboard.Readiness{
		Models: a.loader.Status(),
		Camera: a.camera.Status(),
		Loop:   a.loop.Status(),
	}

	switch {
	case r.Models.Phase == models.PhaseError:
		r.Phase, r.Message = dashboard.PhaseError, r.Models.Message
	case r.Camera.Phase == camera.PhaseError:
		r.Phase, r.Message = dashboard.PhaseError, r.Camera.Message
	case r.Models.Phase != models.PhaseReady:
		r.Phase, r.Message = dashboard.PhaseLoading, "Loading models"
	case r.Camera.Phase != camera.PhaseReady:
		r.Phase, r.Message = dashboard.PhaseLoading, "Opening camera"
	case r.Loop.State == pipeline.StateIdle:
		r.Phase, r.Message = dashboard.PhaseLoading, "Starting inference loop"
	default:
		r.Phase = dashboard.PhaseReady
	}
	return r
}

// Loop exposes the inference loop for single-stepping.
func (a *App) Loop() *pipeline.Loop { return a.loop }

// State returns the current dashboard state.
func (a *App) State() aggregator.State { return a.agg.Snapshot() }

// Handler returns the dashboard HTTP handler.
func (a *App) Handler() http.Handler { return a.dashboard.Handler() }

// Shutdown stops the loop after its in-flight cycle, then releases
// every component. All close errors are returned together.
func (a *App) Shutdown() error {
	a.loop.Stop()
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	// startup may have started the loop after the first Stop.
	a.loop.Stop()
	a.dashboard.Stop()
	a.agg.Close()

	err := multierr.Combine(
		a.camera.Close(),
		a.loader.Close(),
	)
	if a.mqtt != nil {
		a.mqtt.Disconnect(250)
	}
	logger.Info("App", "Stopped")
	return err
}
