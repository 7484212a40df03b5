package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/camera"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/dashboard"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/models"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/pipeline"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/pkg/types"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Camera.Width = 320
	cfg.Camera.Height = 240
	return &cfg
}

func catAndDogBackend() *models.StaticBackend {
	return models.NewStatic(types.DetectionResult{
		{Label: "cat", Confidence: 0.92, Box: &types.BoundingBox{X: 10, Y: 30, Width: 100, Height: 80}},
		{Label: "dog", Confidence: 0.75, Box: &types.BoundingBox{X: 150, Y: 60, Width: 120, Height: 100}},
		{Label: "cup", Confidence: 0.2, Box: &types.BoundingBox{X: 5, Y: 5, Width: 10, Height: 10}},
	}, types.ClassificationResult{{Label: "tabby cat", Probability: 0.61}}, 0)
}

func startApp(t *testing.T, cfg *config.Config, opts ...Option) *App {
	t.Helper()
	a, err := New(cfg, opts...)
	require.NoError(t, err)
	a.Start(context.Background())
	t.Cleanup(func() { require.NoError(t, a.Shutdown()) })
	return a
}

func waitPhase(t *testing.T, a *App, phase dashboard.Phase) dashboard.Readiness {
	t.Helper()
	var r dashboard.Readiness
	require.Eventually(t, func() bool {
		r = a.Readiness()
		return r.Phase == phase
	}, 5*time.Second, 10*time.Millisecond)
	return r
}

func TestAppRunsCyclesOnceReady(t *testing.T) {
	sched := pipeline.NewManualScheduler()
	a := startApp(t, testConfig(),
		WithBackend(catAndDogBackend()),
		WithSource(camera.NewTestPattern()),
		WithScheduler(sched),
	)

	r := waitPhase(t, a, dashboard.PhaseReady)
	require.Equal(t, models.PhaseReady, r.Models.Phase)
	require.Equal(t, camera.PhaseReady, r.Camera.Phase)
	require.Equal(t, 320, r.Camera.Width)

	sched.Tick()
	require.Eventually(t, func() bool { return a.State().Cycle == 1 }, 5*time.Second, 10*time.Millisecond)

	st := a.State()
	require.Len(t, st.Detections, 2, "low-confidence detections are filtered")
	require.Equal(t, uint64(2), st.Totals.TotalDetections)
	require.Equal(t, map[string]int{"cat": 1, "dog": 1}, st.ClassHistogram)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Readiness dashboard.Readiness `json:"readiness"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, dashboard.PhaseReady, body.Readiness.Phase)
}

func TestAppPauseThroughDashboard(t *testing.T) {
	a := startApp(t, testConfig(),
		WithBackend(catAndDogBackend()),
		WithSource(camera.NewTestPattern()),
		WithScheduler(pipeline.NewManualScheduler()),
	)
	waitPhase(t, a, dashboard.PhaseReady)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/loop/pause", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, pipeline.StatePaused, a.Loop().Status().State)

	// Stepping still works while paused.
	require.NoError(t, a.Loop().Step(context.Background()))
	require.Equal(t, uint64(1), a.State().Cycle)
}

func TestAppModelLoadErrorIsTerminal(t *testing.T) {
	backend := catAndDogBackend()
	backend.DetectorErr = errors.New("weights missing")

	a := startApp(t, testConfig(),
		WithBackend(backend),
		WithSource(camera.NewTestPattern()),
		WithScheduler(pipeline.NewManualScheduler()),
	)

	r := waitPhase(t, a, dashboard.PhaseError)
	require.Contains(t, r.Message, "detector")
	require.Contains(t, r.Message, "weights missing")
	require.Equal(t, camera.PhaseIdle, r.Camera.Phase, "camera waits for the models")
	require.Equal(t, pipeline.StateIdle, r.Loop.State)
}

func TestAppCameraErrorIsTerminal(t *testing.T) {
	a := startApp(t, testConfig(),
		WithBackend(catAndDogBackend()),
		WithSource(camera.NewFileSource(filepath.Join(t.TempDir(), "missing.png"))),
		WithScheduler(pipeline.NewManualScheduler()),
	)

	r := waitPhase(t, a, dashboard.PhaseError)
	require.Equal(t, models.PhaseReady, r.Models.Phase)
	require.Equal(t, camera.PhaseError, r.Camera.Phase)
	require.NotEmpty(t, r.Message)
	require.Equal(t, pipeline.StateIdle, r.Loop.State)
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Models.Backend = "onnx"
	_, err := New(cfg)
	require.Error(t, err)
}
