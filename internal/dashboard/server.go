package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/aggregator"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/camera"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/models"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/overlay"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/pipeline"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/pkg/types"
)

// Phase is the overall readiness shown by the index page.
type Phase string

const (
	PhaseLoading Phase = "loading"
	PhaseError   Phase = "error"
	PhaseReady   Phase = "ready"
)

// Readiness combines the model, camera and loop states.
type Readiness struct {
	Phase   Phase           `json:"phase"`
	Message string          `json:"message,omitempty"`
	Models  models.Status   `json:"models"`
	Camera  camera.Status   `json:"camera"`
	Loop    pipeline.Status `json:"loop"`
}

// LoopController is the part of the inference loop the dashboard drives.
type LoopController interface {
	Pause()
	Resume()
	Status() pipeline.Status
}

// OverlaySource returns the latest rendered overlay.
type OverlaySource interface {
	Latest() *image.RGBA
}

// Deps are the components the dashboard presents.
type Deps struct {
	State     StateSource
	Overlay   OverlaySource
	Loop      LoopController
	Readiness func() Readiness
	Metrics   *metrics.Metrics
}

// Server serves the dashboard endpoints.
type Server struct {
	cfg      Config
	deps     Deps
	metrics  *metrics.Metrics
	frames   *FrameBroadcaster
	events   *EventBroadcaster
	upgrader *websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer returns a configured dashboard server.
func NewServer(cfg Config, deps Deps) *Server {
	def := DefaultConfig()
	if cfg.MJPEGInterval <= 0 {
		cfg.MJPEGInterval = def.MJPEGInterval
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = def.JPEGQuality
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = def.KeepAlive
	}
	if cfg.BlankAfter <= 0 {
		cfg.BlankAfter = def.BlankAfter
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Readiness == nil {
		deps.Readiness = func() Readiness { return Readiness{Phase: PhaseReady} }
	}

	return &Server{
		cfg:      cfg,
		deps:     deps,
		metrics:  deps.Metrics,
		frames:   NewFrameBroadcaster(cfg.MJPEGInterval, cfg.JPEGQuality),
		events:   NewEventBroadcaster(),
		upgrader: newUpgrader(cfg.CORSOrigins),
	}
}

// Start launches the broadcasters.
func (s *Server) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	// Subscribe before returning so no update is missed.
	id, states := s.deps.State.Subscribe()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.frames.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		defer s.deps.State.Unsubscribe(id)
		s.events.Run(s.ctx, states)
	}()
}

// Stop halts the broadcasters and disconnects streaming clients.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// SetLoop attaches the loop controlled by the pause and resume endpoints.
func (s *Server) SetLoop(l LoopController) {
	s.deps.Loop = l
}

// Hook hands every completed cycle to the frame broadcaster.
func (s *Server) Hook() pipeline.CycleHook {
	return func(frame *types.Frame, ov *image.RGBA, _ aggregator.State) {
		s.frames.Publish(frame, ov)
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/stream", s.handleStream)
	r.Get("/ws", s.handleWebSocket)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		if s.cfg.RateLimit > 0 {
			r.Use(httprate.Limit(s.cfg.RateLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		}
		r.Get("/status", s.handleStatus)
		r.Get("/state", s.handleState)
		r.Get("/state/stream", s.handleStateStream)
		r.Get("/overlay.png", s.handleOverlay)
		r.Post("/loop/pause", s.handlePause)
		r.Post("/loop/resume", s.handleResume)
	})

	return cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}).Handler(r)
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Dashboard", "Listening on %s", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("dashboard server: %w", err)
	case <-ctx.Done():
	}

	// Streaming handlers exit once the broadcasters close their channels.
	s.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("dashboard shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok"})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	withOverlay := r.URL.Query().Get("overlay") != "0"

	s.metrics.ClientConnected()
	defer s.metrics.ClientDisconnected()

	id, frameCh := s.frames.Subscribe(withOverlay)
	defer s.frames.Unsubscribe(id)
	streamMJPEG(w, r, frameCh, s.cfg.BlankAfter)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"readiness": s.deps.Readiness(),
		"state":     s.deps.State.Snapshot(),
		"timestamp": float64(time.Now().Unix()),
	}
	writeJSON(w, payload)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.deps.State.Snapshot())
}

func (s *Server) handleStateStream(w http.ResponseWriter, r *http.Request) {
	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	s.metrics.ClientConnected()
	defer s.metrics.ClientDisconnected()

	id, eventCh := s.events.Subscribe()
	defer s.events.Unsubscribe(id)

	first, err := EncodeState(s.deps.State.Snapshot())
	if err != nil {
		logger.Error("SSE", "%v", err)
	}
	streamEvents(w, r, first, eventCh, useProtobuf, s.cfg.KeepAlive)
}

func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	var img *image.RGBA
	if s.deps.Overlay != nil {
		img = s.deps.Overlay.Latest()
	}
	if img == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	data, err := overlay.EncodePNG(img)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if s.deps.Loop == nil {
		writeJSONWithStatus(w, map[string]any{"error": "loop is not configured"}, http.StatusServiceUnavailable)
		return
	}
	s.deps.Loop.Pause()
	writeJSON(w, s.deps.Loop.Status())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if s.deps.Loop == nil {
		writeJSONWithStatus(w, map[string]any{"error": "loop is not configured"}, http.StatusServiceUnavailable)
		return
	}
	s.deps.Loop.Resume()
	writeJSON(w, s.deps.Loop.Status())
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
