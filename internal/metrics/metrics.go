package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Loop counters
	CyclesCompleted atomic.Uint64
	CyclesSkipped   atomic.Uint64
	TicksDropped    atomic.Uint64
	FramesRead      atomic.Uint64

	// Error counters
	FrameErrors     atomic.Uint64
	InferenceErrors atomic.Uint64
	InferenceStalls atomic.Uint64

	// Latest loop sample
	CycleLatencyMs atomic.Uint64
	FPSMilli       atomic.Uint64 // FPS * 1000

	// Aggregate state
	TotalDetections atomic.Uint64
	WindowLength    atomic.Uint64

	// Dashboard clients (SSE, websocket, MJPEG)
	ActiveClients atomic.Int64
	TotalClients  atomic.Uint64

	// Telemetry
	TelemetrySent    atomic.Uint64
	TelemetryDropped atomic.Uint64

	inferenceLatency *prometheus.HistogramVec

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	m.inferenceLatency = promauto.With(m.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "visiondash_inference_latency_seconds",
			Help:    "Latency of a single capability call",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"capability", "outcome"},
	)

	return m
}

func (m *Metrics) gauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		fn,
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.gauge("visiondash_cycles_completed_total", "Inference cycles that reached the aggregator",
		func() float64 { return float64(m.CyclesCompleted.Load()) })
	m.gauge("visiondash_cycles_skipped_total", "Inference cycles skipped after an error or stall",
		func() float64 { return float64(m.CyclesSkipped.Load()) })
	m.gauge("visiondash_ticks_dropped_total", "Scheduler ticks dropped while a cycle was in flight",
		func() float64 { return float64(m.TicksDropped.Load()) })
	m.gauge("visiondash_frames_read_total", "Frames read from the frame source",
		func() float64 { return float64(m.FramesRead.Load()) })

	m.gauge("visiondash_frame_errors_total", "Frame source read errors",
		func() float64 { return float64(m.FrameErrors.Load()) })
	m.gauge("visiondash_inference_errors_total", "Capability calls that returned an error",
		func() float64 { return float64(m.InferenceErrors.Load()) })
	m.gauge("visiondash_inference_stalls_total", "Capability calls that exceeded the inference timeout",
		func() float64 { return float64(m.InferenceStalls.Load()) })

	m.gauge("visiondash_cycle_latency_ms", "Most recent cycle latency in milliseconds",
		func() float64 { return float64(m.CycleLatencyMs.Load()) })
	m.gauge("visiondash_fps", "Frames per second over the last measurement window",
		func() float64 { return float64(m.FPSMilli.Load()) / 1000 })

	m.gauge("visiondash_detections_total", "Detections across all cycles",
		func() float64 { return float64(m.TotalDetections.Load()) })
	m.gauge("visiondash_rolling_window_length", "Entries held in the rolling window",
		func() float64 { return float64(m.WindowLength.Load()) })

	m.gauge("visiondash_active_clients", "Connected dashboard stream clients",
		func() float64 { return float64(m.ActiveClients.Load()) })
	m.gauge("visiondash_total_clients", "Dashboard stream clients connected since start",
		func() float64 { return float64(m.TotalClients.Load()) })

	m.gauge("visiondash_telemetry_sent_total", "Telemetry messages published",
		func() float64 { return float64(m.TelemetrySent.Load()) })
	m.gauge("visiondash_telemetry_dropped_total", "Telemetry messages dropped on a full queue",
		func() float64 { return float64(m.TelemetryDropped.Load()) })
}

// ObserveInference records the latency of one capability call
func (m *Metrics) ObserveInference(capability, outcome string, d time.Duration) {
	m.inferenceLatency.WithLabelValues(capability, outcome).Observe(d.Seconds())
}

// UpdateCycle stores the latest cycle latency and FPS
func (m *Metrics) UpdateCycle(latency time.Duration, fps float64) {
	m.CycleLatencyMs.Store(uint64(latency.Milliseconds()))
	m.FPSMilli.Store(uint64(fps * 1000))
}

// ClientConnected tracks a new stream client
func (m *Metrics) ClientConnected() {
	m.ActiveClients.Add(1)
	m.TotalClients.Add(1)
}

// ClientDisconnected tracks a closed stream client
func (m *Metrics) ClientDisconnected() {
	m.ActiveClients.Add(-1)
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on its own listener until ctx is done
func (m *Metrics) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
