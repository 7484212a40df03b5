package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/aggregator"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/pipeline"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/pkg/types"
)

const publishTimeout = 5 * time.Second

// Summary is the per-cycle message published to the broker.
type Summary struct {
	RunID             string                `json:"run_id"`
	Cycle             uint64                `json:"cycle"`
	FrameNum          uint64                `json:"frame_num"`
	Timestamp         time.Time             `json:"timestamp"`
	DetectionCount    int                   `json:"detection_count"`
	AverageConfidence float64               `json:"average_confidence"`
	TotalDetections   uint64                `json:"total_detections"`
	Classes           map[string]int        `json:"classes"`
	TopClass          *types.Classification `json:"top_class,omitempty"`
	FPS               float64               `json:"fps"`
	LatencyMs         float64               `json:"latency_ms"`
}

// NewSummary condenses a dashboard state into a telemetry message.
func NewSummary(runID string, s aggregator.State) Summary {
	sum := Summary{
		RunID:             runID,
		Cycle:             s.Cycle,
		FrameNum:          s.FrameNum,
		Timestamp:         s.UpdatedAt,
		DetectionCount:    len(s.Detections),
		AverageConfidence: s.Totals.AverageConfidence,
		TotalDetections:   s.Totals.TotalDetections,
		Classes:           s.ClassHistogram,
		FPS:               s.Performance.FPS,
		LatencyMs:         s.Performance.LatencyMs,
	}
	if len(s.Classifications) > 0 {
		top := s.Classifications[0]
		sum.TopClass = &top
	}
	return sum
}

// Client is the part of the paho client the publisher uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Publisher queues cycle summaries and publishes them from one goroutine.
type Publisher struct {
	client  Client
	topic   string
	runID   string
	queue   chan Summary
	metrics *metrics.Metrics
}

// NewPublisher creates a publisher over an already connected client.
func NewPublisher(client Client, topic string, queueSize int, m *metrics.Metrics) *Publisher {
	if queueSize <= 0 {
		queueSize = 64
	}
	if m == nil {
		m = metrics.New()
	}
	return &Publisher{
		client:  client,
		topic:   topic,
		runID:   uuid.NewString(),
		queue:   make(chan Summary, queueSize),
		metrics: m,
	}
}

// RunID identifies this process in every message.
func (p *Publisher) RunID() string { return p.runID }

// Enqueue adds a summary without blocking; it reports false when the queue is full.
func (p *Publisher) Enqueue(s aggregator.State) bool {
	select {
	case p.queue <- NewSummary(p.runID, s):
		return true
	default:
		p.metrics.TelemetryDropped.Add(1)
		return false
	}
}

// Hook enqueues every completed cycle.
func (p *Publisher) Hook() pipeline.CycleHook {
	return func(_ *types.Frame, _ *image.RGBA, s aggregator.State) {
		p.Enqueue(s)
	}
}

// Start publishes queued summaries until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) {
	logger.Info("Telemetry", "Publishing to %s (run %s)", p.topic, p.runID)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Telemetry", "Context cancelled, shutting down")
			return
		case s := <-p.queue:
			if err := p.publish(s); err != nil {
				logger.Warn("Telemetry", "%v", err)
			}
		}
	}
}

func (p *Publisher) publish(s Summary) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	token := p.client.Publish(p.topic, 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish of cycle %d timed out", s.Cycle)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish cycle %d: %w", s.Cycle, err)
	}
	p.metrics.TelemetrySent.Add(1)
	logger.Debug("Telemetry", "Published cycle %d to %s", s.Cycle, p.topic)
	return nil
}

// Connect opens a paho client to the configured broker.
func Connect(cfg config.TelemetryConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("Telemetry", "Connected to MQTT broker %s", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("Telemetry", "MQTT connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return client, nil
}
