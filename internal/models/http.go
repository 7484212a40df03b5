package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/image/draw"
	"golang.org/x/time/rate"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/pkg/types"
)

func init() {
	Register("http", func(cfg config.ModelsConfig) (Backend, error) {
		return NewHTTPBackend(cfg)
	})
}

const (
	healthPath   = "/healthz"
	modelsPath   = "/v1/models/"
	frameQuality = 85
	maxErrorBody = 512
)

// HTTPBackend talks to a remote inference server:
//
//	GET  /healthz                    runtime init
//	GET  /v1/models/{name}           model availability
//	POST /v1/models/{name}:detect    JPEG body, JSON detections
//	POST /v1/models/{name}:classify  JPEG body, JSON classifications
type HTTPBackend struct {
	cfg    config.ModelsConfig
	base   string
	client *http.Client
}

// NewHTTPBackend validates the base URL and creates the client.
func NewHTTPBackend(cfg config.ModelsConfig) (*HTTPBackend, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid models.base_url %q", cfg.BaseURL)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPBackend{
		cfg:    cfg,
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}, nil
}

type modelInfo struct {
	Name      string `json:"name"`
	Ready     bool   `json:"ready"`
	InputSize int    `json:"input_size"`
}

type wireBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type detectResponse struct {
	Detections []struct {
		Label      string   `json:"label"`
		Confidence float64  `json:"confidence"`
		Box        *wireBox `json:"bbox"`
	} `json:"detections"`
}

type classifyResponse struct {
	Classifications []types.Classification `json:"classifications"`
}

// Init probes the server health endpoint.
func (b *HTTPBackend) Init(ctx context.Context) error {
	return b.getJSON(ctx, b.base+healthPath, nil)
}

// Detector confirms the detector model is served.
func (b *HTTPBackend) Detector(ctx context.Context) (Detector, error) {
	m, err := b.model(ctx, b.cfg.Detector)
	if err != nil {
		return nil, err
	}
	return DetectorFunc(m.detect), nil
}

// Classifier confirms the classifier model is served.
func (b *HTTPBackend) Classifier(ctx context.Context) (Classifier, error) {
	m, err := b.model(ctx, b.cfg.Classifier)
	if err != nil {
		return nil, err
	}
	return ClassifierFunc(m.classify), nil
}

// Close drops idle connections.
func (b *HTTPBackend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

func (b *HTTPBackend) model(ctx context.Context, name string) (*remoteModel, error) {
	if name == "" {
		return nil, fmt.Errorf("model name is empty")
	}
	endpoint := b.base + modelsPath + url.PathEscape(name)

	var info modelInfo
	if err := b.getJSON(ctx, endpoint, &info); err != nil {
		return nil, err
	}
	if !info.Ready {
		return nil, fmt.Errorf("model %s is not ready", name)
	}

	inputSize := b.cfg.InputSize
	if info.InputSize > 0 {
		inputSize = info.InputSize
	}

	bc := b.cfg.Breaker
	threshold := bc.ConsecutiveFailures
	m := &remoteModel{
		name:      name,
		endpoint:  endpoint,
		client:    b.client,
		inputSize: inputSize,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "model:" + name,
			MaxRequests: bc.MaxRequests,
			Interval:    bc.Interval,
			Timeout:     bc.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("Models", "Circuit %s: %s -> %s", name, from, to)
			},
		}),
	}
	if b.cfg.MaxRPS > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(b.cfg.MaxRPS), 1)
	}

	logger.Info("Models", "Model %s available (input %dpx)", name, inputSize)
	return m, nil
}

func (b *HTTPBackend) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach inference server: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s: %s %s", resp.Request.URL.Path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", resp.Request.URL.Path, err)
	}
	return nil
}

// remoteModel is one served model behind its own circuit breaker.
type remoteModel struct {
	name      string
	endpoint  string
	client    *http.Client
	inputSize int
	cb        *gobreaker.CircuitBreaker
	limiter   *rate.Limiter
}

func (m *remoteModel) detect(ctx context.Context, frame *types.Frame) (types.DetectionResult, error) {
	var resp detectResponse
	scale, err := m.call(ctx, frame, "detect", &resp)
	if err != nil {
		return nil, err
	}

	out := make(types.DetectionResult, 0, len(resp.Detections))
	for _, d := range resp.Detections {
		det := types.Detection{Label: d.Label, Confidence: d.Confidence}
		if d.Box != nil {
			det.Box = &types.BoundingBox{
				X:      int(math.Round(d.Box.X / scale)),
				Y:      int(math.Round(d.Box.Y / scale)),
				Width:  int(math.Round(d.Box.Width / scale)),
				Height: int(math.Round(d.Box.Height / scale)),
			}
		}
		out = append(out, det)
	}
	return out, nil
}

func (m *remoteModel) classify(ctx context.Context, frame *types.Frame) (types.ClassificationResult, error) {
	var resp classifyResponse
	if _, err := m.call(ctx, frame, "classify", &resp); err != nil {
		return nil, err
	}
	return types.ClassificationResult(resp.Classifications), nil
}

// call posts the scaled frame and decodes the JSON reply into out. It
// returns the factor the frame was scaled by.
func (m *remoteModel) call(ctx context.Context, frame *types.Frame, verb string, out any) (float64, error) {
	if frame == nil || frame.Image == nil {
		return 0, fmt.Errorf("no frame to %s", verb)
	}
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return 0, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	img, scale := ScaleToInput(frame.Image, m.inputSize)
	var body bytes.Buffer
	if err := jpeg.Encode(&body, img, &jpeg.Options{Quality: frameQuality}); err != nil {
		return 0, fmt.Errorf("failed to encode frame: %w", err)
	}

	_, err := m.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint+":"+verb, bytes.NewReader(body.Bytes()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "image/jpeg")
		req.Header.Set("Accept", "application/json")

		resp, err := m.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		return nil, decodeResponse(resp, out)
	})
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", m.name, verb, err)
	}
	return scale, nil
}

// ScaleToInput shrinks img so its longer side is at most size, keeping the
// aspect ratio. It returns the scale factor applied (1 when untouched).
func ScaleToInput(img image.Image, size int) (image.Image, float64) {
	b := img.Bounds()
	longest := max(b.Dx(), b.Dy())
	if size <= 0 || longest <= size {
		return img, 1
	}

	scale := float64(size) / float64(longest)
	w := max(1, int(math.Round(float64(b.Dx())*scale)))
	h := max(1, int(math.Round(float64(b.Dy())*scale)))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst, scale
}
