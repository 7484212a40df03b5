package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the root configuration of the dashboard service.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Models    ModelsConfig    `mapstructure:"models"`
	Camera    CameraConfig    `mapstructure:"camera"`
	Loop      LoopConfig      `mapstructure:"loop"`
	Overlay   OverlayConfig   `mapstructure:"overlay"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

// ServerConfig describes the HTTP surface.
type ServerConfig struct {
	Addr          string        `mapstructure:"addr"`
	MetricsAddr   string        `mapstructure:"metrics_addr"` // standalone /metrics listener, empty = off
	CORSOrigins   []string      `mapstructure:"cors_origins"`
	RateLimit     int           `mapstructure:"rate_limit"` // requests per minute per client on /api
	MJPEGInterval time.Duration `mapstructure:"mjpeg_interval"`
	JPEGQuality   int           `mapstructure:"jpeg_quality"`
}

// ModelsConfig selects the inference backend and its post-processing.
type ModelsConfig struct {
	Backend        string        `mapstructure:"backend"` // http, static
	BaseURL        string        `mapstructure:"base_url"`
	Detector       string        `mapstructure:"detector"`
	Classifier     string        `mapstructure:"classifier"`
	InputSize      int           `mapstructure:"input_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRPS         float64       `mapstructure:"max_rps"` // per model, 0 = unlimited
	MinConfidence  float64       `mapstructure:"min_confidence"`
	TopK           int           `mapstructure:"top_k"`
	MinProbability float64       `mapstructure:"min_probability"`
	Breaker        BreakerConfig `mapstructure:"breaker"`
	Static         StaticConfig  `mapstructure:"static"`
}

// BreakerConfig configures the per-model circuit breaker.
type BreakerConfig struct {
	MaxRequests         uint32        `mapstructure:"max_requests"`
	Interval            time.Duration `mapstructure:"interval"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
}

// StaticConfig holds the canned results of the static backend.
type StaticConfig struct {
	Delay           time.Duration          `mapstructure:"delay"`
	Detections      []StaticDetection      `mapstructure:"detections"`
	Classifications []StaticClassification `mapstructure:"classifications"`
}

// StaticDetection is one canned detection; a zero-size box means none.
type StaticDetection struct {
	Label      string  `mapstructure:"label"`
	Confidence float64 `mapstructure:"confidence"`
	X          int     `mapstructure:"x"`
	Y          int     `mapstructure:"y"`
	Width      int     `mapstructure:"width"`
	Height     int     `mapstructure:"height"`
}

// StaticClassification is one canned classification.
type StaticClassification struct {
	Label       string  `mapstructure:"label"`
	Probability float64 `mapstructure:"probability"`
}

// CameraConfig describes the frame source and its preferred constraints.
type CameraConfig struct {
	Source        string  `mapstructure:"source"` // webcam, testpattern, file
	DeviceID      string  `mapstructure:"device_id"`
	Facing        string  `mapstructure:"facing"` // environment, user
	Width         int     `mapstructure:"width"`
	Height        int     `mapstructure:"height"`
	FrameRate     float64 `mapstructure:"frame_rate"`
	Path          string  `mapstructure:"path"`
	WaitForModels bool    `mapstructure:"wait_for_models"`
}

// LoopConfig drives the inference loop cadence.
type LoopConfig struct {
	RefreshRate      float64       `mapstructure:"refresh_rate"` // Hz
	InferenceTimeout time.Duration `mapstructure:"inference_timeout"`
	ErrorLogInterval time.Duration `mapstructure:"error_log_interval"`
}

// OverlayConfig tunes the overlay renderer.
type OverlayConfig struct {
	FontSize    float64 `mapstructure:"font_size"`
	LineWidth   float64 `mapstructure:"line_width"`
	LabelOffset float64 `mapstructure:"label_offset"`
	Padding     float64 `mapstructure:"padding"`
}

// TelemetryConfig configures the optional MQTT publisher.
type TelemetryConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Broker    string `mapstructure:"broker"`
	ClientID  string `mapstructure:"client_id"`
	Topic     string `mapstructure:"topic"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	QueueSize int    `mapstructure:"queue_size"`
}

// LoggerConfig selects the log level and colour.
type LoggerConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error, silent
	Color bool   `mapstructure:"color"`
}

// flagBinding maps a command-line flag onto a config key.
type flagBinding struct {
	name  string
	key   string
	usage string
}

var stringFlags = []flagBinding{
	{"http", "server.addr", "HTTP server address"},
	{"metrics", "server.metrics_addr", "Standalone Prometheus metrics address (empty to disable)"},
	{"backend", "models.backend", "Inference backend (http, static)"},
	{"models-url", "models.base_url", "Inference server base URL"},
	{"source", "camera.source", "Frame source (webcam, testpattern, file)"},
	{"camera-device", "camera.device_id", "Capture device ID"},
	{"facing", "camera.facing", "Preferred facing direction (environment, user)"},
	{"image", "camera.path", "Still image path for the file source"},
	{"inference-timeout", "loop.inference_timeout", "Bounded wait for one capability call"},
	{"mqtt-broker", "telemetry.broker", "MQTT broker URL"},
	{"log-level", "logger.level", "Log level (debug, info, warn, error, silent)"},
}

var floatFlags = []flagBinding{
	{"refresh-rate", "loop.refresh_rate", "Inference loop refresh rate in Hz"},
}

var boolFlags = []flagBinding{
	{"log-color", "logger.color", "Enable colored log output"},
	{"telemetry", "telemetry.enabled", "Publish per-cycle summaries over MQTT"},
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:          ":8080",
			CORSOrigins:   []string{"*"},
			RateLimit:     600,
			MJPEGInterval: 33 * time.Millisecond,
			JPEGQuality:   80,
		},
		Models: ModelsConfig{
			Backend:        "static",
			BaseURL:        "http://localhost:8500",
			Detector:       "coco-ssd",
			Classifier:     "mobilenet",
			InputSize:      300,
			RequestTimeout: 5 * time.Second,
			MaxRPS:         0,
			MinConfidence:  0.5,
			TopK:           3,
			MinProbability: 0,
			Breaker: BreakerConfig{
				MaxRequests:         1,
				Interval:            30 * time.Second,
				Timeout:             10 * time.Second,
				ConsecutiveFailures: 5,
			},
			Static: StaticConfig{
				Detections: []StaticDetection{
					{Label: "cat", Confidence: 0.92, X: 80, Y: 120, Width: 200, Height: 180},
					{Label: "dog", Confidence: 0.75, X: 340, Y: 160, Width: 220, Height: 200},
				},
				Classifications: []StaticClassification{
					{Label: "tabby cat", Probability: 0.61},
					{Label: "golden retriever", Probability: 0.22},
					{Label: "tiger cat", Probability: 0.09},
				},
			},
		},
		Camera: CameraConfig{
			Source:        "testpattern",
			Facing:        "environment",
			Width:         640,
			Height:        480,
			FrameRate:     30,
			WaitForModels: true,
		},
		Loop: LoopConfig{
			RefreshRate:      60,
			InferenceTimeout: 2 * time.Second,
			ErrorLogInterval: 15 * time.Second,
		},
		Overlay: OverlayConfig{
			FontSize:    14,
			LineWidth:   2,
			LabelOffset: 20,
			Padding:     4,
		},
		Telemetry: TelemetryConfig{
			Broker:    "tcp://localhost:1883",
			ClientID:  "visiondash",
			Topic:     "visiondash/cycles",
			QueueSize: 64,
		},
		Logger: LoggerConfig{
			Level: "info",
			Color: true,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.metrics_addr", d.Server.MetricsAddr)
	v.SetDefault("server.cors_origins", d.Server.CORSOrigins)
	v.SetDefault("server.rate_limit", d.Server.RateLimit)
	v.SetDefault("server.mjpeg_interval", d.Server.MJPEGInterval)
	v.SetDefault("server.jpeg_quality", d.Server.JPEGQuality)

	v.SetDefault("models.backend", d.Models.Backend)
	v.SetDefault("models.base_url", d.Models.BaseURL)
	v.SetDefault("models.detector", d.Models.Detector)
	v.SetDefault("models.classifier", d.Models.Classifier)
	v.SetDefault("models.input_size", d.Models.InputSize)
	v.SetDefault("models.request_timeout", d.Models.RequestTimeout)
	v.SetDefault("models.max_rps", d.Models.MaxRPS)
	v.SetDefault("models.min_confidence", d.Models.MinConfidence)
	v.SetDefault("models.top_k", d.Models.TopK)
	v.SetDefault("models.min_probability", d.Models.MinProbability)
	v.SetDefault("models.breaker.max_requests", d.Models.Breaker.MaxRequests)
	v.SetDefault("models.breaker.interval", d.Models.Breaker.Interval)
	v.SetDefault("models.breaker.timeout", d.Models.Breaker.Timeout)
	v.SetDefault("models.breaker.consecutive_failures", d.Models.Breaker.ConsecutiveFailures)
	v.SetDefault("models.static.delay", d.Models.Static.Delay)
	v.SetDefault("models.static.detections", staticDetectionMaps(d.Models.Static.Detections))
	v.SetDefault("models.static.classifications", staticClassificationMaps(d.Models.Static.Classifications))

	v.SetDefault("camera.source", d.Camera.Source)
	v.SetDefault("camera.device_id", d.Camera.DeviceID)
	v.SetDefault("camera.facing", d.Camera.Facing)
	v.SetDefault("camera.width", d.Camera.Width)
	v.SetDefault("camera.height", d.Camera.Height)
	v.SetDefault("camera.frame_rate", d.Camera.FrameRate)
	v.SetDefault("camera.path", d.Camera.Path)
	v.SetDefault("camera.wait_for_models", d.Camera.WaitForModels)

	v.SetDefault("loop.refresh_rate", d.Loop.RefreshRate)
	v.SetDefault("loop.inference_timeout", d.Loop.InferenceTimeout)
	v.SetDefault("loop.error_log_interval", d.Loop.ErrorLogInterval)

	v.SetDefault("overlay.font_size", d.Overlay.FontSize)
	v.SetDefault("overlay.line_width", d.Overlay.LineWidth)
	v.SetDefault("overlay.label_offset", d.Overlay.LabelOffset)
	v.SetDefault("overlay.padding", d.Overlay.Padding)

	v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	v.SetDefault("telemetry.broker", d.Telemetry.Broker)
	v.SetDefault("telemetry.client_id", d.Telemetry.ClientID)
	v.SetDefault("telemetry.topic", d.Telemetry.Topic)
	v.SetDefault("telemetry.username", d.Telemetry.Username)
	v.SetDefault("telemetry.password", d.Telemetry.Password)
	v.SetDefault("telemetry.queue_size", d.Telemetry.QueueSize)

	v.SetDefault("logger.level", d.Logger.Level)
	v.SetDefault("logger.color", d.Logger.Color)
}

func staticDetectionMaps(in []StaticDetection) []map[string]any {
	out := make([]map[string]any, 0, len(in))
	for _, d := range in {
		out = append(out, map[string]any{
			"label": d.Label, "confidence": d.Confidence,
			"x": d.X, "y": d.Y, "width": d.Width, "height": d.Height,
		})
	}
	return out
}

func staticClassificationMaps(in []StaticClassification) []map[string]any {
	out := make([]map[string]any, 0, len(in))
	for _, c := range in {
		out = append(out, map[string]any{"label": c.Label, "probability": c.Probability})
	}
	return out
}

// Load builds the configuration from defaults, an optional visiondash.yaml,
// VISIONDASH_* environment variables (a .env file is honoured) and the
// given command-line arguments, in increasing order of precedence.
func Load(args []string) (*Config, error) {
	// Missing .env is normal outside development.
	_ = godotenv.Load()

	fs := flag.NewFlagSet("visiondash", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "Path to a config file (default: visiondash.yaml in . or ./configs)")

	defaults := DefaultConfig()
	strVals := make(map[string]*string, len(stringFlags))
	for _, b := range stringFlags {
		strVals[b.name] = fs.String(b.name, "", b.usage)
	}
	floatVals := make(map[string]*float64, len(floatFlags))
	for _, b := range floatFlags {
		floatVals[b.name] = fs.Float64(b.name, defaults.Loop.RefreshRate, b.usage)
	}
	boolVals := make(map[string]*bool, len(boolFlags))
	for _, b := range boolFlags {
		boolVals[b.name] = fs.Bool(b.name, false, b.usage)
	}

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	v := viper.New()
	if *configPath != "" {
		v.SetConfigFile(*configPath)
	} else {
		v.SetConfigName("visiondash")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix("VISIONDASH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Only flags given explicitly override lower layers.
	fs.Visit(func(f *flag.Flag) {
		for _, b := range stringFlags {
			if b.name == f.Name {
				v.Set(b.key, *strVals[b.name])
			}
		}
		for _, b := range floatFlags {
			if b.name == f.Name {
				v.Set(b.key, *floatVals[b.name])
			}
		}
		for _, b := range boolFlags {
			if b.name == f.Name {
				v.Set(b.key, *boolVals[b.name])
			}
		}
	})

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Loop.RefreshRate <= 0 {
		return fmt.Errorf("invalid loop.refresh_rate %v: must be positive", c.Loop.RefreshRate)
	}
	if c.Loop.InferenceTimeout <= 0 {
		return fmt.Errorf("invalid loop.inference_timeout %v: must be positive", c.Loop.InferenceTimeout)
	}
	switch c.Models.Backend {
	case "http", "static":
	default:
		return fmt.Errorf("unknown models.backend %q", c.Models.Backend)
	}
	switch c.Camera.Source {
	case "webcam", "testpattern", "file":
	default:
		return fmt.Errorf("unknown camera.source %q", c.Camera.Source)
	}
	if c.Camera.Source == "file" && c.Camera.Path == "" {
		return errors.New("camera.path is required for the file source")
	}
	switch c.Camera.Facing {
	case "", "environment", "user":
	default:
		return fmt.Errorf("invalid camera.facing %q", c.Camera.Facing)
	}
	if c.Models.TopK < 0 {
		return fmt.Errorf("invalid models.top_k %d", c.Models.TopK)
	}
	return nil
}
