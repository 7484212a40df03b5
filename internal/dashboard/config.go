package dashboard

import (
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/config"
)

// Config defines the runtime configuration for the dashboard server.
type Config struct {
	Addr          string
	CORSOrigins   []string
	RateLimit     int // requests per minute per client on /api; 0 disables
	MJPEGInterval time.Duration
	JPEGQuality   int
	KeepAlive     time.Duration
	BlankAfter    time.Duration
}

// DefaultConfig returns the built-in dashboard settings.
func DefaultConfig() Config {
	return Config{
		Addr:          ":8080",
		CORSOrigins:   []string{"*"},
		RateLimit:     600,
		MJPEGInterval: 33 * time.Millisecond,
		JPEGQuality:   80,
		KeepAlive:     30 * time.Second,
		BlankAfter:    5 * time.Second,
	}
}

// FromServerConfig maps the loaded server section onto Config.
func FromServerConfig(sc config.ServerConfig) Config {
	cfg := DefaultConfig()
	if sc.Addr != "" {
		cfg.Addr = sc.Addr
	}
	if len(sc.CORSOrigins) > 0 {
		cfg.CORSOrigins = sc.CORSOrigins
	}
	cfg.RateLimit = sc.RateLimit
	if sc.MJPEGInterval > 0 {
		cfg.MJPEGInterval = sc.MJPEGInterval
	}
	if sc.JPEGQuality > 0 {
		cfg.JPEGQuality = sc.JPEGQuality
	}
	return cfg
}
