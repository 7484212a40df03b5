package camera

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/config"
)

// Facing is the preferred camera direction.
type Facing string

const (
	FacingAny         Facing = ""
	FacingEnvironment Facing = "environment"
	FacingUser        Facing = "user"
)

// Constraints are preferences, not guarantees: a source picks the
// closest mode it can deliver.
type Constraints struct {
	Width     int
	Height    int
	FrameRate float64
	Facing    Facing
	DeviceID  string
}

// ConstraintsFromConfig maps the camera section onto Constraints.
func ConstraintsFromConfig(cfg config.CameraConfig) Constraints {
	return Constraints{
		Width:     cfg.Width,
		Height:    cfg.Height,
		FrameRate: cfg.FrameRate,
		Facing:    Facing(cfg.Facing),
		DeviceID:  cfg.DeviceID,
	}
}

// Source delivers decoded frames from one device.
type Source interface {
	// Open acquires the device.
	Open(ctx context.Context, c Constraints) error
	// Read returns the latest decoded image, blocking until one exists.
	Read(ctx context.Context) (image.Image, error)
	Close() error
	Name() string
}

// ErrNotOpen is returned by Read before a successful Open.
var ErrNotOpen = errors.New("camera is not open")

// CameraAccessError reports a device that could not be acquired
// (permission denied, no device, undecodable stream). It is terminal.
type CameraAccessError struct {
	Device string
	Err    error
}

func (e *CameraAccessError) Error() string {
	return fmt.Sprintf("camera %s unavailable: %v", e.Device, e.Err)
}

func (e *CameraAccessError) Unwrap() error {
	return e.Err
}

// NewSource builds the source selected by cfg.Source.
func NewSource(cfg config.CameraConfig) (Source, error) {
	switch cfg.Source {
	case "webcam":
		return NewWebcam(), nil
	case "testpattern":
		return NewTestPattern(), nil
	case "file":
		return NewFileSource(cfg.Path), nil
	default:
		return nil, fmt.Errorf("unknown camera source %q", cfg.Source)
	}
}
