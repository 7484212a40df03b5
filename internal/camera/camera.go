package camera

import (
	"context"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/pkg/types"
)

// Phase is the camera state.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseOpening Phase = "opening"
	PhaseReady   Phase = "ready"
	PhaseError   Phase = "error"
)

// Status is a copy of the camera state.
type Status struct {
	Phase   Phase  `json:"phase"`
	Source  string `json:"source"`
	Message string `json:"message,omitempty"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
}

// Camera wraps a Source with readiness tracking and frame numbering.
type Camera struct {
	src Source

	mu       sync.Mutex
	status   Status
	frameNum uint64
}

// New wraps src.
func New(src Source) *Camera {
	return &Camera{
		src:    src,
		status: Status{Phase: PhaseIdle, Source: src.Name()},
	}
}

// Open acquires the device and waits for the first decodable frame, whose
// size becomes the frame size. Any failure is a terminal CameraAccessError.
func (c *Camera) Open(ctx context.Context, cons Constraints) error {
	c.setStatus(func(s *Status) { s.Phase = PhaseOpening })
	logger.Info("Camera", "Opening %s (preferred %dx%d, facing %q)", c.src.Name(), cons.Width, cons.Height, cons.Facing)

	if err := c.src.Open(ctx, cons); err != nil {
		return c.fail(err)
	}

	img, err := c.src.Read(ctx)
	if err != nil {
		_ = c.src.Close()
		return c.fail(err)
	}

	b := img.Bounds()
	c.setStatus(func(s *Status) {
		s.Phase = PhaseReady
		s.Width = b.Dx()
		s.Height = b.Dy()
	})
	logger.Info("Camera", "%s ready at %dx%d", c.src.Name(), b.Dx(), b.Dy())
	return nil
}

func (c *Camera) fail(err error) error {
	accessErr := &CameraAccessError{Device: c.src.Name(), Err: err}
	c.setStatus(func(s *Status) {
		s.Phase = PhaseError
		s.Message = accessErr.Error()
	})
	logger.Error("Camera", "%v", accessErr)
	return accessErr
}

// Read returns the latest frame, numbered in read order.
func (c *Camera) Read(ctx context.Context) (*types.Frame, error) {
	if c.Status().Phase != PhaseReady {
		return nil, ErrNotOpen
	}
	img, err := c.src.Read(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.frameNum++
	n := c.frameNum
	c.mu.Unlock()

	return types.NewFrame(img, n, time.Now()), nil
}

// Status returns a copy of the camera state.
func (c *Camera) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Camera) setStatus(fn func(*Status)) {
	c.mu.Lock()
	fn(&c.status)
	c.mu.Unlock()
}

// Close releases the device.
func (c *Camera) Close() error {
	c.setStatus(func(s *Status) {
		if s.Phase == PhaseReady {
			s.Phase = PhaseIdle
		}
	})
	return c.src.Close()
}
