package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/driver"
	mediadevicescamera "github.com/pion/mediadevices/pkg/driver/camera"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/logger"
)

// DeviceInfo identifies a capture device.
type DeviceInfo struct {
	ID    string
	Label string
}

var facingKeywords = map[Facing][]string{
	FacingEnvironment: {"back", "rear", "environment", "world"},
	FacingUser:        {"front", "user", "face", "integrated"},
}

// SelectDevice picks the first device whose label matches the facing
// preference, or the first device when none does.
func SelectDevice(devices []DeviceInfo, facing Facing) (DeviceInfo, bool) {
	if len(devices) == 0 {
		return DeviceInfo{}, false
	}
	for _, d := range devices {
		label := strings.ToLower(d.Label)
		for _, kw := range facingKeywords[facing] {
			if strings.Contains(label, kw) {
				return d, true
			}
		}
	}
	return devices[0], true
}

// Webcam captures from a local video device through mediadevices.
type Webcam struct {
	mu      sync.Mutex
	label   string
	track   mediadevices.Track
	latest  *image.RGBA
	readErr error

	ready  chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWebcam creates a closed webcam source.
func NewWebcam() *Webcam {
	return &Webcam{label: "webcam"}
}

func (w *Webcam) Name() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.label
}

func listDevices() []DeviceInfo {
	drivers := driver.GetManager().Query(driver.FilterVideoRecorder())
	out := make([]DeviceInfo, 0, len(drivers))
	for _, d := range drivers {
		label := strings.Split(d.Info().Label, mediadevicescamera.LabelSeparator)[0]
		out = append(out, DeviceInfo{ID: d.ID(), Label: label})
	}
	return out
}

func makeConstraints(c Constraints, deviceID string) mediadevices.MediaStreamConstraints {
	width, height, fps := c.Width, c.Height, c.FrameRate
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	if fps <= 0 {
		fps = 30
	}
	return mediadevices.MediaStreamConstraints{
		Video: func(constraint *mediadevices.MediaTrackConstraints) {
			constraint.Width = prop.IntRanged{Min: 0, Ideal: width, Max: 4096}
			constraint.Height = prop.IntRanged{Min: 0, Ideal: height, Max: 2160}
			constraint.FrameRate = prop.FloatRanged{Min: 0, Ideal: float32(fps), Max: 140}
			if deviceID != "" {
				constraint.DeviceID = prop.StringExact(deviceID)
			}
		},
	}
}

// Open selects the device once (explicit ID, else facing preference) and
// starts capturing. There is no retry with another device on failure.
func (w *Webcam) Open(ctx context.Context, c Constraints) error {
	mediadevicescamera.Initialize()

	devices := listDevices()
	dev := DeviceInfo{ID: c.DeviceID, Label: c.DeviceID}
	if dev.ID == "" {
		var ok bool
		dev, ok = SelectDevice(devices, c.Facing)
		if !ok {
			return errors.New("no video capture device found")
		}
	}
	logger.Debug("Camera", "%d capture device(s); using %q", len(devices), dev.Label)

	stream, err := mediadevices.GetUserMedia(makeConstraints(c, dev.ID))
	if err != nil {
		return fmt.Errorf("failed to acquire %s: %w", dev.Label, err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		releaseTracks(stream.GetTracks(), "")
		return fmt.Errorf("device %s returned no video track", dev.Label)
	}
	vt, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		releaseTracks(stream.GetTracks(), "")
		return fmt.Errorf("device %s returned an unsupported track", dev.Label)
	}
	// Only the first video track is read.
	releaseTracks(stream.GetTracks(), vt.ID())

	captureCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})

	w.mu.Lock()
	w.label = "webcam:" + dev.Label
	w.track = vt
	w.latest = nil
	w.readErr = nil
	w.ready = ready
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.capture(captureCtx, vt.NewReader(false), ready)
	return nil
}

type closableTrack interface {
	ID() string
	Close() error
}

// releaseTracks closes every track except the one with ID keep.
func releaseTracks[T closableTrack](tracks []T, keep string) {
	for _, t := range tracks {
		if keep != "" && t.ID() == keep {
			continue
		}
		if err := t.Close(); err != nil {
			logger.Debug("Camera", "Failed to close track %s: %v", t.ID(), err)
		}
	}
}

// capture keeps the most recent frame; each frame is copied out before
// its buffer is released back to the driver.
func (w *Webcam) capture(ctx context.Context, reader video.Reader, ready chan struct{}) {
	defer w.wg.Done()

	var once sync.Once
	signal := func() { once.Do(func() { close(ready) }) }

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		img, release, err := reader.Read()
		if err != nil {
			w.mu.Lock()
			w.readErr = err
			w.mu.Unlock()
			signal()
			if ctx.Err() == nil {
				logger.Error("Camera", "Capture stopped: %v", err)
			}
			return
		}

		b := img.Bounds()
		rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
		if release != nil {
			release()
		}

		w.mu.Lock()
		w.latest = rgba
		w.mu.Unlock()
		signal()
	}
}

// Read returns the latest captured frame, waiting for the first one.
func (w *Webcam) Read(ctx context.Context) (image.Image, error) {
	w.mu.Lock()
	ready := w.ready
	w.mu.Unlock()
	if ready == nil {
		return nil, ErrNotOpen
	}

	select {
	case <-ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.readErr != nil {
		return nil, w.readErr
	}
	return w.latest, nil
}

func (w *Webcam) Close() error {
	w.mu.Lock()
	cancel, track := w.cancel, w.track
	w.cancel, w.track, w.ready = nil, nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	err := track.Close()
	w.wg.Wait()
	return err
}
