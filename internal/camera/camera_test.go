package camera

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/config"
)

func TestTestPatternCamera(t *testing.T) {
	cam := New(NewTestPattern())
	require.Equal(t, PhaseIdle, cam.Status().Phase)

	_, err := cam.Read(context.Background())
	require.ErrorIs(t, err, ErrNotOpen)

	require.NoError(t, cam.Open(context.Background(), Constraints{Width: 320, Height: 240}))
	st := cam.Status()
	require.Equal(t, PhaseReady, st.Phase)
	require.Equal(t, 320, st.Width)
	require.Equal(t, 240, st.Height)

	f1, err := cam.Read(context.Background())
	require.NoError(t, err)
	f2, err := cam.Read(context.Background())
	require.NoError(t, err)

	require.Equal(t, uint64(1), f1.FrameNum)
	require.Equal(t, uint64(2), f2.FrameNum)
	require.Equal(t, 320, f1.Width)
	require.NotEqual(t, f1.Image.(*image.RGBA).Pix, f2.Image.(*image.RGBA).Pix, "marker moves between frames")

	require.NoError(t, cam.Close())
	require.Equal(t, PhaseIdle, cam.Status().Phase)
}

func TestTestPatternDefaultsSize(t *testing.T) {
	p := NewTestPattern()
	require.NoError(t, p.Open(context.Background(), Constraints{}))
	img, err := p.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, image.Pt(640, 480), img.Bounds().Size())
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "still.png")
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, ColorBars(80, 60)))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	src, err := NewSource(config.CameraConfig{Source: "file", Path: path})
	require.NoError(t, err)

	cam := New(src)
	require.NoError(t, cam.Open(context.Background(), Constraints{Width: 1920, Height: 1080}))
	st := cam.Status()
	require.Equal(t, 80, st.Width, "preferred size is not guaranteed")
	require.Equal(t, 60, st.Height)
}

func TestMissingFileIsAccessError(t *testing.T) {
	cam := New(NewFileSource(filepath.Join(t.TempDir(), "missing.jpg")))

	err := cam.Open(context.Background(), Constraints{})
	var accessErr *CameraAccessError
	require.ErrorAs(t, err, &accessErr)
	require.ErrorIs(t, err, os.ErrNotExist)

	st := cam.Status()
	require.Equal(t, PhaseError, st.Phase)
	require.NotEmpty(t, st.Message)

	_, err = cam.Read(context.Background())
	require.ErrorIs(t, err, ErrNotOpen)
}

func TestSelectDevice(t *testing.T) {
	devices := []DeviceInfo{
		{ID: "0", Label: "Integrated Webcam"},
		{ID: "1", Label: "USB Rear Camera"},
	}

	d, ok := SelectDevice(devices, FacingEnvironment)
	require.True(t, ok)
	require.Equal(t, "1", d.ID)

	d, _ = SelectDevice(devices, FacingUser)
	require.Equal(t, "0", d.ID)

	d, _ = SelectDevice([]DeviceInfo{{ID: "x", Label: "Capture"}}, FacingEnvironment)
	require.Equal(t, "x", d.ID)

	_, ok = SelectDevice(nil, FacingAny)
	require.False(t, ok)
}

func TestNewSourceUnknown(t *testing.T) {
	_, err := NewSource(config.CameraConfig{Source: "rtsp"})
	require.Error(t, err)
}

type fakeTrack struct {
	id     string
	closed bool
}

func (f *fakeTrack) ID() string   { return f.id }
func (f *fakeTrack) Close() error { f.closed = true; return nil }

func TestReleaseTracks(t *testing.T) {
	video := &fakeTrack{id: "video"}
	audio := &fakeTrack{id: "audio"}

	releaseTracks([]*fakeTrack{video, audio}, "video")
	require.False(t, video.closed)
	require.True(t, audio.closed)

	// Nothing is kept on a failed open.
	video.closed, audio.closed = false, false
	releaseTracks([]*fakeTrack{video, audio}, "")
	require.True(t, video.closed)
	require.True(t, audio.closed)
}
