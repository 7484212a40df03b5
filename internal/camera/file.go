package camera

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/logger"
)

// FileSource serves one still image decoded from disk.
type FileSource struct {
	path string

	mu  sync.Mutex
	img image.Image
}

// NewFileSource creates a source for the image at path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (f *FileSource) Name() string { return "file:" + f.path }

// Open decodes the image. Constraints are ignored; the image keeps its size.
func (f *FileSource) Open(ctx context.Context, _ Constraints) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fh, err := os.Open(f.path)
	if err != nil {
		return err
	}
	defer fh.Close()

	img, format, err := image.Decode(fh)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", f.path, err)
	}
	logger.Debug("Camera", "Decoded %s as %s", f.path, format)

	f.mu.Lock()
	f.img = img
	f.mu.Unlock()
	return nil
}

func (f *FileSource) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.img == nil {
		return nil, ErrNotOpen
	}
	return f.img, nil
}

func (f *FileSource) Close() error {
	f.mu.Lock()
	f.img = nil
	f.mu.Unlock()
	return nil
}
