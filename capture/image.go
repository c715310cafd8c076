package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"math"
	"os"
	"sync"
	"time"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Image is a Capturer that serves the contents of an image file. The file is
// decoded again whenever its modification time or size changes, so replacing
// it on disk changes what clients see.
type Image struct {
	path   string
	width  int
	height int

	mu      sync.Mutex
	modTime time.Time
	size    int64
	frame   *Snapshot
}

// NewImage serves path scaled to width x height. A zero width or height keeps
// the image's own size.
func NewImage(path string, width, height uint16) *Image {
	return &Image{path: path, width: int(width), height: int(height)}
}

// Capture returns a copy of the current frame. A missing or undecodable file
// is reported as ErrUnavailable.
func (im *Image) Capture(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	im.mu.Lock()
	defer im.mu.Unlock()

	info, err := os.Stat(im.path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrFatal, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if im.frame == nil || !info.ModTime().Equal(im.modTime) || info.Size() != im.size {
		frame, err := im.load()
		if err != nil {
			return nil, err
		}
		im.frame, im.modTime, im.size = frame, info.ModTime(), info.Size()
	}

	out := &Snapshot{Width: im.frame.Width, Height: im.frame.Height, Pix: make([]byte, len(im.frame.Pix))}
	copy(out.Pix, im.frame.Pix)
	return out, nil
}

func (im *Image) load() (*Snapshot, error) {
	f, err := os.Open(im.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer f.Close()

	src, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrUnavailable, im.path, err)
	}

	bounds := src.Bounds()
	w, h := im.width, im.height
	if w == 0 || h == 0 {
		w, h = bounds.Dx(), bounds.Dy()
	}
	if w <= 0 || h <= 0 || w > math.MaxUint16 || h > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %s image is %dx%d", ErrUnavailable, format, w, h)
	}

	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(rgba, rgba.Bounds(), src, bounds, xdraw.Src, nil)
	return rgbaToSnapshot(rgba), nil
}

// rgbaToSnapshot swaps the red and blue channels into the native byte order.
func rgbaToSnapshot(img *image.RGBA) *Snapshot {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	snap := NewSnapshot(uint16(w), uint16(h))
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w*4; x += 4 {
			i := y*w*4 + x
			snap.Pix[i] = row[x+2]
			snap.Pix[i+1] = row[x+1]
			snap.Pix[i+2] = row[x]
			snap.Pix[i+3] = row[x+3]
		}
	}
	return snap
}
