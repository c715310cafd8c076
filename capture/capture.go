// Package capture produces framebuffer snapshots for RFB sessions.
//
// A Capturer grabs pixels from some backing surface. Source wraps a Capturer
// with serialisation, bounded retries, pacing and a fatal-error latch, and Pool
// runs Source captures off the network event loops.
package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/coder/rfbd/rfb"
)

var (
	// ErrUnavailable is a transient capture failure. The caller may try again later.
	ErrUnavailable = errors.New("capture: frame unavailable")

	// ErrFatal is a permanent capture failure. A Source that sees it stops capturing.
	ErrFatal = errors.New("capture: fatal failure")

	// ErrBusy is returned by Pool.Request when the request queue is full.
	ErrBusy = errors.New("capture: pool busy")

	// ErrClosed is returned by Pool.Request after Close.
	ErrClosed = errors.New("capture: pool closed")
)

// Snapshot is one captured frame in the server's native pixel format
// (rfb.DefaultPixelFormat, BGRA byte order). A snapshot is never modified
// after it is returned and is never shared between callers.
type Snapshot struct {
	Width  uint16
	Height uint16
	Pix    []byte
}

// NewSnapshot allocates a zeroed snapshot of the given size.
func NewSnapshot(width, height uint16) *Snapshot {
	return &Snapshot{
		Width:  width,
		Height: height,
		Pix:    make([]byte, int(width)*int(height)*4),
	}
}

// Resolution returns the snapshot size.
func (s *Snapshot) Resolution() rfb.Resolution {
	return rfb.Resolution{Width: s.Width, Height: s.Height}
}

// Stride is the number of bytes per row.
func (s *Snapshot) Stride() int {
	return int(s.Width) * 4
}

// Validate checks the size invariant.
func (s *Snapshot) Validate() error {
	if s == nil {
		return errors.New("nil snapshot")
	}
	if s.Width == 0 || s.Height == 0 {
		return fmt.Errorf("empty snapshot %dx%d", s.Width, s.Height)
	}
	if want := int(s.Width) * int(s.Height) * 4; len(s.Pix) != want {
		return fmt.Errorf("snapshot %dx%d has %d bytes, want %d", s.Width, s.Height, len(s.Pix), want)
	}
	return nil
}

// Capturer grabs the current contents of a framebuffer.
type Capturer interface {
	Capture(ctx context.Context) (*Snapshot, error)
}

// CapturerFunc adapts a function to the Capturer interface.
type CapturerFunc func(ctx context.Context) (*Snapshot, error)

func (f CapturerFunc) Capture(ctx context.Context) (*Snapshot, error) {
	return f(ctx)
}
