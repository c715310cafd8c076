package rfb

import (
	"fmt"
	"math/bits"
)

// PixelFormat represents the RFB pixel format structure
type PixelFormat struct {
	BitsPerPixel  uint8
	Depth         uint8
	BigEndianFlag uint8
	TrueColorFlag uint8
	RedMax        uint16
	GreenMax      uint16
	BlueMax       uint16
	RedShift      uint8
	GreenShift    uint8
	BlueShift     uint8
	Padding       [3]uint8
}

// Resolution is a framebuffer size in pixels.
type Resolution struct {
	Width  uint16
	Height uint16
}

// Valid reports whether both dimensions are non-zero.
func (r Resolution) Valid() bool {
	return r.Width > 0 && r.Height > 0
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// ServerInit represents the server initialization message
type ServerInit struct {
	Width       uint16
	Height      uint16
	PixelFormat PixelFormat
	Name        string
}

// Rectangle is the header of one rectangle inside a FramebufferUpdate.
type Rectangle struct {
	X        uint16
	Y        uint16
	Width    uint16
	Height   uint16
	Encoding int32
}

// Area returns the number of pixels covered by the rectangle.
func (r Rectangle) Area() int {
	return int(r.Width) * int(r.Height)
}

// Empty reports whether the rectangle covers no pixels.
func (r Rectangle) Empty() bool {
	return r.Width == 0 || r.Height == 0
}

// Clip returns the intersection of r with a framebuffer of the given size.
func (r Rectangle) Clip(res Resolution) Rectangle {
	out := Rectangle{Encoding: r.Encoding}
	if r.X >= res.Width || r.Y >= res.Height {
		out.X, out.Y = min(r.X, res.Width), min(r.Y, res.Height)
		return out
	}
	out.X, out.Y = r.X, r.Y
	out.Width = uint16(min(int(r.X)+int(r.Width), int(res.Width)) - int(r.X))
	out.Height = uint16(min(int(r.Y)+int(r.Height), int(res.Height)) - int(r.Y))
	return out
}

// DefaultPixelFormat returns the standard 32bpp BGRA pixel format
func DefaultPixelFormat() PixelFormat {
	return PixelFormat{
		BitsPerPixel:  32,
		Depth:         24,
		BigEndianFlag: 0, // little-endian
		TrueColorFlag: 1,
		RedMax:        255,
		GreenMax:      255,
		BlueMax:       255,
		RedShift:      16,
		GreenShift:    8,
		BlueShift:     0,
	}
}

// RGB565PixelFormat returns a 16bpp RGB565 pixel format
func RGB565PixelFormat() PixelFormat {
	return PixelFormat{
		BitsPerPixel:  16,
		Depth:         16,
		BigEndianFlag: 0,
		TrueColorFlag: 1,
		RedMax:        31, // 5 bits
		GreenMax:      63, // 6 bits
		BlueMax:       31, // 5 bits
		RedShift:      11,
		GreenShift:    5,
		BlueShift:     0,
	}
}

// BytesPerPixel returns the number of bytes one pixel occupies on the wire.
func (pf PixelFormat) BytesPerPixel() int {
	return int(pf.BitsPerPixel) / 8
}

// IsBigEndian reports whether multi-byte pixels are sent most significant byte first.
func (pf PixelFormat) IsBigEndian() bool {
	return pf.BigEndianFlag != 0
}

// PixelFormatError describes why a pixel format was rejected.
type PixelFormatError struct {
	Field   string
	Value   any
	Message string
}

func (e *PixelFormatError) Error() string {
	return fmt.Sprintf("invalid pixel format: %s: %s (value: %v)", e.Field, e.Message, e.Value)
}

// Validate checks that the format can be produced by this server: true colour,
// 8/16/32 bits per pixel, and every channel fitting inside the pixel.
func (pf PixelFormat) Validate() error {
	switch pf.BitsPerPixel {
	case 8, 16, 32:
	default:
		return &PixelFormatError{"BitsPerPixel", pf.BitsPerPixel, "must be 8, 16 or 32"}
	}
	if pf.Depth == 0 || pf.Depth > pf.BitsPerPixel {
		return &PixelFormatError{"Depth", pf.Depth, fmt.Sprintf("must be between 1 and %d", pf.BitsPerPixel)}
	}
	if pf.TrueColorFlag == 0 {
		return &PixelFormatError{"TrueColorFlag", pf.TrueColorFlag, "colour map formats are not supported"}
	}

	channels := []struct {
		name  string
		max   uint16
		shift uint8
	}{
		{"Red", pf.RedMax, pf.RedShift},
		{"Green", pf.GreenMax, pf.GreenShift},
		{"Blue", pf.BlueMax, pf.BlueShift},
	}
	for _, ch := range channels {
		if ch.max == 0 || ch.max&(ch.max+1) != 0 {
			return &PixelFormatError{ch.name + "Max", ch.max, "must be 2^n-1"}
		}
		width := bits.Len16(ch.max)
		if int(ch.shift)+width > int(pf.BitsPerPixel) {
			return &PixelFormatError{
				ch.name + "Shift", ch.shift,
				fmt.Sprintf("%d-bit channel does not fit in %d bits per pixel", width, pf.BitsPerPixel),
			}
		}
	}
	return nil
}

// ParsePixelFormat decodes the 16-byte pixel format block.
func ParsePixelFormat(b []byte) (PixelFormat, error) {
	if len(b) < PixelFormatLength {
		return PixelFormat{}, fmt.Errorf("pixel format needs %d bytes, got %d", PixelFormatLength, len(b))
	}
	return PixelFormat{
		BitsPerPixel:  b[0],
		Depth:         b[1],
		BigEndianFlag: b[2],
		TrueColorFlag: b[3],
		RedMax:        uint16(b[4])<<8 | uint16(b[5]),
		GreenMax:      uint16(b[6])<<8 | uint16(b[7]),
		BlueMax:       uint16(b[8])<<8 | uint16(b[9]),
		RedShift:      b[10],
		GreenShift:    b[11],
		BlueShift:     b[12],
		Padding:       [3]uint8{b[13], b[14], b[15]},
	}, nil
}

// AppendPixelFormat appends the 16-byte wire form of pf to dst.
func AppendPixelFormat(dst []byte, pf PixelFormat) []byte {
	return append(dst,
		pf.BitsPerPixel,
		pf.Depth,
		pf.BigEndianFlag,
		pf.TrueColorFlag,
		uint8(pf.RedMax>>8), uint8(pf.RedMax),
		uint8(pf.GreenMax>>8), uint8(pf.GreenMax),
		uint8(pf.BlueMax>>8), uint8(pf.BlueMax),
		pf.RedShift,
		pf.GreenShift,
		pf.BlueShift,
		pf.Padding[0], pf.Padding[1], pf.Padding[2],
	)
}

func (pf PixelFormat) String() string {
	order := "le"
	if pf.IsBigEndian() {
		order = "be"
	}
	return fmt.Sprintf("%dbpp/%d %s rgb-max=%d,%d,%d rgb-shift=%d,%d,%d",
		pf.BitsPerPixel, pf.Depth, order,
		pf.RedMax, pf.GreenMax, pf.BlueMax,
		pf.RedShift, pf.GreenShift, pf.BlueShift)
}
