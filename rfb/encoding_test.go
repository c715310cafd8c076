package rfb

import (
	"bytes"
	"testing"
)

// 3x2 BGRA framebuffer, one distinct colour per pixel
var testFramebuffer = []byte{
	0, 0, 255, 255, 0, 255, 0, 255, 255, 0, 0, 255,
	0, 0, 0, 255, 255, 255, 255, 255, 10, 20, 30, 255,
}

func TestRawEncoderNative(t *testing.T) {
	enc := RawEncoder{}
	if enc.Type() != RawEncoding {
		t.Errorf("Type() = %d, want %d", enc.Type(), RawEncoding)
	}

	rect := Rectangle{X: 1, Y: 0, Width: 2, Height: 2}
	got := enc.Encode(nil, testFramebuffer, 12, rect, DefaultPixelFormat())
	want := []byte{
		0, 255, 0, 255, 255, 0, 0, 255,
		255, 255, 255, 255, 10, 20, 30, 255,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode() = %v, want %v", got, want)
	}
	if len(got) != EncodedLength(rect, DefaultPixelFormat()) {
		t.Errorf("len = %d, want %d", len(got), EncodedLength(rect, DefaultPixelFormat()))
	}
}

func TestRawEncoderConverts(t *testing.T) {
	tests := []struct {
		name string
		pf   PixelFormat
		want []byte
	}{
		{
			name: "rgb565 little endian",
			pf:   RGB565PixelFormat(),
			// red, green
			want: []byte{0x00, 0xF8, 0xE0, 0x07},
		},
		{
			name: "rgb565 big endian",
			pf: func() PixelFormat {
				pf := RGB565PixelFormat()
				pf.BigEndianFlag = 1
				return pf
			}(),
			want: []byte{0xF8, 0x00, 0x07, 0xE0},
		},
		{
			name: "32bpp big endian",
			pf: func() PixelFormat {
				pf := DefaultPixelFormat()
				pf.BigEndianFlag = 1
				return pf
			}(),
			want: []byte{0, 0xFF, 0, 0, 0, 0, 0xFF, 0},
		},
		{
			name: "bgr233",
			pf:   PixelFormat{BitsPerPixel: 8, Depth: 8, TrueColorFlag: 1, RedMax: 7, GreenMax: 7, BlueMax: 3, RedShift: 0, GreenShift: 3, BlueShift: 6},
			want: []byte{0x07, 0x38},
		},
	}

	rect := Rectangle{Width: 2, Height: 1}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RawEncoder{}.Encode(nil, testFramebuffer, 12, rect, tt.pf)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("Encode() = %#v, want %#v", got, tt.want)
			}
			if len(got) != EncodedLength(rect, tt.pf) {
				t.Errorf("len = %d, want %d", len(got), EncodedLength(rect, tt.pf))
			}
		})
	}
}

func TestSelectEncoder(t *testing.T) {
	if e := SelectEncoder([]int32{16, 7, DesktopSizeEncoding}); e.Type() != RawEncoding {
		t.Errorf("SelectEncoder() = %d, want raw fallback", e.Type())
	}
	if e := SelectEncoder(nil); e.Type() != RawEncoding {
		t.Errorf("SelectEncoder(nil) = %d, want raw", e.Type())
	}
	if got := EncodingName(DesktopSizeEncoding); got != "DesktopSize" {
		t.Errorf("EncodingName(-223) = %q", got)
	}
}
