package rfb

import "image/color"

// appendConverted appends each BGRA pixel of src to dst in pf.
func appendConverted(dst, src []byte, pf PixelFormat) []byte {
	bpp := pf.BytesPerPixel()
	var px [4]byte
	for i := 0; i+4 <= len(src); i += 4 {
		WritePixelValue(px[:bpp], packPixel(src[i+2], src[i+1], src[i], pf), pf.BigEndianFlag)
		dst = append(dst, px[:bpp]...)
	}
	return dst
}

// packPixel scales 8-bit channels to the format's maxima and shifts them into place.
func packPixel(r, g, b uint8, pf PixelFormat) uint32 {
	sr := uint32(r) * uint32(pf.RedMax) / 255
	sg := uint32(g) * uint32(pf.GreenMax) / 255
	sb := uint32(b) * uint32(pf.BlueMax) / 255
	return sr<<pf.RedShift | sg<<pf.GreenShift | sb<<pf.BlueShift
}

// WritePixelValue writes a pixel value to the buffer in the specified endianness
func WritePixelValue(buffer []byte, value uint32, bigEndian uint8) {
	n := len(buffer)
	for i := 0; i < n; i++ {
		shift := 8 * uint(i)
		if bigEndian != 0 {
			shift = 8 * uint(n-1-i)
		}
		buffer[i] = uint8(value >> shift)
	}
}

// ReadPixelValue reads a pixel value from the buffer considering endianness
func ReadPixelValue(buffer []byte, bigEndian uint8) uint32 {
	var v uint32
	if bigEndian != 0 {
		for _, b := range buffer {
			v = v<<8 | uint32(b)
		}
		return v
	}
	for i := len(buffer) - 1; i >= 0; i-- {
		v = v<<8 | uint32(buffer[i])
	}
	return v
}

// ConvertPixelToRGBA converts a pixel from the server's format to RGBA
func ConvertPixelToRGBA(pixelBytes []byte, pf PixelFormat) color.RGBA {
	pixelValue := ReadPixelValue(pixelBytes, pf.BigEndianFlag)

	redBits := (pixelValue >> pf.RedShift) & uint32(pf.RedMax)
	greenBits := (pixelValue >> pf.GreenShift) & uint32(pf.GreenMax)
	blueBits := (pixelValue >> pf.BlueShift) & uint32(pf.BlueMax)

	var r, g, b uint8
	if pf.RedMax > 0 {
		r = uint8((redBits * 255) / uint32(pf.RedMax))
	}
	if pf.GreenMax > 0 {
		g = uint8((greenBits * 255) / uint32(pf.GreenMax))
	}
	if pf.BlueMax > 0 {
		b = uint8((blueBits * 255) / uint32(pf.BlueMax))
	}
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

// IsDefaultPixelFormat checks if a pixel format matches the default 32bpp BGRA
// format. Padding bytes are ignored.
func IsDefaultPixelFormat(pf PixelFormat) bool {
	pf.Padding = [3]uint8{}
	return pf == DefaultPixelFormat()
}
