package rfb

// Encoder turns a region of a native BGRA framebuffer into rectangle payload
// bytes in a client's pixel format.
type Encoder interface {
	// Type is the encoding number written in the rectangle header.
	Type() int32
	// Encode appends the payload for rect to dst. src holds the whole
	// framebuffer with stride bytes per row.
	Encode(dst, src []byte, stride int, rect Rectangle, pf PixelFormat) []byte
}

// RawEncoder sends pixels uncompressed, row by row.
type RawEncoder struct{}

func (RawEncoder) Type() int32 { return RawEncoding }

func (RawEncoder) Encode(dst, src []byte, stride int, rect Rectangle, pf PixelFormat) []byte {
	native := IsDefaultPixelFormat(pf)
	rowBytes := int(rect.Width) * 4
	for y := int(rect.Y); y < int(rect.Y)+int(rect.Height); y++ {
		start := y*stride + int(rect.X)*4
		row := src[start : start+rowBytes]
		if native {
			dst = append(dst, row...)
			continue
		}
		dst = appendConverted(dst, row, pf)
	}
	return dst
}

// EncodedLength returns the raw payload size for rect in pf. It is zero for
// an empty rect.
func EncodedLength(rect Rectangle, pf PixelFormat) int {
	return rect.Area() * pf.BytesPerPixel()
}

var encoders = map[int32]Encoder{
	RawEncoding: RawEncoder{},
}

// SelectEncoder returns the first registered encoder in the client's
// preference list, falling back to raw.
func SelectEncoder(preferred []int32) Encoder {
	for _, t := range preferred {
		if e, ok := encoders[t]; ok {
			return e
		}
	}
	return RawEncoder{}
}

// EncodingName returns a readable name for an encoding number.
func EncodingName(t int32) string {
	switch t {
	case RawEncoding:
		return "Raw"
	case 1:
		return "CopyRect"
	case 2:
		return "RRE"
	case 5:
		return "Hextile"
	case 6:
		return "Zlib"
	case 7:
		return "Tight"
	case 16:
		return "ZRLE"
	case DesktopSizeEncoding:
		return "DesktopSize"
	case -224:
		return "LastRect"
	case -239:
		return "Cursor"
	default:
		return "Unknown"
	}
}
