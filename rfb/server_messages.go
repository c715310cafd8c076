package rfb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// AppendVersion appends the RFB protocol version line.
func AppendVersion(dst []byte) []byte {
	return append(dst, RFBVersion...)
}

// AppendSecurityTypes appends the list of supported security types
func AppendSecurityTypes(dst []byte, types ...uint8) []byte {
	dst = append(dst, uint8(len(types)))
	return append(dst, types...)
}

// AppendSecurityResultOK appends a successful SecurityResult.
func AppendSecurityResultOK(dst []byte) []byte {
	return binary.BigEndian.AppendUint32(dst, SecurityResultOK)
}

// AppendSecurityResultFailed appends a failed SecurityResult followed by the
// length-prefixed reason string.
func AppendSecurityResultFailed(dst []byte, reason string) []byte {
	if len(reason) > MaxReasonLength {
		reason = reason[:MaxReasonLength]
	}
	dst = binary.BigEndian.AppendUint32(dst, SecurityResultFailed)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(reason)))
	return append(dst, reason...)
}

// AppendServerInit appends the server initialization message
func AppendServerInit(dst []byte, init ServerInit) []byte {
	name := init.Name
	if len(name) > MaxNameLength {
		name = name[:MaxNameLength]
	}
	dst = binary.BigEndian.AppendUint16(dst, init.Width)
	dst = binary.BigEndian.AppendUint16(dst, init.Height)
	dst = AppendPixelFormat(dst, init.PixelFormat)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(name)))
	return append(dst, name...)
}

// AppendFramebufferUpdate appends a FramebufferUpdate header announcing count
// rectangles. Each rectangle follows as a header plus its encoded payload.
func AppendFramebufferUpdate(dst []byte, count uint16) []byte {
	dst = append(dst, FramebufferUpdate, 0)
	return binary.BigEndian.AppendUint16(dst, count)
}

// AppendRectangleHeader appends the 12-byte rectangle header.
func AppendRectangleHeader(dst []byte, r Rectangle) []byte {
	dst = binary.BigEndian.AppendUint16(dst, r.X)
	dst = binary.BigEndian.AppendUint16(dst, r.Y)
	dst = binary.BigEndian.AppendUint16(dst, r.Width)
	dst = binary.BigEndian.AppendUint16(dst, r.Height)
	return binary.BigEndian.AppendUint32(dst, uint32(r.Encoding))
}

// The functions below implement the client side of the handshake over a
// blocking stream.

// SendRFBVersion sends the RFB protocol version
func SendRFBVersion(w io.Writer) error {
	_, err := io.WriteString(w, RFBVersion)
	return err
}

// ReadRFBVersion reads and returns the RFB protocol version
func ReadRFBVersion(r io.Reader) (string, error) {
	version := make([]byte, VersionLength)
	if _, err := io.ReadFull(r, version); err != nil {
		return "", err
	}
	return string(version), nil
}

// ReadSecurityTypes reads the list of supported security types. An empty list
// is followed by a reason string which is returned as the error.
func ReadSecurityTypes(r io.Reader) ([]uint8, error) {
	var numTypes [1]byte
	if _, err := io.ReadFull(r, numTypes[:]); err != nil {
		return nil, err
	}

	if numTypes[0] == 0 {
		reason, err := readReason(r)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("server sent no security types: %s", reason)
	}

	types := make([]uint8, numTypes[0])
	if _, err := io.ReadFull(r, types); err != nil {
		return nil, err
	}
	return types, nil
}

// SendSecurityChoice sends the security type chosen by the client.
func SendSecurityChoice(w io.Writer, securityType uint8) error {
	_, err := w.Write([]byte{securityType})
	return err
}

// ErrSecurityFailed is returned by ReadSecurityResult when the server rejected the handshake.
var ErrSecurityFailed = errors.New("rfb: security handshake failed")

// ReadSecurityResult reads the security handshake result. A failed result
// returns an error wrapping ErrSecurityFailed with the server's reason.
func ReadSecurityResult(r io.Reader) error {
	var result [4]byte
	if _, err := io.ReadFull(r, result[:]); err != nil {
		return err
	}
	if binary.BigEndian.Uint32(result[:]) == SecurityResultOK {
		return nil
	}
	reason, err := readReason(r)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrSecurityFailed, reason)
}

func readReason(r io.Reader) (string, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(length[:])
	if n > MaxReasonLength {
		return "", malformed("SecurityResult", "reason length %d exceeds limit of %d", n, MaxReasonLength)
	}
	reason := make([]byte, n)
	if _, err := io.ReadFull(r, reason); err != nil {
		return "", err
	}
	return string(reason), nil
}

// SendClientInit sends the ClientInit shared flag.
func SendClientInit(w io.Writer, shared bool) error {
	var flag byte
	if shared {
		flag = 1
	}
	_, err := w.Write([]byte{flag})
	return err
}

// ReadServerInit reads the server initialization message
func ReadServerInit(r io.Reader) (ServerInit, error) {
	var init ServerInit
	header := make([]byte, ServerInitHeaderLength)

	if _, err := io.ReadFull(r, header); err != nil {
		return init, err
	}

	init.Width = binary.BigEndian.Uint16(header[0:2])
	init.Height = binary.BigEndian.Uint16(header[2:4])
	pf, err := ParsePixelFormat(header[4:20])
	if err != nil {
		return init, err
	}
	init.PixelFormat = pf

	nameLen := binary.BigEndian.Uint32(header[20:24])
	if nameLen > MaxNameLength {
		return init, malformed("ServerInit", "name length %d exceeds limit of %d", nameLen, MaxNameLength)
	}
	if nameLen > 0 {
		nameBytes := make([]byte, nameLen)
		if _, err := io.ReadFull(r, nameBytes); err != nil {
			return init, err
		}
		init.Name = string(nameBytes)
	}
	return init, nil
}

// UpdateRectangle is one decoded rectangle of a FramebufferUpdate.
type UpdateRectangle struct {
	Rectangle
	Data []byte
}

// ReadFramebufferUpdate reads a FramebufferUpdate whose type byte has already
// been consumed. Raw rectangles carry w*h*bpp bytes in pf; DesktopSize carries none.
func ReadFramebufferUpdate(r io.Reader, pf PixelFormat) ([]UpdateRectangle, error) {
	var header [3]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	count := int(binary.BigEndian.Uint16(header[1:3]))
	if count > MaxRectangles {
		return nil, malformed("FramebufferUpdate", "%d rectangles exceeds limit of %d", count, MaxRectangles)
	}

	rects := make([]UpdateRectangle, 0, count)
	var rh [RectangleHeaderLength]byte
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(r, rh[:]); err != nil {
			return nil, err
		}
		rect := Rectangle{
			X:        binary.BigEndian.Uint16(rh[0:2]),
			Y:        binary.BigEndian.Uint16(rh[2:4]),
			Width:    binary.BigEndian.Uint16(rh[4:6]),
			Height:   binary.BigEndian.Uint16(rh[6:8]),
			Encoding: int32(binary.BigEndian.Uint32(rh[8:12])),
		}
		switch rect.Encoding {
		case RawEncoding:
			data := make([]byte, rect.Area()*pf.BytesPerPixel())
			if _, err := io.ReadFull(r, data); err != nil {
				return nil, err
			}
			rects = append(rects, UpdateRectangle{Rectangle: rect, Data: data})
		case DesktopSizeEncoding:
			rects = append(rects, UpdateRectangle{Rectangle: rect})
		default:
			return nil, malformed("FramebufferUpdate", "unsupported encoding %d", rect.Encoding)
		}
	}
	return rects, nil
}
