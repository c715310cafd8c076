package rfb

import (
	"encoding/binary"
	"fmt"
)

// ClientMessage is a decoded client-to-server message.
type ClientMessage interface {
	MessageType() uint8
}

type SetPixelFormatMessage struct {
	Format PixelFormat
}

type SetEncodingsMessage struct {
	Encodings []int32
}

type FramebufferUpdateRequestMessage struct {
	Incremental bool
	X           uint16
	Y           uint16
	Width       uint16
	Height      uint16
}

// Rect returns the requested area as a rectangle.
func (m FramebufferUpdateRequestMessage) Rect() Rectangle {
	return Rectangle{X: m.X, Y: m.Y, Width: m.Width, Height: m.Height}
}

type KeyEventMessage struct {
	Down bool
	Key  uint32
}

type PointerEventMessage struct {
	ButtonMask uint8
	X          uint16
	Y          uint16
}

type ClientCutTextMessage struct {
	Text []byte
}

// UnknownMessage is an extension message this server skips. Only opcodes
// whose length can be derived from the header are ever returned as unknown.
type UnknownMessage struct {
	Opcode uint8
	Length int
}

func (SetPixelFormatMessage) MessageType() uint8           { return SetPixelFormat }
func (SetEncodingsMessage) MessageType() uint8             { return SetEncodings }
func (FramebufferUpdateRequestMessage) MessageType() uint8 { return FramebufferUpdateRequest }
func (KeyEventMessage) MessageType() uint8                 { return KeyEvent }
func (PointerEventMessage) MessageType() uint8             { return PointerEvent }
func (ClientCutTextMessage) MessageType() uint8            { return ClientCutText }
func (m UnknownMessage) MessageType() uint8                { return m.Opcode }

// MessageName returns a readable name for a client message type.
func MessageName(messageType uint8) string {
	switch messageType {
	case SetPixelFormat:
		return "SetPixelFormat"
	case SetEncodings:
		return "SetEncodings"
	case FramebufferUpdateRequest:
		return "FramebufferUpdateRequest"
	case KeyEvent:
		return "KeyEvent"
	case PointerEvent:
		return "PointerEvent"
	case ClientCutText:
		return "ClientCutText"
	case EnableContinuousUpdates:
		return "EnableContinuousUpdates"
	case ClientFence:
		return "ClientFence"
	case Xvp:
		return "Xvp"
	case SetDesktopSize:
		return "SetDesktopSize"
	default:
		return fmt.Sprintf("Unknown(%d)", messageType)
	}
}

// Decoder decodes client messages with configurable length bounds.
type Decoder struct {
	// MaxCutTextLength bounds ClientCutText payloads. Zero means MaxCutTextLength.
	MaxCutTextLength int
}

var defaultDecoder Decoder

// DecodeClientMessage decodes one client message from the front of b using
// the default limits.
func DecodeClientMessage(b []byte) (ClientMessage, int, error) {
	return defaultDecoder.Decode(b)
}

func (d Decoder) maxCutText() int {
	if d.MaxCutTextLength > 0 {
		return d.MaxCutTextLength
	}
	return MaxCutTextLength
}

// messageLength returns the full length of the client message starting at
// data, or ErrIncomplete when data is too short to read a length field.
func (d Decoder) messageLength(messageType byte, data []byte) (int, error) {
	switch messageType {
	case SetPixelFormat:
		return SetPixelFormatLength, nil
	case SetEncodings:
		if len(data) < 4 {
			return 0, ErrIncomplete
		}
		numEncodings := int(binary.BigEndian.Uint16(data[2:4]))
		if numEncodings > MaxEncodings {
			return 0, malformed("SetEncodings", "%d encodings exceeds limit of %d", numEncodings, MaxEncodings)
		}
		return 4 + numEncodings*4, nil
	case FramebufferUpdateRequest:
		return FramebufferUpdateRequestLength, nil
	case KeyEvent:
		return KeyEventLength, nil
	case PointerEvent:
		return PointerEventLength, nil
	case ClientCutText:
		if len(data) < ClientCutTextHeaderLength {
			return 0, ErrIncomplete
		}
		textLength := binary.BigEndian.Uint32(data[4:8])
		if textLength > uint32(d.maxCutText()) {
			return 0, malformed("ClientCutText", "text length %d exceeds limit of %d", textLength, d.maxCutText())
		}
		return ClientCutTextHeaderLength + int(textLength), nil
	case EnableContinuousUpdates:
		return 10, nil
	case ClientFence:
		if len(data) < 9 {
			return 0, ErrIncomplete
		}
		if int(data[8]) > maxFenceDataBytes {
			return 0, malformed("ClientFence", "payload length %d exceeds %d", data[8], maxFenceDataBytes)
		}
		return 9 + int(data[8]), nil
	case Xvp:
		return 4, nil
	case SetDesktopSize:
		if len(data) < 7 {
			return 0, ErrIncomplete
		}
		return 8 + int(data[6])*16, nil
	default:
		return 0, malformed("ClientMessage", "unknown message type %d", messageType)
	}
}

// Decode decodes one client message from the front of b. It returns the
// message and the number of bytes it occupied, ErrIncomplete when b holds only
// part of a message, or an error matching ErrMalformed.
func (d Decoder) Decode(b []byte) (ClientMessage, int, error) {
	if len(b) == 0 {
		return nil, 0, ErrIncomplete
	}
	n, err := d.messageLength(b[0], b)
	if err != nil {
		return nil, 0, err
	}
	if len(b) < n {
		return nil, 0, ErrIncomplete
	}
	data := b[:n]

	switch data[0] {
	case SetPixelFormat:
		pf, err := ParseSetPixelFormat(data)
		if err != nil {
			return nil, 0, malformed("SetPixelFormat", "%v", err)
		}
		return SetPixelFormatMessage{Format: pf}, n, nil
	case SetEncodings:
		count := int(binary.BigEndian.Uint16(data[2:4]))
		encodings := make([]int32, count)
		for i := range encodings {
			encodings[i] = int32(binary.BigEndian.Uint32(data[4+i*4:]))
		}
		return SetEncodingsMessage{Encodings: encodings}, n, nil
	case FramebufferUpdateRequest:
		return FramebufferUpdateRequestMessage{
			Incremental: data[1] != 0,
			X:           binary.BigEndian.Uint16(data[2:4]),
			Y:           binary.BigEndian.Uint16(data[4:6]),
			Width:       binary.BigEndian.Uint16(data[6:8]),
			Height:      binary.BigEndian.Uint16(data[8:10]),
		}, n, nil
	case KeyEvent:
		return KeyEventMessage{
			Down: data[1] != 0,
			Key:  binary.BigEndian.Uint32(data[4:8]),
		}, n, nil
	case PointerEvent:
		return PointerEventMessage{
			ButtonMask: data[1],
			X:          binary.BigEndian.Uint16(data[2:4]),
			Y:          binary.BigEndian.Uint16(data[4:6]),
		}, n, nil
	case ClientCutText:
		text := make([]byte, n-8)
		copy(text, data[8:])
		return ClientCutTextMessage{Text: text}, n, nil
	default:
		return UnknownMessage{Opcode: data[0], Length: n}, n, nil
	}
}

// DecodeVersion decodes the 12-byte ProtocolVersion line.
func DecodeVersion(b []byte) (string, int, error) {
	if len(b) < VersionLength {
		return "", 0, ErrIncomplete
	}
	return string(b[:VersionLength]), VersionLength, nil
}

// DecodeSecurityChoice decodes the security type selected by the client.
func DecodeSecurityChoice(b []byte) (uint8, int, error) {
	if len(b) < SecurityChoiceLength {
		return 0, 0, ErrIncomplete
	}
	return b[0], SecurityChoiceLength, nil
}

// DecodeClientInit decodes the ClientInit shared-flag byte.
func DecodeClientInit(b []byte) (uint8, int, error) {
	if len(b) < ClientInitLength {
		return 0, 0, ErrIncomplete
	}
	return b[0], ClientInitLength, nil
}

// ParseSetPixelFormat parses a SetPixelFormat message from raw bytes
func ParseSetPixelFormat(data []byte) (PixelFormat, error) {
	if len(data) != SetPixelFormatLength {
		return PixelFormat{}, fmt.Errorf("SetPixelFormat message must be exactly %d bytes, got %d", SetPixelFormatLength, len(data))
	}
	// bytes 1-3 are padding
	return ParsePixelFormat(data[4:])
}

// CreateSetPixelFormat creates a SetPixelFormat message from a PixelFormat
func CreateSetPixelFormat(pf PixelFormat) []byte {
	msg := make([]byte, 4, SetPixelFormatLength)
	msg[0] = SetPixelFormat
	return AppendPixelFormat(msg, pf)
}

// CreateSetEncodings creates a SetEncodings message.
func CreateSetEncodings(encodings ...int32) []byte {
	msg := make([]byte, 4, 4+4*len(encodings))
	msg[0] = SetEncodings
	binary.BigEndian.PutUint16(msg[2:4], uint16(len(encodings)))
	for _, e := range encodings {
		msg = binary.BigEndian.AppendUint32(msg, uint32(e))
	}
	return msg
}

// CreateFramebufferUpdateRequest creates a FramebufferUpdateRequest message.
func CreateFramebufferUpdateRequest(incremental bool, x, y, width, height uint16) []byte {
	msg := make([]byte, FramebufferUpdateRequestLength)
	msg[0] = FramebufferUpdateRequest
	if incremental {
		msg[1] = 1
	}
	binary.BigEndian.PutUint16(msg[2:4], x)
	binary.BigEndian.PutUint16(msg[4:6], y)
	binary.BigEndian.PutUint16(msg[6:8], width)
	binary.BigEndian.PutUint16(msg[8:10], height)
	return msg
}

// CreateKeyEvent creates a KeyEvent message.
func CreateKeyEvent(down bool, key uint32) []byte {
	msg := make([]byte, KeyEventLength)
	msg[0] = KeyEvent
	if down {
		msg[1] = 1
	}
	binary.BigEndian.PutUint32(msg[4:8], key)
	return msg
}

// CreatePointerEvent creates a PointerEvent message.
func CreatePointerEvent(buttonMask uint8, x, y uint16) []byte {
	msg := make([]byte, PointerEventLength)
	msg[0] = PointerEvent
	msg[1] = buttonMask
	binary.BigEndian.PutUint16(msg[2:4], x)
	binary.BigEndian.PutUint16(msg[4:6], y)
	return msg
}

// CreateClientCutText creates a ClientCutText message.
func CreateClientCutText(text []byte) []byte {
	msg := make([]byte, 8, 8+len(text))
	msg[0] = ClientCutText
	binary.BigEndian.PutUint32(msg[4:8], uint32(len(text)))
	return append(msg, text...)
}
