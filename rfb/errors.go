package rfb

import (
	"errors"
	"fmt"
)

var (
	// ErrIncomplete means the buffer does not yet hold a whole message.
	// Nothing has been consumed and the caller should wait for more bytes.
	ErrIncomplete = errors.New("rfb: incomplete message")

	// ErrMalformed is matched by every protocol violation returned by the decoders.
	ErrMalformed = errors.New("rfb: malformed message")
)

// ProtocolError reports a protocol violation found while decoding Op.
type ProtocolError struct {
	Op  string
	Msg string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("rfb %s: %s", e.Op, e.Msg)
}

// Is makes errors.Is(err, ErrMalformed) hold for every ProtocolError.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrMalformed
}

func malformed(op, format string, args ...any) error {
	return &ProtocolError{Op: op, Msg: fmt.Sprintf(format, args...)}
}
