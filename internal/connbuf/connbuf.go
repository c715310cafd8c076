// Package connbuf holds the inbound and outbound byte queues of one
// non-blocking connection.
package connbuf

import (
	"errors"
	"fmt"

	"github.com/coder/rfbd/rfb"
)

// ErrInboundOverflow is returned when buffered input would exceed the inbound limit.
var ErrInboundOverflow = errors.New("connbuf: inbound buffer limit exceeded")

// Writer is a non-blocking sink. A short write with a nil error means the
// sink would block and the rest should be retried later.
type Writer interface {
	TryWrite(p []byte) (int, error)
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(p []byte) (int, error)

func (f WriterFunc) TryWrite(p []byte) (int, error) { return f(p) }

// Buffer accumulates bytes read from a connection until whole messages can be
// decoded, and queues encoded replies until the connection is writable. It is
// owned by a single event loop and is not safe for concurrent use.
type Buffer struct {
	in   []byte
	head int

	out     []byte
	outHead int

	maxIn  int
	maxOut int
	eof    bool
}

// New returns a Buffer. maxInbound bounds unconsumed input; maxOutbound is the
// backlog above which Backlogged reports true. Zero means unlimited.
func New(maxInbound, maxOutbound int) *Buffer {
	return &Buffer{maxIn: maxInbound, maxOut: maxOutbound}
}

// PushInbound appends bytes read from the connection. p is copied.
func (b *Buffer) PushInbound(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if b.maxIn > 0 && b.InboundLen()+len(p) > b.maxIn {
		return fmt.Errorf("%w: %d buffered + %d read > %d", ErrInboundOverflow, b.InboundLen(), len(p), b.maxIn)
	}
	if b.head > 0 && b.head == len(b.in) {
		b.in, b.head = b.in[:0], 0
	} else if b.head > 0 && len(b.in)+len(p) > cap(b.in) {
		n := copy(b.in, b.in[b.head:])
		b.in, b.head = b.in[:n], 0
	}
	b.in = append(b.in, p...)
	return nil
}

// Inbound returns the unconsumed input without consuming it.
func (b *Buffer) Inbound() []byte {
	return b.in[b.head:]
}

// InboundLen returns the number of unconsumed input bytes.
func (b *Buffer) InboundLen() int {
	return len(b.in) - b.head
}

// Consume discards n bytes from the front of the input.
func (b *Buffer) Consume(n int) {
	b.head += min(n, b.InboundLen())
	if b.head == len(b.in) {
		b.in, b.head = b.in[:0], 0
	}
}

// TryDecodeOne decodes at most one unit from the front of b's input. It
// returns ok=false without consuming anything when the input holds only part
// of a unit, and consumes exactly the decoded bytes on success.
func TryDecodeOne[M any](b *Buffer, decode func([]byte) (M, int, error)) (M, bool, error) {
	var zero M
	if b.InboundLen() == 0 {
		return zero, false, nil
	}
	m, n, err := decode(b.Inbound())
	switch {
	case errors.Is(err, rfb.ErrIncomplete):
		return zero, false, nil
	case err != nil:
		return zero, false, err
	}
	b.Consume(n)
	return m, true, nil
}

// QueueOutbound appends p to the outbound queue. p is copied.
func (b *Buffer) QueueOutbound(p []byte) {
	if b.outHead > 0 && b.outHead == len(b.out) {
		b.out, b.outHead = b.out[:0], 0
	}
	b.out = append(b.out, p...)
}

// PendingOutbound returns the number of queued bytes not yet written.
func (b *Buffer) PendingOutbound() int {
	return len(b.out) - b.outHead
}

// Backlogged reports whether the outbound queue has grown past its limit.
// Callers stop producing replies until it drains.
func (b *Buffer) Backlogged() bool {
	return b.maxOut > 0 && b.PendingOutbound() > b.maxOut
}

// TryFlush makes a single write attempt of the queued bytes. Writing zero
// bytes is not an error.
func (b *Buffer) TryFlush(w Writer) (int, error) {
	if b.PendingOutbound() == 0 {
		return 0, nil
	}
	n, err := w.TryWrite(b.out[b.outHead:])
	if n > 0 {
		b.outHead += n
		if b.outHead == len(b.out) {
			b.out, b.outHead = b.out[:0], 0
		}
	}
	return n, err
}

// Flush writes until the queue is empty, the writer would block, or it fails.
func (b *Buffer) Flush(w Writer) (int, error) {
	total := 0
	for b.PendingOutbound() > 0 {
		n, err := b.TryFlush(w)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
	return total, nil
}

// MarkEOF records that the peer will send no more bytes.
func (b *Buffer) MarkEOF() {
	b.eof = true
}

// EOF reports whether MarkEOF was called.
func (b *Buffer) EOF() bool {
	return b.eof
}

// ShouldClose reports whether the peer has finished sending and every queued
// reply has been written.
func (b *Buffer) ShouldClose() bool {
	return b.eof && b.PendingOutbound() == 0
}
