package reactor

import (
	"sync/atomic"

	"github.com/coder/rfbd/capture"
	"github.com/coder/rfbd/internal/connbuf"
	"github.com/coder/rfbd/internal/session"
)

type frameResult struct {
	snap *capture.Snapshot
	err  error
}

// Conn ties a session to its buffers and to the capture handoff. Everything
// except the frame callback runs on the owning loop.
type Conn struct {
	sess   *session.Session
	buf    *connbuf.Buffer
	frames Frames

	// result is written by a capture worker and taken by the loop.
	result atomic.Pointer[frameResult]
	closed atomic.Bool
	wake   func()
}

func newConn(cfg Config, deps Deps, remote string, wake func()) *Conn {
	c := &Conn{
		buf:    connbuf.New(cfg.MaxInbound, cfg.MaxOutbound),
		frames: deps.Frames,
		wake:   wake,
	}
	opts := deps.Session
	opts.Remote = remote
	c.sess = session.New(c.buf, c, opts)
	return c
}

// RequestFrame implements session.FrameRequester.
func (c *Conn) RequestFrame() error {
	return c.frames.Request(func(snap *capture.Snapshot, err error) {
		if c.closed.Load() {
			return
		}
		c.result.Store(&frameResult{snap: snap, err: err})
		c.wake()
	})
}

// receive buffers bytes read from the socket and handles what it can.
func (c *Conn) receive(p []byte) {
	if len(p) == 0 {
		return
	}
	c.sess.AddTraffic(len(p), 0)
	if err := c.buf.PushInbound(p); err != nil {
		c.sess.Close(session.Malformed, err)
		return
	}
	c.process()
}

// process delivers a pending capture result, then decodes and handles
// buffered input until the session has to wait.
func (c *Conn) process() {
	if r := c.result.Swap(nil); r != nil {
		c.sess.CompleteFrame(r.snap, r.err)
	}
	for c.wantInput() {
		in, ok, err := connbuf.TryDecodeOne(c.buf, c.sess.Decode)
		if err != nil {
			c.sess.Close(session.Malformed, err)
			return
		}
		if !ok {
			return
		}
		c.sess.Handle(in)
	}
}

// wantInput reports whether the session can take more input now.
func (c *Conn) wantInput() bool {
	return !c.sess.Closed() && !c.sess.Waiting() && !c.buf.Backlogged()
}

// wantRead reports whether the socket should be read.
func (c *Conn) wantRead() bool {
	return c.wantInput() && !c.buf.EOF()
}

// finished reports whether every reply has been written and nothing more
// will be produced.
func (c *Conn) finished() bool {
	if c.buf.PendingOutbound() > 0 {
		return false
	}
	return c.sess.Closed() || (c.buf.EOF() && !c.sess.Waiting())
}

// flush writes queued output through w.
func (c *Conn) flush(w connbuf.Writer) (int, error) {
	n, err := c.buf.Flush(w)
	c.sess.AddTraffic(0, n)
	return n, err
}

// shut marks the connection closed so late capture results are dropped and
// closes the session if it is still open.
func (c *Conn) shut(reason session.CloseReason, err error) {
	c.closed.Store(true)
	c.result.Store(nil)
	c.sess.Close(reason, err)
}
