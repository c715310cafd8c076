//go:build unix

package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/coder/rfbd/internal/connbuf"
	"github.com/coder/rfbd/internal/logger"
	"github.com/coder/rfbd/internal/session"
	"github.com/panjf2000/gnet/v2"
	"golang.org/x/sys/unix"
)

// gnetEngine serves connections from gnet's event loops. gnet owns the
// sockets and their outbound buffers; each loop drives the sessions of the
// connections it owns.
//
// gnet reports a peer's half-close only as a closed connection, so unlike
// the epoll engine this one does not keep writing after EOF. Replies already
// handed to gnet's outbound buffer are flushed before the socket is closed;
// replies still waiting on a capture are dropped.
type gnetEngine struct {
	gnet.BuiltinEventEngine

	cfg  Config
	deps Deps
	log  *slog.Logger

	eng   gnet.Engine
	addr  atomic.Pointer[net.TCPAddr]
	ready chan struct{}

	open     atomic.Int64
	stopping atomic.Bool
}

func newGnet(cfg Config, deps Deps) (Engine, error) {
	if cfg.EventLoops < 0 {
		return nil, fmt.Errorf("reactor: invalid event loop count %d", cfg.EventLoops)
	}
	return &gnetEngine{
		cfg:   cfg,
		deps:  deps,
		log:   deps.Logger.With("component", "reactor", "engine", KindGnet),
		ready: make(chan struct{}),
	}, nil
}

func (e *gnetEngine) Addr() net.Addr {
	if a := e.addr.Load(); a != nil {
		return a
	}
	return nil
}

func (e *gnetEngine) Ready() <-chan struct{} { return e.ready }

func (e *gnetEngine) Serve(ctx context.Context) error {
	opts := []gnet.Option{
		gnet.WithMulticore(e.cfg.EventLoops != 1),
		gnet.WithEdgeTriggeredIO(true),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithLogger(logger.Gnet(e.log)),
	}
	if e.cfg.EventLoops > 0 {
		opts = append(opts, gnet.WithNumEventLoop(e.cfg.EventLoops))
	}

	errc := make(chan error, 1)
	go func() {
		errc <- gnet.Run(e, "tcp://"+e.cfg.Addr, opts...)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("gnet: %w", err)
	case <-e.ready:
	}

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("gnet: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	e.stopping.Store(true)
	e.log.Info("shutting down", "connections", e.open.Load())
	stopCtx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
	defer cancel()
	if err := e.eng.Stop(stopCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("gnet stop: %w", err)
	}
	return <-errc
}

func (e *gnetEngine) OnBoot(eng gnet.Engine) gnet.Action {
	e.eng = eng
	if fd, err := eng.Dup(); err == nil {
		if sa, err := unix.Getsockname(fd); err == nil {
			e.addr.Store(tcpAddr(sa))
		}
		unix.Close(fd)
	}
	e.log.Info("listening", "addr", e.Addr())
	close(e.ready)
	return gnet.None
}

func (e *gnetEngine) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	remote := c.RemoteAddr().String()
	if e.stopping.Load() {
		return nil, gnet.Close
	}
	if reason, err := e.reserve(); err != nil {
		e.log.Warn("connection refused", "remote", remote, "reason", reason, "error", err)
		if e.deps.Observer != nil {
			e.deps.Observer.ConnectionRefused(reason)
		}
		return nil, gnet.Close
	}

	if e.deps.Observer != nil {
		e.deps.Observer.ConnectionAccepted()
	}
	conn := newConn(e.cfg, e.deps, remote, func() {
		// the loop runs OnTraffic for a woken connection
		_ = c.Wake(nil)
	})
	c.SetContext(conn)
	conn.sess.Start()

	var out []byte
	n, _ := conn.flush(connbuf.WriterFunc(func(p []byte) (int, error) {
		out = append(out, p...)
		return len(p), nil
	}))
	if n > 0 && e.deps.Observer != nil {
		e.deps.Observer.BytesWritten(n)
	}
	return out, gnet.None
}

// reserve counts a new connection against the limit. Loops race for slots.
func (e *gnetEngine) reserve() (string, error) {
	for {
		n := e.open.Load()
		if reason, err := admit(e.cfg, e.deps, int(n)); err != nil {
			return reason, err
		}
		if e.open.CompareAndSwap(n, n+1) {
			return "", nil
		}
	}
}

func (e *gnetEngine) OnTraffic(c gnet.Conn) gnet.Action {
	conn, ok := c.Context().(*Conn)
	if !ok {
		return gnet.Close
	}

	data, err := c.Next(-1)
	if err != nil {
		conn.shut(session.IOError, err)
		return gnet.Close
	}
	if len(data) > 0 && e.deps.Observer != nil {
		e.deps.Observer.BytesRead(len(data))
	}
	conn.receive(data)
	conn.process()

	n, err := conn.flush(connbuf.WriterFunc(c.Write))
	if n > 0 && e.deps.Observer != nil {
		e.deps.Observer.BytesWritten(n)
	}
	if err != nil {
		conn.shut(session.IOError, err)
		return gnet.Close
	}
	// gnet writes out what is still buffered before closing
	if conn.sess.Closed() {
		return gnet.Close
	}
	return gnet.None
}

func (e *gnetEngine) OnClose(c gnet.Conn, err error) gnet.Action {
	conn, ok := c.Context().(*Conn)
	if !ok {
		return gnet.None
	}
	c.SetContext(nil)
	e.open.Add(-1)

	switch {
	case e.stopping.Load():
		conn.shut(session.ServerShutdown, nil)
	case err != nil:
		conn.shut(session.IOError, err)
	default:
		conn.shut(session.ClientDisconnected, nil)
	}
	if e.deps.Observer != nil {
		e.deps.Observer.ConnectionClosed()
	}
	return gnet.None
}

func tcpAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]).To16(), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	default:
		return nil
	}
}
