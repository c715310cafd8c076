//go:build linux

package reactor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"

	"github.com/coder/rfbd/internal/connbuf"
	"github.com/coder/rfbd/internal/session"
	"golang.org/x/sys/unix"
)

const (
	maxEvents   = 256
	readBufSize = 64 << 10
)

// epollEngine serves every connection from one goroutine. Connections are
// registered edge-triggered and one-shot, and re-armed after each event with
// the interest their state calls for.
type epollEngine struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	file *os.File
	lfd  int
	addr net.Addr

	epfd   int
	wakefd int
	ready  chan struct{}

	conns   map[int]*epollConn
	readBuf []byte

	mu      sync.Mutex
	woken   []*epollConn
	stopped bool
}

type epollConn struct {
	*Conn
	fd     int
	remote string
}

func newEpoll(cfg Config, deps Deps) (Engine, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	addr := ln.Addr()
	f, err := ln.(*net.TCPListener).File()
	ln.Close()
	if err != nil {
		return nil, fmt.Errorf("listener fd: %w", err)
	}
	lfd := int(f.Fd())
	if err := unix.SetNonblock(lfd, true); err != nil {
		f.Close()
		return nil, fmt.Errorf("set listener non-blocking: %w", err)
	}

	return &epollEngine{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Logger.With("component", "reactor", "engine", KindEpoll),
		file:    f,
		lfd:     lfd,
		addr:    addr,
		epfd:    -1,
		wakefd:  -1,
		ready:   make(chan struct{}),
		conns:   make(map[int]*epollConn),
		readBuf: make([]byte, readBufSize),
	}, nil
}

func (e *epollEngine) Addr() net.Addr         { return e.addr }
func (e *epollEngine) Ready() <-chan struct{} { return e.ready }

func (e *epollEngine) Serve(ctx context.Context) error {
	defer e.file.Close()

	var err error
	if e.epfd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	defer unix.Close(e.epfd)
	if e.wakefd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC); err != nil {
		return fmt.Errorf("eventfd: %w", err)
	}
	defer unix.Close(e.wakefd)

	if err := e.ctl(unix.EPOLL_CTL_ADD, e.lfd, unix.EPOLLIN|unix.EPOLLET); err != nil {
		return fmt.Errorf("register listener: %w", err)
	}
	if err := e.ctl(unix.EPOLL_CTL_ADD, e.wakefd, unix.EPOLLIN); err != nil {
		return fmt.Errorf("register eventfd: %w", err)
	}

	stop := context.AfterFunc(ctx, e.signal)
	defer stop()

	e.log.Info("listening", "addr", e.addr.String())
	close(e.ready)

	events := make([]unix.EpollEvent, maxEvents)
	for {
		n, err := unix.EpollWait(e.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			e.shutdown()
			return fmt.Errorf("epoll_wait: %w", err)
		}
		for i := range n {
			fd := int(events[i].Fd)
			switch fd {
			case e.lfd:
				e.accept()
			case e.wakefd:
				e.drainWakeups()
			default:
				if c, ok := e.conns[fd]; ok {
					e.service(c, events[i].Events)
				}
			}
		}
		if ctx.Err() != nil {
			e.shutdown()
			return nil
		}
	}
}

func (e *epollEngine) ctl(op, fd int, events uint32) error {
	return unix.EpollCtl(e.epfd, op, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

// signal wakes the loop without a connection attached.
func (e *epollEngine) signal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifyLocked()
}

// wakeConn is called from capture workers when c has a result waiting.
func (e *epollEngine) wakeConn(c *epollConn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.woken = append(e.woken, c)
	e.notifyLocked()
}

func (e *epollEngine) notifyLocked() {
	if e.stopped || e.wakefd < 0 {
		return
	}
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(e.wakefd, one[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		e.log.Error("eventfd write failed", "error", err)
	}
}

func (e *epollEngine) drainWakeups() {
	var counter [8]byte
	for {
		if _, err := unix.Read(e.wakefd, counter[:]); err != nil {
			break
		}
	}

	e.mu.Lock()
	woken := e.woken
	e.woken = nil
	e.mu.Unlock()

	for _, c := range woken {
		// the fd may have been closed and reused since the wakeup was queued
		if e.conns[c.fd] == c {
			e.service(c, 0)
		}
	}
}

func (e *epollEngine) accept() {
	for {
		fd, sa, err := unix.Accept4(e.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			default:
				e.log.Error("accept failed", "error", err)
			}
			return
		}

		remote := sockaddrString(sa)
		if reason, err := admit(e.cfg, e.deps, len(e.conns)); err != nil {
			unix.Close(fd)
			e.log.Warn("connection refused", "remote", remote, "reason", reason, "error", err)
			if e.deps.Observer != nil {
				e.deps.Observer.ConnectionRefused(reason)
			}
			continue
		}
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		c := &epollConn{fd: fd, remote: remote}
		c.Conn = newConn(e.cfg, e.deps, remote, func() { e.wakeConn(c) })
		e.conns[fd] = c
		if e.deps.Observer != nil {
			e.deps.Observer.ConnectionAccepted()
		}
		if err := e.ctl(unix.EPOLL_CTL_ADD, fd, unix.EPOLLET|unix.EPOLLONESHOT); err != nil {
			e.log.Error("register connection", "remote", remote, "error", err)
			e.closeConn(c, session.IOError, err)
			continue
		}
		c.sess.Start()
		e.service(c, 0)
	}
}

// service runs one round of I/O and protocol work for c and re-arms it.
func (e *epollEngine) service(c *epollConn, events uint32) {
	if events&unix.EPOLLERR != 0 {
		err := unix.ENOTCONN
		if errno, gerr := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR); gerr == nil && errno != 0 {
			err = unix.Errno(errno)
		}
		e.closeConn(c, session.IOError, err)
		return
	}
	if events&unix.EPOLLHUP != 0 {
		e.closeConn(c, session.ClientDisconnected, nil)
		return
	}

	if events&unix.EPOLLIN != 0 {
		if err := e.read(c); err != nil {
			e.closeConn(c, session.IOError, err)
			return
		}
	}
	c.process()

	if _, err := e.flush(c); err != nil {
		e.closeConn(c, session.IOError, err)
		return
	}
	// a drained backlog lets buffered input through again
	if c.wantInput() && c.buf.InboundLen() > 0 {
		c.process()
		if _, err := e.flush(c); err != nil {
			e.closeConn(c, session.IOError, err)
			return
		}
	}

	if c.finished() {
		e.closeConn(c, session.ClientDisconnected, nil)
		return
	}
	e.rearm(c)
}

// read drains the socket until it would block or the session stops taking input.
func (e *epollEngine) read(c *epollConn) error {
	for c.wantRead() {
		n, err := unix.Read(c.fd, e.readBuf)
		switch {
		case errors.Is(err, unix.EAGAIN):
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECONNRESET):
			c.buf.MarkEOF()
			return nil
		case err != nil:
			return err
		case n == 0:
			c.buf.MarkEOF()
			return nil
		}
		if e.deps.Observer != nil {
			e.deps.Observer.BytesRead(n)
		}
		c.receive(e.readBuf[:n])
	}
	return nil
}

func (e *epollEngine) flush(c *epollConn) (int, error) {
	n, err := c.flush(connbuf.WriterFunc(func(p []byte) (int, error) {
		n, err := unix.SendmsgN(c.fd, p, nil, nil, unix.MSG_NOSIGNAL)
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return n, err
	}))
	if n > 0 && e.deps.Observer != nil {
		e.deps.Observer.BytesWritten(n)
	}
	return n, err
}

func (e *epollEngine) rearm(c *epollConn) {
	events := uint32(unix.EPOLLET | unix.EPOLLONESHOT)
	if c.wantRead() {
		events |= unix.EPOLLIN
	}
	if c.buf.PendingOutbound() > 0 {
		events |= unix.EPOLLOUT
	}
	if err := e.ctl(unix.EPOLL_CTL_MOD, c.fd, events); err != nil {
		e.closeConn(c, session.IOError, fmt.Errorf("re-arm: %w", err))
	}
}

func (e *epollEngine) closeConn(c *epollConn, reason session.CloseReason, err error) {
	if e.conns[c.fd] != c {
		return
	}
	c.shut(reason, err)
	delete(e.conns, c.fd)
	_ = unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, c.fd, nil)
	unix.Close(c.fd)
	if e.deps.Observer != nil {
		e.deps.Observer.ConnectionClosed()
	}
}

// shutdown closes every session with ServerShutdown after a best-effort flush.
func (e *epollEngine) shutdown() {
	e.mu.Lock()
	e.stopped = true
	e.woken = nil
	e.mu.Unlock()

	e.log.Info("shutting down", "connections", len(e.conns))
	for _, c := range e.conns {
		c.shut(session.ServerShutdown, nil)
		_, _ = e.flush(c)
		e.closeConn(c, session.ServerShutdown, nil)
	}
	_ = unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, e.lfd, nil)
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port)).String()
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port)).String()
	default:
		return "unknown"
	}
}
