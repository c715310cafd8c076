// Package reactor runs RFB sessions on non-blocking sockets driven by event
// loops. Two engines are available: a hand-rolled epoll loop (Linux) and one
// built on gnet.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/coder/rfbd/capture"
	"github.com/coder/rfbd/internal/session"
)

// Engine kinds accepted by New.
const (
	KindEpoll = "epoll"
	KindGnet  = "gnet"
)

// ErrUnsupported is returned by New when an engine is not available on this platform.
var ErrUnsupported = errors.New("reactor: engine not supported on this platform")

// Engine accepts RFB clients and drives their sessions until Serve's context
// is cancelled.
type Engine interface {
	// Serve runs the event loops. It returns nil after a clean shutdown.
	Serve(ctx context.Context) error
	// Addr returns the listening address once Ready is closed.
	Addr() net.Addr
	// Ready is closed when the engine is accepting connections.
	Ready() <-chan struct{}
}

// Frames starts asynchronous captures. capture.Pool implements it.
type Frames interface {
	Request(done func(*capture.Snapshot, error)) error
}

// Observer receives connection-level events for metrics.
type Observer interface {
	ConnectionAccepted()
	ConnectionRefused(reason string)
	ConnectionClosed()
	BytesRead(n int)
	BytesWritten(n int)
}

// Config holds the listener and per-connection limits.
type Config struct {
	Addr string
	// EventLoops is the number of gnet loops. The epoll engine always runs one.
	EventLoops     int
	MaxConnections int
	MaxInbound     int
	MaxOutbound    int
	// ShutdownTimeout bounds the final flush when Serve's context ends.
	ShutdownTimeout time.Duration
}

// Deps are the collaborators shared by every connection.
type Deps struct {
	Frames Frames
	// Session is the template for new sessions; Remote is filled per connection.
	Session session.Options
	// Admit is consulted for every new connection. A non-nil error refuses it.
	Admit    func() error
	Observer Observer
	Logger   *slog.Logger
}

// New creates an engine of the given kind. The epoll engine binds its
// listener immediately; gnet binds when Serve starts.
func New(kind string, cfg Config, deps Deps) (Engine, error) {
	if deps.Frames == nil {
		return nil, errors.New("reactor: no frame source")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Session.Logger == nil {
		deps.Session.Logger = deps.Logger
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	switch kind {
	case KindEpoll, "":
		return newEpoll(cfg, deps)
	case KindGnet:
		return newGnet(cfg, deps)
	default:
		return nil, fmt.Errorf("reactor: unknown engine %q", kind)
	}
}

// admit decides whether a new connection may be served given how many are open.
func admit(cfg Config, deps Deps, open int) (string, error) {
	if cfg.MaxConnections > 0 && open >= cfg.MaxConnections {
		return "limit", fmt.Errorf("connection limit of %d reached", cfg.MaxConnections)
	}
	if deps.Admit != nil {
		if err := deps.Admit(); err != nil {
			return "unavailable", err
		}
	}
	return "", nil
}
