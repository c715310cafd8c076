// Package rfbd assembles an RFB (VNC) server from its configuration: a frame
// source and capture pool, an event-loop engine serving sessions, and the
// optional admin API and WebSocket bridge.
package rfbd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/coder/rfbd/capture"
	"github.com/coder/rfbd/config"
	"github.com/coder/rfbd/internal/admin"
	"github.com/coder/rfbd/internal/logger"
	"github.com/coder/rfbd/internal/metrics"
	"github.com/coder/rfbd/internal/reactor"
	"github.com/coder/rfbd/internal/session"
	"github.com/coder/rfbd/version"
	"github.com/coder/rfbd/websockify"
	"golang.org/x/sync/errgroup"
)

// ErrSourceFailed is returned by the admission check once the frame source
// has failed fatally.
var ErrSourceFailed = errors.New("rfbd: frame source failed")

// Server is a configured RFB server.
type Server struct {
	cfg      config.Config
	log      *slog.Logger
	capturer capture.Capturer
	metrics  *metrics.Metrics
	registry *session.Registry
	source   *capture.Source
	pool     *capture.Pool
	engine   reactor.Engine
	admin    *admin.Server

	ready      chan struct{}
	adminAddr  net.Addr
	bridgeAddr net.Addr
	serving    atomic.Bool
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the logger. The default is the global logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithCapturer replaces the frame source selected by the configuration.
func WithCapturer(c capture.Capturer) Option {
	return func(s *Server) { s.capturer = c }
}

// WithMetrics sets the metrics collectors. The default registers on a fresh registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New validates cfg and wires the server. Nothing listens until Serve.
func New(cfg config.Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	s := &Server{
		cfg:      cfg,
		registry: session.NewRegistry(),
		ready:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = logger.L()
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.capturer == nil {
		c, err := newCapturer(cfg.Capture)
		if err != nil {
			return nil, err
		}
		s.capturer = c
	}

	info := version.Get()
	s.metrics.SetBuildInfo(info.Version, info.Commit)
	s.metrics.WatchSessions(s.registry.Len)

	cc := cfg.Capture
	s.source = capture.NewSource(s.capturer,
		capture.WithRetries(cc.Retries),
		capture.WithBackoff(cc.Backoff, cc.MaxBackoff),
		capture.WithMaxFPS(cc.MaxFPS),
		capture.WithObserver(s.metrics),
	)
	pool, err := capture.NewPool(s.source, capture.PoolOptions{
		Size:    cc.Workers,
		Queue:   cc.Queue,
		Timeout: cc.Timeout,
		Logger:  s.log,
	})
	if err != nil {
		return nil, err
	}
	s.pool = pool
	s.metrics.WatchPool(pool.Running, pool.Cap())
	s.metrics.WatchQueue(pool.Pending)

	name := cfg.Name
	if name == "" {
		name = "rfbd " + info.Version
	}
	s.engine, err = reactor.New(cfg.Engine, reactor.Config{
		Addr:            cfg.Listen,
		EventLoops:      cfg.EventLoops,
		MaxConnections:  cfg.MaxConnections,
		MaxInbound:      cfg.MaxInbound,
		MaxOutbound:     cfg.MaxOutbound,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, reactor.Deps{
		Frames: pool,
		Session: session.Options{
			Name:       name,
			MaxCutText: cfg.MaxCutText,
			Logger:     s.log,
			Observer:   s.metrics,
			Registry:   s.registry,
		},
		Admit:    s.admit,
		Observer: s.metrics,
		Logger:   s.log,
	})
	if err != nil {
		pool.Close(cfg.ShutdownTimeout)
		return nil, err
	}

	if cfg.Admin.Listen != "" {
		s.admin = admin.New(admin.Config{
			Sessions:    s.registry,
			Metrics:     s.metrics.Handler(),
			Version:     info,
			Framebuffer: s.source.LastResolution,
			Logger:      s.log,
		})
	}
	return s, nil
}

func newCapturer(cc config.CaptureConfig) (capture.Capturer, error) {
	switch cc.Source {
	case config.SourceImage:
		return capture.NewImage(cc.Image, uint16(cc.Width), uint16(cc.Height)), nil
	default:
		return capture.NewSynthetic(cc.Animation, uint16(cc.Width), uint16(cc.Height))
	}
}

// Serve takes a startup capture, then runs the engine and the optional
// listeners until ctx is cancelled. A failed startup capture is returned as
// an error; later capture failures only affect sessions and readiness.
func (s *Server) Serve(ctx context.Context) error {
	if !s.serving.CompareAndSwap(false, true) {
		return errors.New("rfbd: Serve called twice")
	}
	defer s.pool.Close(s.cfg.ShutdownTimeout)

	startCtx, cancel := context.WithCancel(ctx)
	if s.cfg.Capture.Timeout > 0 {
		startCtx, cancel = context.WithTimeout(ctx, s.cfg.Capture.Timeout)
	}
	snap, err := s.source.Snapshot(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("startup capture: %w", err)
	}
	s.log.Info("frame source ready", "source", s.cfg.Capture.Source, "framebuffer", snap.Resolution().String())

	g, gctx := errgroup.WithContext(ctx)

	if s.admin != nil {
		ln, err := net.Listen("tcp", s.cfg.Admin.Listen)
		if err != nil {
			return fmt.Errorf("admin listen: %w", err)
		}
		s.adminAddr = ln.Addr()
		g.Go(func() error { return s.admin.Serve(gctx, ln) })
	}

	g.Go(func() error { return s.engine.Serve(gctx) })

	g.Go(func() error {
		select {
		case <-s.engine.Ready():
		case <-gctx.Done():
			return nil
		}

		if s.cfg.WebSocket.Listen != "" {
			if err := s.startBridge(gctx, g); err != nil {
				return err
			}
		}
		s.setReady(true, "")
		close(s.ready)
		s.log.Info("rfbd ready", "addr", s.engine.Addr().String(), "engine", s.cfg.Engine)

		select {
		case <-s.source.Done():
			s.setReady(false, "frame source failed")
			s.log.Error("frame source failed; refusing new connections", "error", s.source.Failed())
		case <-gctx.Done():
		}
		return nil
	})

	err = g.Wait()
	s.setReady(false, "shutting down")
	return err
}

func (s *Server) startBridge(ctx context.Context, g *errgroup.Group) error {
	bridge, err := websockify.New(websockify.Config{
		Target:  s.engine.Addr().String(),
		WebRoot: s.cfg.WebSocket.WebRoot,
		Logger:  s.log,
	})
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.WebSocket.Listen)
	if err != nil {
		return fmt.Errorf("websocket listen: %w", err)
	}
	s.bridgeAddr = ln.Addr()
	g.Go(func() error { return bridge.Serve(ctx, ln) })
	return nil
}

// admit refuses new connections once the frame source has failed.
func (s *Server) admit() error {
	if err := s.source.Failed(); err != nil {
		return fmt.Errorf("%w: %v", ErrSourceFailed, err)
	}
	return nil
}

func (s *Server) setReady(ready bool, reason string) {
	s.metrics.SetReady(ready)
	if s.admin != nil {
		s.admin.SetReady(ready, reason)
	}
}

// Ready is closed once every listener is accepting connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the RFB listener address. Valid after Ready.
func (s *Server) Addr() net.Addr { return s.engine.Addr() }

// AdminAddr returns the admin listener address, or nil when disabled. Valid after Ready.
func (s *Server) AdminAddr() net.Addr { return s.adminAddr }

// BridgeAddr returns the WebSocket bridge address, or nil when disabled. Valid after Ready.
func (s *Server) BridgeAddr() net.Addr { return s.bridgeAddr }

// Sessions returns the live session registry.
func (s *Server) Sessions() *session.Registry { return s.registry }
