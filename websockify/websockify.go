// Package websockify bridges WebSocket clients such as noVNC to the RFB
// listener. Every binary WebSocket message is copied to a fresh TCP
// connection and every TCP read is sent back as one binary message.
package websockify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Config holds the configuration for the bridge.
type Config struct {
	// Target is the RFB address each WebSocket is bridged to.
	Target string
	// WebRoot, when set, is served as static files next to /websockify.
	WebRoot string
	// AllowAnyOrigin disables the same-host origin check.
	AllowAnyOrigin bool
	DialTimeout    time.Duration
	Logger         *slog.Logger
}

// Server bridges WebSocket connections to the RFB target.
type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	// ctx ends every open bridge when Serve stops.
	ctx    context.Context
	cancel context.CancelFunc

	// mu orders wg.Add against the final wg.Wait.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a bridge. It refuses to serve the working directory as a web root.
func New(cfg Config) (*Server, error) {
	if cfg.Target == "" {
		return nil, errors.New("websockify: no target")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	s := &Server{
		cfg: cfg,
		log: cfg.Logger.With("component", "websockify"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			Subprotocols:    []string{"binary"},
		},
		mux: http.NewServeMux(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if cfg.AllowAnyOrigin {
		s.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}

	if cfg.WebRoot != "" {
		root, err := filepath.Abs(cfg.WebRoot)
		if err != nil {
			return nil, fmt.Errorf("web root: %w", err)
		}
		if wd, err := os.Getwd(); err == nil && root == wd {
			return nil, errors.New("websockify: refusing to serve static content from the current working directory")
		}
		s.log.Info("serving static files", "root", root)
		s.mux.Handle("/", http.FileServer(http.Dir(root)))
	}
	s.mux.HandleFunc("/websockify", s.serveWS)
	return s, nil
}

// Handler returns the HTTP handler serving /websockify and the web root.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve serves on ln until ctx is cancelled, then waits for open bridges to end.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	stop := context.AfterFunc(ctx, func() {
		// hijacked connections outlive Close
		s.shutdown()
		srv.Close()
	})
	defer stop()

	s.log.Info("websocket bridge listening", "addr", ln.Addr().String(), "target", s.cfg.Target)
	err := srv.Serve(ln)
	s.shutdown()
	s.wg.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// shutdown refuses new bridges and ends the open ones.
func (s *Server) shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
}

// track registers a bridge unless the server is shutting down.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.wg.Done()
		s.log.Warn("failed to upgrade to WS", "remote", r.RemoteAddr, "error", err)
		return
	}

	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := d.DialContext(r.Context(), "tcp", s.cfg.Target)
	if err != nil {
		s.log.Error("failed to connect to the target", "target", s.cfg.Target, "error", err)
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "target unavailable"),
			time.Now().Add(time.Second))
		ws.Close()
		s.wg.Done()
		return
	}

	s.log.Debug("bridge opened", "remote", r.RemoteAddr)
	go func() {
		defer s.wg.Done()
		s.bridge(s.ctx, ws, conn)
		s.log.Debug("bridge closed", "remote", r.RemoteAddr)
	}()
}

// bridge copies in both directions until either side fails or ctx ends.
func (s *Server) bridge(ctx context.Context, ws *websocket.Conn, conn net.Conn) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			conn.Close()
			ws.Close()
		})
	}
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.forwardTCP(ws, conn)
		closeBoth()
	}()
	s.forwardWeb(ws, conn)
	closeBoth()
	<-done
}

func (s *Server) forwardTCP(ws *websocket.Conn, conn net.Conn) {
	buf := make([]byte, 32<<10)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				s.log.Debug("writing to WS failed", "error", werr)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) forwardWeb(ws *websocket.Conn, conn net.Conn) {
	for {
		typ, msg, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("reading from WS failed", "error", err)
			}
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		if _, err := conn.Write(msg); err != nil {
			s.log.Debug("writing to TCP failed", "error", err)
			return
		}
	}
}
