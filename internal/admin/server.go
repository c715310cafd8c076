// Package admin serves health, readiness, metrics and session listings over HTTP.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/rfbd/internal/session"
	"github.com/coder/rfbd/rfb"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Sessions lists live sessions. session.Registry implements it.
type Sessions interface {
	List() []session.Info
	Get(id string) (session.Info, bool)
}

// Config configures the admin server.
type Config struct {
	Sessions Sessions
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Version is reported by /version.
	Version any
	// Framebuffer reports the size of the last captured frame from /framebuffer.
	Framebuffer func() rfb.Resolution
	Logger      *slog.Logger
}

type Server struct {
	cfg    Config
	log    *slog.Logger
	router chi.Router
	ready  atomic.Bool
	reason atomic.Value
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{cfg: cfg, log: cfg.Logger.With("component", "admin")}
	s.reason.Store("starting")

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	if cfg.Sessions != nil {
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleSessions)
			r.Get("/{id}", s.handleSession)
		})
	}
	if cfg.Framebuffer != nil {
		r.Get("/framebuffer", s.handleFramebuffer)
	}
	if cfg.Version != nil {
		r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, cfg.Version)
		})
	}
	s.router = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetReady marks the server ready. A not-ready server reports reason from /readyz.
func (s *Server) SetReady(ready bool, reason string) {
	s.reason.Store(reason)
	s.ready.Store(ready)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	s.log.Info("admin server listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready.Load() {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("not ready: " + s.reason.Load().(string)))
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Sessions.List())
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	info, ok := s.cfg.Sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleFramebuffer(w http.ResponseWriter, r *http.Request) {
	res := s.cfg.Framebuffer()
	if !res.Valid() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no frame captured yet"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint16{"width": res.Width, "height": res.Height})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("admin request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
