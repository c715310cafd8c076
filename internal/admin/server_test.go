package admin

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/rfbd/internal/session"
	"github.com/coder/rfbd/rfb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSessions []session.Info

func (s staticSessions) List() []session.Info { return s }

func (s staticSessions) Get(id string) (session.Info, bool) {
	for _, info := range s {
		if info.ID == id {
			return info, true
		}
	}
	return session.Info{}, false
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	s := New(Config{})
	rec := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestReadyz(t *testing.T) {
	s := New(Config{})

	rec := get(t, s.Handler(), "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "starting")

	s.SetReady(true, "")
	rec = get(t, s.Handler(), "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)

	s.SetReady(false, "capture failed")
	rec = get(t, s.Handler(), "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not ready: capture failed", rec.Body.String())
}

func TestSessions(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := New(Config{Sessions: staticSessions{
		{ID: "a", Remote: "10.0.0.1:5000", Stage: "operating", Framebuffer: "640x480", Started: started},
		{ID: "b", Remote: "10.0.0.2:5000", Stage: "awaiting-version", Started: started},
	}})

	rec := get(t, s.Handler(), "/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var list []session.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "640x480", list[0].Framebuffer)

	rec = get(t, s.Handler(), "/sessions/b")
	require.Equal(t, http.StatusOK, rec.Code)
	var one session.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, "awaiting-version", one.Stage)
	assert.True(t, one.Started.Equal(started))

	rec = get(t, s.Handler(), "/sessions/zzz")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFramebuffer(t *testing.T) {
	var res rfb.Resolution
	s := New(Config{Framebuffer: func() rfb.Resolution { return res }})

	rec := get(t, s.Handler(), "/framebuffer")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	res = rfb.Resolution{Width: 800, Height: 600}
	rec = get(t, s.Handler(), "/framebuffer")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"width":800,"height":600}`, rec.Body.String())
}

func TestOptionalRoutes(t *testing.T) {
	s := New(Config{})
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/metrics").Code)
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/sessions").Code)
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/framebuffer").Code)

	s = New(Config{
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("m 1\n")) }),
		Version: map[string]string{"version": "v0.1.0"},
	})
	assert.Equal(t, "m 1\n", get(t, s.Handler(), "/metrics").Body.String())
	assert.JSONEq(t, `{"version":"v0.1.0"}`, get(t, s.Handler(), "/version").Body.String())
}

func TestServe(t *testing.T) {
	s := New(Config{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
