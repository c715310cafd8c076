package websockify

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoTarget accepts TCP connections, greets them, and echoes what it reads.
func echoTarget(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				c.Write([]byte("RFB 003.008\n"))
				io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().String()
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/websockify"
}

func TestBridge(t *testing.T) {
	s, err := New(Config{Target: echoTarget(t), AllowAnyOrigin: true})
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	dialer := websocket.Dialer{Subprotocols: []string{"binary"}}
	ws, resp, err := dialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, "binary", resp.Header.Get("Sec-WebSocket-Protocol"))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))

	typ, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, typ)
	assert.Equal(t, "RFB 003.008\n", string(msg))

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	_, msg, err = ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, msg)
}

func TestBridgeTargetDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	s, err := New(Config{Target: addr, AllowAnyOrigin: true, DialTimeout: time.Second})
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer ws.Close()

	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
}

func TestOriginCheck(t *testing.T) {
	s, err := New(Config{Target: echoTarget(t)})
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "vnc.html"), []byte("<html>novnc</html>"), 0o644))

	s, err := New(Config{Target: "127.0.0.1:1", WebRoot: root})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/vnc.html", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "novnc")
}

func TestRefuseWorkingDirectory(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	_, err = New(Config{Target: "127.0.0.1:1", WebRoot: wd})
	assert.Error(t, err)

	_, err = New(Config{})
	assert.Error(t, err)
}

func TestServeShutdownClosesBridges(t *testing.T) {
	s, err := New(Config{Target: echoTarget(t), AllowAnyOrigin: true})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/websockify", nil)
	require.NoError(t, err)
	defer ws.Close()
	_, _, err = ws.ReadMessage()
	require.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = ws.ReadMessage()
	assert.Error(t, err)
}

func TestRefuseBridgesAfterShutdown(t *testing.T) {
	s, err := New(Config{Target: echoTarget(t), AllowAnyOrigin: true})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer ln.Close()
	cancel()
	require.NoError(t, s.Serve(ctx, ln))

	// the handler outlives Serve when mounted elsewhere
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("refused upgrade left a bridge registered")
	}
}
