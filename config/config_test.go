package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/rfbd/rfb"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultsValidate(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
	assert.NoError(t, cfg.Validate())
}

func TestPrecedence(t *testing.T) {
	file := filepath.Join(t.TempDir(), "rfbd.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
listen: 0.0.0.0:5901
name: lab desk
capture:
  width: 800
  height: 600
  timeout: 750ms
log:
  level: debug
`), 0o600))

	t.Setenv("RFBD_CAPTURE_WIDTH", "1280")
	t.Setenv("RFBD_ENGINE", "gnet")

	v := New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, RegisterFlags(fs, v))
	require.NoError(t, fs.Parse([]string{"--engine", "epoll", "--max-connections", "3"}))

	cfg, err := Load(v, file)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:5901", cfg.Listen, "file over default")
	assert.Equal(t, "lab desk", cfg.Name)
	assert.Equal(t, 1280, cfg.Capture.Width, "env over file")
	assert.Equal(t, 600, cfg.Capture.Height)
	assert.Equal(t, 750*time.Millisecond, cfg.Capture.Timeout)
	assert.Equal(t, "epoll", cfg.Engine, "flag over env")
	assert.Equal(t, 3, cfg.MaxConnections)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "listen", mutate: func(c *Config) { c.Listen = "5900" }, want: "listen"},
		{name: "engine", mutate: func(c *Config) { c.Engine = "kqueue" }, want: "engine"},
		{name: "source", mutate: func(c *Config) { c.Capture.Source = "x11" }, want: "capture.source"},
		{name: "animation", mutate: func(c *Config) { c.Capture.Animation = "lava" }, want: "capture.animation"},
		{name: "image path", mutate: func(c *Config) { c.Capture.Source = SourceImage }, want: "capture.image"},
		{name: "width", mutate: func(c *Config) { c.Capture.Width = 70000 }, want: "capture.width"},
		{name: "height", mutate: func(c *Config) { c.Capture.Height = 0 }, want: "capture.height"},
		{name: "workers", mutate: func(c *Config) { c.Capture.Workers = 0 }, want: "capture.workers"},
		{name: "backoff", mutate: func(c *Config) { c.Capture.Backoff = 2 * time.Second }, want: "capture.backoff"},
		{name: "admin", mutate: func(c *Config) { c.Admin.Listen = "nope" }, want: "admin.listen"},
		{name: "web root", mutate: func(c *Config) { c.WebSocket.WebRoot = "/srv/novnc" }, want: "websocket.web_root"},
		{name: "log level", mutate: func(c *Config) { c.Log.Level = "chatty" }, want: "log.level"},
		{name: "log format", mutate: func(c *Config) { c.Log.Format = "xml" }, want: "log.format"},
		{name: "inbound", mutate: func(c *Config) { c.MaxInbound = 8 }, want: "max_inbound"},
		{name: "inbound below cut text", mutate: func(c *Config) { c.MaxInbound = c.MaxCutText }, want: "max_inbound"},
		{name: "inbound below default cut text", mutate: func(c *Config) { c.MaxCutText = 0; c.MaxInbound = 4096 }, want: "max_inbound"},
		{name: "queue", mutate: func(c *Config) { c.Capture.Queue = -1 }, want: "capture.queue"},
		{name: "timeout", mutate: func(c *Config) { c.Capture.Timeout = -time.Second }, want: "capture.timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDefaultInboundHoldsLargestCutText(t *testing.T) {
	d := Default()
	msg := rfb.CreateClientCutText(make([]byte, d.MaxCutText))
	assert.LessOrEqual(t, len(msg), d.MaxInbound)

	d.MaxInbound = len(msg)
	assert.NoError(t, d.Validate())
}

func TestZeroCaptureTimeoutValidates(t *testing.T) {
	cfg := Default()
	cfg.Capture.Timeout = 0
	cfg.Capture.Queue = 0
	assert.NoError(t, cfg.Validate())
}

func TestValidateReportsEveryError(t *testing.T) {
	cfg := Default()
	cfg.Engine = "x"
	cfg.Log.Format = "y"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine")
	assert.Contains(t, err.Error(), "log.format")
}

func TestYAML(t *testing.T) {
	cfg := Default()
	cfg.Admin.Listen = ":9100"
	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "listen: 127.0.0.1:5900")
	assert.Contains(t, string(out), "timeout: 2s")

	var back map[string]any
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, ":9100", back["admin"].(map[string]any)["listen"])
}
