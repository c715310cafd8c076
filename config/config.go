// Package config loads rfbd settings from defaults, an optional YAML file,
// RFBD_* environment variables and command-line flags, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/coder/rfbd/capture"
	"github.com/coder/rfbd/internal/logger"
	"github.com/coder/rfbd/internal/reactor"
	"github.com/coder/rfbd/rfb"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. RFBD_CAPTURE_SOURCE.
const EnvPrefix = "RFBD"

// Capture sources.
const (
	SourceSynthetic = "synthetic"
	SourceImage     = "image"
)

// Config is the complete server configuration.
type Config struct {
	// Listen is the RFB listener address.
	Listen string `mapstructure:"listen" yaml:"listen"`
	// Name is the desktop name sent to clients. Empty means "rfbd <version>".
	Name            string        `mapstructure:"name" yaml:"name"`
	Engine          string        `mapstructure:"engine" yaml:"engine"`
	EventLoops      int           `mapstructure:"event_loops" yaml:"event_loops"`
	MaxConnections  int           `mapstructure:"max_connections" yaml:"max_connections"`
	MaxInbound      int           `mapstructure:"max_inbound" yaml:"max_inbound"`
	MaxOutbound     int           `mapstructure:"max_outbound" yaml:"max_outbound"`
	MaxCutText      int           `mapstructure:"max_cut_text" yaml:"max_cut_text"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	Capture   CaptureConfig   `mapstructure:"capture" yaml:"capture"`
	Admin     AdminConfig     `mapstructure:"admin" yaml:"admin"`
	WebSocket WebSocketConfig `mapstructure:"websocket" yaml:"websocket"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

type CaptureConfig struct {
	// Source is synthetic or image.
	Source    string `mapstructure:"source" yaml:"source"`
	Animation string `mapstructure:"animation" yaml:"animation"`
	// Image is the file read by the image source.
	Image   string `mapstructure:"image" yaml:"image"`
	Width   int    `mapstructure:"width" yaml:"width"`
	Height  int    `mapstructure:"height" yaml:"height"`
	Workers int    `mapstructure:"workers" yaml:"workers"`
	// Queue bounds requests waiting for a free worker. Zero means 64 per worker.
	Queue int `mapstructure:"queue" yaml:"queue"`
	// Timeout bounds a single capture. Zero means no deadline.
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Retries    int           `mapstructure:"retries" yaml:"retries"`
	Backoff    time.Duration `mapstructure:"backoff" yaml:"backoff"`
	MaxBackoff time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	// MaxFPS caps the capture rate across all sessions. Zero means unlimited.
	MaxFPS float64 `mapstructure:"max_fps" yaml:"max_fps"`
}

type AdminConfig struct {
	// Listen enables the admin HTTP server when set.
	Listen string `mapstructure:"listen" yaml:"listen"`
}

type WebSocketConfig struct {
	// Listen enables the WebSocket bridge when set.
	Listen  string `mapstructure:"listen" yaml:"listen"`
	WebRoot string `mapstructure:"web_root" yaml:"web_root"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:          "127.0.0.1:5900",
		Engine:          reactor.KindEpoll,
		EventLoops:      0,
		MaxConnections:  64,
		MaxInbound:      1<<20 + 64,
		MaxOutbound:     32 << 20,
		MaxCutText:      1 << 20,
		ShutdownTimeout: 5 * time.Second,
		Capture: CaptureConfig{
			Source:     SourceSynthetic,
			Animation:  "wheel",
			Width:      1024,
			Height:     768,
			Workers:    4,
			Queue:      256,
			Timeout:    2 * time.Second,
			Retries:    3,
			Backoff:    50 * time.Millisecond,
			MaxBackoff: time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("listen", d.Listen)
	v.SetDefault("name", d.Name)
	v.SetDefault("engine", d.Engine)
	v.SetDefault("event_loops", d.EventLoops)
	v.SetDefault("max_connections", d.MaxConnections)
	v.SetDefault("max_inbound", d.MaxInbound)
	v.SetDefault("max_outbound", d.MaxOutbound)
	v.SetDefault("max_cut_text", d.MaxCutText)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)

	v.SetDefault("capture.source", d.Capture.Source)
	v.SetDefault("capture.animation", d.Capture.Animation)
	v.SetDefault("capture.image", d.Capture.Image)
	v.SetDefault("capture.width", d.Capture.Width)
	v.SetDefault("capture.height", d.Capture.Height)
	v.SetDefault("capture.workers", d.Capture.Workers)
	v.SetDefault("capture.queue", d.Capture.Queue)
	v.SetDefault("capture.timeout", d.Capture.Timeout)
	v.SetDefault("capture.retries", d.Capture.Retries)
	v.SetDefault("capture.backoff", d.Capture.Backoff)
	v.SetDefault("capture.max_backoff", d.Capture.MaxBackoff)
	v.SetDefault("capture.max_fps", d.Capture.MaxFPS)

	v.SetDefault("admin.listen", d.Admin.Listen)
	v.SetDefault("websocket.listen", d.WebSocket.Listen)
	v.SetDefault("websocket.web_root", d.WebSocket.WebRoot)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"listen":          "listen",
	"name":            "name",
	"engine":          "engine",
	"event-loops":     "event_loops",
	"max-connections": "max_connections",
	"capture-source":  "capture.source",
	"animation":       "capture.animation",
	"image":           "capture.image",
	"width":           "capture.width",
	"height":          "capture.height",
	"capture-workers": "capture.workers",
	"capture-queue":   "capture.queue",
	"max-fps":         "capture.max_fps",
	"admin-listen":    "admin.listen",
	"ws-listen":       "websocket.listen",
	"web-root":        "websocket.web_root",
	"log-level":       "log.level",
	"log-format":      "log.format",
}

// RegisterFlags adds the server flags to fs and binds them to v.
func RegisterFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	d := Default()
	fs.String("listen", d.Listen, "Host:port for RFB clients")
	fs.String("name", d.Name, "Desktop name sent to clients")
	fs.String("engine", d.Engine, "Event loop engine (epoll or gnet)")
	fs.Int("event-loops", d.EventLoops, "Number of gnet event loops (0 = one per CPU)")
	fs.Int("max-connections", d.MaxConnections, "Maximum concurrent clients (0 = unlimited)")
	fs.String("capture-source", d.Capture.Source, "Frame source (synthetic or image)")
	fs.String("animation", d.Capture.Animation, "Synthetic animation: "+strings.Join(capture.Animations(), ", "))
	fs.String("image", d.Capture.Image, "Image file served by the image source")
	fs.Int("width", d.Capture.Width, "Framebuffer width")
	fs.Int("height", d.Capture.Height, "Framebuffer height")
	fs.Int("capture-workers", d.Capture.Workers, "Concurrent capture requests")
	fs.Int("capture-queue", d.Capture.Queue, "Capture requests allowed to wait for a worker (0 = 64 per worker)")
	fs.Float64("max-fps", d.Capture.MaxFPS, "Capture rate limit (0 = unlimited)")
	fs.String("admin-listen", d.Admin.Listen, "Host:port for the admin HTTP server (empty disables)")
	fs.String("ws-listen", d.WebSocket.Listen, "Host:port for the WebSocket bridge (empty disables)")
	fs.String("web-root", d.WebSocket.WebRoot, "Static files served next to the WebSocket bridge")
	fs.String("log-level", d.Log.Level, "Log level (debug, info, warn, error)")
	fs.String("log-format", d.Log.Format, "Log format (text or json)")

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads file (if non-empty) into v and decodes the merged configuration.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(validAddr(c.Listen), "listen: invalid address %q", c.Listen)
	check(c.Engine == reactor.KindEpoll || c.Engine == reactor.KindGnet, "engine: must be %s or %s, got %q", reactor.KindEpoll, reactor.KindGnet, c.Engine)
	check(c.EventLoops >= 0, "event_loops: must not be negative")
	check(c.MaxConnections >= 0, "max_connections: must not be negative")
	check(c.MaxInbound >= 64, "max_inbound: must be at least 64 bytes")
	check(c.MaxOutbound >= 0, "max_outbound: must not be negative")
	check(c.MaxCutText >= 0, "max_cut_text: must not be negative")
	cutText := c.MaxCutText
	if cutText == 0 {
		cutText = rfb.MaxCutTextLength
	}
	check(c.MaxInbound >= cutText+rfb.ClientCutTextHeaderLength, "max_inbound: must hold a full ClientCutText message (max_cut_text + %d bytes)", rfb.ClientCutTextHeaderLength)

	cc := c.Capture
	switch cc.Source {
	case SourceSynthetic:
		check(slices.Contains(capture.Animations(), cc.Animation), "capture.animation: unknown animation %q", cc.Animation)
	case SourceImage:
		check(cc.Image != "", "capture.image: required for the image source")
	default:
		errs = append(errs, fmt.Errorf("capture.source: must be %s or %s, got %q", SourceSynthetic, SourceImage, cc.Source))
	}
	check(cc.Width > 0 && cc.Width <= 0xFFFF, "capture.width: must be between 1 and 65535")
	check(cc.Height > 0 && cc.Height <= 0xFFFF, "capture.height: must be between 1 and 65535")
	check(cc.Workers > 0, "capture.workers: must be positive")
	check(cc.Queue >= 0, "capture.queue: must not be negative")
	check(cc.Timeout >= 0, "capture.timeout: must not be negative")
	check(cc.Retries >= 0, "capture.retries: must not be negative")
	check(cc.Backoff >= 0 && cc.MaxBackoff >= cc.Backoff, "capture.backoff: must be between 0 and capture.max_backoff")
	check(cc.MaxFPS >= 0, "capture.max_fps: must not be negative")

	check(c.Admin.Listen == "" || validAddr(c.Admin.Listen), "admin.listen: invalid address %q", c.Admin.Listen)
	check(c.WebSocket.Listen == "" || validAddr(c.WebSocket.Listen), "websocket.listen: invalid address %q", c.WebSocket.Listen)
	check(c.WebSocket.WebRoot == "" || c.WebSocket.Listen != "", "websocket.web_root: requires websocket.listen")

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format: must be text or json, got %q", c.Log.Format)

	return errors.Join(errs...)
}

// YAML renders the configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func validAddr(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	return err == nil && port != ""
}
