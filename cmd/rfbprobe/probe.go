package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/coder/rfbd/rfb"
)

type probeConfig struct {
	Host         string
	Frames       int
	Interval     time.Duration
	Timeout      time.Duration
	OutputDir    string
	Checkerboard bool
	RGB565       bool
	Shared       bool
}

// result summarises one probe run.
type result struct {
	Name        string
	Width       int
	Height      int
	PixelFormat rfb.PixelFormat
	Frames      int
	Resizes     int
	Bytes       int64
}

type probe struct {
	cfg  probeConfig
	conn net.Conn
	log  *slog.Logger

	pf  rfb.PixelFormat
	fb  *image.RGBA
	res result
}

func runProbe(ctx context.Context, cfg probeConfig, log *slog.Logger) (*result, error) {
	if cfg.OutputDir != "" {
		if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}

	log.Info("connecting", "host", cfg.Host)
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	p := &probe{cfg: cfg, conn: conn, log: log}
	return p.run()
}

func (p *probe) run() (*result, error) {
	if err := p.handshake(); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if p.cfg.RGB565 {
		p.pf = rfb.RGB565PixelFormat()
		if _, err := p.conn.Write(rfb.CreateSetPixelFormat(p.pf)); err != nil {
			return nil, err
		}
		p.log.Info("sent SetPixelFormat", "format", p.pf.String())
	}
	if _, err := p.conn.Write(rfb.CreateSetEncodings(rfb.RawEncoding, rfb.DesktopSizeEncoding)); err != nil {
		return nil, err
	}
	p.res.PixelFormat = p.pf

	for i := range p.cfg.Frames {
		if i > 0 && p.cfg.Interval > 0 {
			time.Sleep(p.cfg.Interval)
		}
		req := rfb.CreateFramebufferUpdateRequest(i > 0, 0, 0, uint16(p.res.Width), uint16(p.res.Height))
		if err := p.deadline(); err != nil {
			return nil, err
		}
		if _, err := p.conn.Write(req); err != nil {
			return nil, fmt.Errorf("request frame %d: %w", i+1, err)
		}
		if err := p.awaitUpdate(); err != nil {
			return nil, fmt.Errorf("frame %d: %w", i+1, err)
		}
	}
	return &p.res, nil
}

func (p *probe) deadline() error {
	if p.cfg.Timeout <= 0 {
		return nil
	}
	return p.conn.SetDeadline(time.Now().Add(p.cfg.Timeout))
}

func (p *probe) handshake() error {
	if err := p.deadline(); err != nil {
		return err
	}
	serverVersion, err := rfb.ReadRFBVersion(p.conn)
	if err != nil {
		return fmt.Errorf("read server version: %w", err)
	}
	if serverVersion != rfb.RFBVersion {
		return fmt.Errorf("unsupported server version %q", serverVersion)
	}
	if err := rfb.SendRFBVersion(p.conn); err != nil {
		return err
	}

	types, err := rfb.ReadSecurityTypes(p.conn)
	if err != nil {
		return err
	}
	p.log.Debug("security types", "types", types)
	offered := false
	for _, t := range types {
		offered = offered || t == rfb.SecurityNone
	}
	if !offered {
		return fmt.Errorf("server does not offer security type None (got %v)", types)
	}
	if err := rfb.SendSecurityChoice(p.conn, rfb.SecurityNone); err != nil {
		return err
	}
	if err := rfb.ReadSecurityResult(p.conn); err != nil {
		return err
	}

	if err := rfb.SendClientInit(p.conn, p.cfg.Shared); err != nil {
		return err
	}
	init, err := rfb.ReadServerInit(p.conn)
	if err != nil {
		return fmt.Errorf("read server init: %w", err)
	}
	p.pf = init.PixelFormat
	p.res.Name = init.Name
	p.resize(int(init.Width), int(init.Height))
	p.log.Info("connected", "name", init.Name, "width", init.Width, "height", init.Height, "format", init.PixelFormat.String())
	return nil
}

func (p *probe) resize(w, h int) {
	p.res.Width, p.res.Height = w, h
	p.fb = image.NewRGBA(image.Rect(0, 0, w, h))
}

// awaitUpdate reads server messages until a FramebufferUpdate has been applied.
func (p *probe) awaitUpdate() error {
	for {
		var typ [1]byte
		if _, err := io.ReadFull(p.conn, typ[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("connection closed by server")
			}
			return err
		}
		switch typ[0] {
		case rfb.FramebufferUpdate:
			return p.applyUpdate()
		case rfb.Bell:
			p.log.Debug("bell")
		case rfb.ServerCutText:
			if err := p.skipCutText(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected server message type %d", typ[0])
		}
	}
}

func (p *probe) applyUpdate() error {
	rects, err := rfb.ReadFramebufferUpdate(p.conn, p.pf)
	if err != nil {
		return err
	}
	bpp := p.pf.BytesPerPixel()
	for _, r := range rects {
		switch r.Encoding {
		case rfb.DesktopSizeEncoding:
			p.log.Info("desktop resized", "width", r.Width, "height", r.Height)
			p.res.Resizes++
			p.resize(int(r.Width), int(r.Height))
		case rfb.RawEncoding:
			p.res.Bytes += int64(len(r.Data))
			w, h := int(r.Width), int(r.Height)
			for row := range h {
				for col := range w {
					off := (row*w + col) * bpp
					p.fb.SetRGBA(int(r.X)+col, int(r.Y)+row, rfb.ConvertPixelToRGBA(r.Data[off:off+bpp], p.pf))
				}
			}
		}
	}
	p.res.Frames++
	p.log.Debug("framebuffer update", "frame", p.res.Frames, "rectangles", len(rects))
	if p.cfg.OutputDir != "" {
		return p.saveFrame()
	}
	return nil
}

func (p *probe) skipCutText() error {
	var header [7]byte
	if _, err := io.ReadFull(p.conn, header[:]); err != nil {
		return err
	}
	n := int64(header[3])<<24 | int64(header[4])<<16 | int64(header[5])<<8 | int64(header[6])
	if n > rfb.MaxCutTextLength {
		return fmt.Errorf("server cut text of %d bytes exceeds limit", n)
	}
	_, err := io.CopyN(io.Discard, p.conn, n)
	return err
}

func (p *probe) saveFrame() error {
	img := p.fb
	if p.cfg.Checkerboard {
		img = compositeWithCheckerboard(p.fb)
	}
	name := filepath.Join(p.cfg.OutputDir, fmt.Sprintf("frame_%04d.png", p.res.Frames))
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	p.log.Debug("saved frame", "file", name)
	return f.Close()
}

// compositeWithCheckerboard blends src over a grey checkerboard so that
// transparent regions are visible.
func compositeWithCheckerboard(src *image.RGBA) *image.RGBA {
	const square = 20
	light := color.RGBA{240, 240, 240, 255}
	dark := color.RGBA{200, 200, 200, 255}

	b := src.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			bg := light
			if (x/square+y/square)%2 != 0 {
				bg = dark
			}
			px := src.RGBAAt(x, y)
			a := uint32(px.A)
			blend := func(fg, bg uint8) uint8 {
				return uint8((uint32(fg)*a + uint32(bg)*(255-a)) / 255)
			}
			out.SetRGBA(x, y, color.RGBA{blend(px.R, bg.R), blend(px.G, bg.G), blend(px.B, bg.B), px.A})
		}
	}
	return out
}
