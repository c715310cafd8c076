// Package session implements the server side of the RFB protocol as a state
// machine driven by a single network event loop.
//
// A Session never touches a socket. Decoded input is fed to Handle, replies
// are queued on an Output, and frame captures are requested through a
// FrameRequester whose result comes back through CompleteFrame on the same
// loop that owns the session.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/coder/rfbd/capture"
	"github.com/coder/rfbd/rfb"
	"github.com/google/uuid"
)

// Output receives encoded server messages.
type Output interface {
	QueueOutbound(p []byte)
}

// FrameRequester starts an asynchronous capture. The result must be passed to
// CompleteFrame on the loop that owns the session. An error means no capture
// was started.
type FrameRequester interface {
	RequestFrame() error
}

// Observer receives per-session activity for metrics.
type Observer interface {
	MessageReceived(name string)
	UpdateSent(rects, bytes int)
	UpdateSkipped(reason string)
	SessionClosed(reason string, lifetime time.Duration)
}

// Options configures a new session.
type Options struct {
	// Name is the desktop name sent in ServerInit.
	Name string
	// MaxCutText bounds ClientCutText payloads. Zero uses rfb.MaxCutTextLength.
	MaxCutText int
	Remote     string
	Logger     *slog.Logger
	Observer   Observer
	Registry   *Registry
}

// Input is one decoded unit of client input. Which field is set depends on
// the stage the session was in when it was decoded.
type Input struct {
	Version string
	Choice  uint8
	Shared  uint8
	Message rfb.ClientMessage
}

// Session is the per-connection protocol state. All methods must be called
// from the goroutine that owns the connection.
type Session struct {
	id      string
	remote  string
	name    string
	started time.Time

	stage  Stage
	reason CloseReason
	err    error

	pixelFormat rfb.PixelFormat
	encodings   []int32
	desktopSize bool
	security    uint8
	shared      bool
	framebuffer rfb.Resolution

	waiting bool
	request rfb.FramebufferUpdateRequestMessage

	bytesIn  uint64
	bytesOut uint64
	updates  uint64

	out      Output
	frames   FrameRequester
	decoder  rfb.Decoder
	log      *slog.Logger
	observer Observer
	registry *Registry
	scratch  []byte
}

// New creates a session in the AwaitingVersion stage. Nothing is sent until Start.
func New(out Output, frames FrameRequester, opts Options) *Session {
	s := &Session{
		id:          uuid.NewString(),
		remote:      opts.Remote,
		name:        opts.Name,
		started:     time.Now(),
		stage:       AwaitingVersion,
		pixelFormat: rfb.DefaultPixelFormat(),
		out:         out,
		frames:      frames,
		decoder:     rfb.Decoder{MaxCutTextLength: opts.MaxCutText},
		observer:    opts.Observer,
		registry:    opts.Registry,
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s.log = logger.With("session", s.id, "remote", s.remote)
	return s
}

func (s *Session) ID() string                   { return s.id }
func (s *Session) Stage() Stage                 { return s.stage }
func (s *Session) CloseReason() CloseReason     { return s.reason }
func (s *Session) Err() error                   { return s.err }
func (s *Session) Closed() bool                 { return s.stage == Closed }
func (s *Session) PixelFormat() rfb.PixelFormat { return s.pixelFormat }
func (s *Session) Framebuffer() rfb.Resolution  { return s.framebuffer }
func (s *Session) Encodings() []int32           { return slices.Clone(s.encodings) }

// Waiting reports whether a frame request is outstanding. Input must not be
// handled while waiting so that replies stay in request order.
func (s *Session) Waiting() bool { return s.waiting }

// Start queues the server's protocol version and registers the session.
func (s *Session) Start() {
	s.send(rfb.AppendVersion(s.scratch[:0]))
	if s.registry != nil {
		s.registry.add(s.info())
	}
	s.log.Debug("session started")
}

// Decode decodes one unit of input for the current stage. It returns
// rfb.ErrIncomplete when b does not yet hold a whole unit.
func (s *Session) Decode(b []byte) (Input, int, error) {
	switch s.stage {
	case AwaitingVersion:
		v, n, err := rfb.DecodeVersion(b)
		return Input{Version: v}, n, err
	case AwaitingSecurityChoice:
		c, n, err := rfb.DecodeSecurityChoice(b)
		return Input{Choice: c}, n, err
	case AwaitingClientInit:
		f, n, err := rfb.DecodeClientInit(b)
		return Input{Shared: f}, n, err
	case Operating:
		m, n, err := s.decoder.Decode(b)
		return Input{Message: m}, n, err
	default:
		return Input{}, 0, rfb.ErrIncomplete
	}
}

// Handle advances the state machine with one decoded input.
func (s *Session) Handle(in Input) {
	switch s.stage {
	case AwaitingVersion:
		s.handleVersion(in.Version)
	case AwaitingSecurityChoice:
		s.handleSecurity(in.Choice)
	case AwaitingClientInit:
		s.handleClientInit(in.Shared)
	case Operating:
		if in.Message != nil {
			s.handleMessage(in.Message)
		}
	}
}

func (s *Session) handleVersion(version string) {
	if version != rfb.RFBVersion {
		s.Close(VersionMismatch, fmt.Errorf("unsupported protocol version %q", version))
		return
	}
	s.send(rfb.AppendSecurityTypes(s.scratch[:0], rfb.SecurityNone))
	s.setStage(AwaitingSecurityChoice)
}

func (s *Session) handleSecurity(choice uint8) {
	if choice != rfb.SecurityNone {
		s.send(rfb.AppendSecurityResultFailed(s.scratch[:0], "unsupported security type"))
		s.Close(SecurityRejected, fmt.Errorf("client chose security type %d", choice))
		return
	}
	s.security = choice
	s.send(rfb.AppendSecurityResultOK(s.scratch[:0]))
	s.setStage(AwaitingClientInit)
}

func (s *Session) handleClientInit(flag uint8) {
	// any non-zero value asks for a shared session
	s.shared = flag != 0
	s.log.Debug("client init", "shared", s.shared, "flag", flag)
	if err := s.frames.RequestFrame(); err != nil {
		s.Close(CaptureFailed, fmt.Errorf("initial capture: %w", err))
		return
	}
	s.waiting = true
}

func (s *Session) handleMessage(msg rfb.ClientMessage) {
	if s.observer != nil {
		s.observer.MessageReceived(rfb.MessageName(msg.MessageType()))
	}

	switch m := msg.(type) {
	case rfb.SetPixelFormatMessage:
		if err := m.Format.Validate(); err != nil {
			s.log.Warn("ignoring unsupported pixel format", "format", m.Format.String(), "error", err)
			return
		}
		s.pixelFormat = m.Format
		s.log.Debug("pixel format set", "format", m.Format.String())
		s.publish()

	case rfb.SetEncodingsMessage:
		s.encodings = m.Encodings
		s.desktopSize = slices.Contains(m.Encodings, rfb.DesktopSizeEncoding)
		s.log.Debug("encodings set", "count", len(m.Encodings), "desktop_size", s.desktopSize)
		s.publish()

	case rfb.FramebufferUpdateRequestMessage:
		if err := s.frames.RequestFrame(); err != nil {
			s.skipUpdate("request", err)
			return
		}
		s.request = m
		s.waiting = true

	case rfb.KeyEventMessage:
		s.log.Debug("key event discarded", "key", m.Key, "down", m.Down)
	case rfb.PointerEventMessage:
		s.log.Debug("pointer event discarded", "x", m.X, "y", m.Y, "buttons", m.ButtonMask)
	case rfb.ClientCutTextMessage:
		s.log.Debug("cut text discarded", "bytes", len(m.Text))
	case rfb.UnknownMessage:
		s.log.Debug("skipped extension message", "type", m.Opcode, "bytes", m.Length)
	}
}

// CompleteFrame delivers the result of the outstanding frame request. A result
// arriving with no request outstanding, or after close, is dropped.
func (s *Session) CompleteFrame(snap *capture.Snapshot, err error) {
	if s.stage == Closed || !s.waiting {
		return
	}
	s.waiting = false

	switch s.stage {
	case AwaitingClientInit:
		if err != nil {
			s.Close(CaptureFailed, fmt.Errorf("initial capture: %w", err))
			return
		}
		s.framebuffer = snap.Resolution()
		s.send(rfb.AppendServerInit(s.scratch[:0], rfb.ServerInit{
			Width:       snap.Width,
			Height:      snap.Height,
			PixelFormat: s.pixelFormat,
			Name:        s.name,
		}))
		s.setStage(Operating)
		s.log.Info("session established", "framebuffer", s.framebuffer.String(), "shared", s.shared)

	case Operating:
		switch {
		case errors.Is(err, capture.ErrFatal):
			s.Close(CaptureFailed, err)
		case err != nil:
			s.skipUpdate("capture", err)
		default:
			s.sendUpdate(snap)
		}
	}
}

func (s *Session) skipUpdate(reason string, err error) {
	s.log.Warn("framebuffer update skipped", "reason", reason, "error", err)
	if s.observer != nil {
		s.observer.UpdateSkipped(reason)
	}
}

func (s *Session) sendUpdate(snap *capture.Snapshot) {
	res := snap.Resolution()
	var resized bool
	if res != s.framebuffer && s.desktopSize {
		s.log.Info("framebuffer resized", "from", s.framebuffer.String(), "to", res.String())
		s.framebuffer = res
		resized = true
	}

	bounds := rfb.Resolution{
		Width:  min(res.Width, s.framebuffer.Width),
		Height: min(res.Height, s.framebuffer.Height),
	}
	rect := s.request.Rect().Clip(bounds)

	var count uint16
	if resized {
		count++
	}
	if !rect.Empty() {
		count++
	}

	if need := 4 + int(count)*rfb.RectangleHeaderLength + rfb.EncodedLength(rect, s.pixelFormat); cap(s.scratch) < need {
		s.scratch = make([]byte, 0, need)
	}
	buf := rfb.AppendFramebufferUpdate(s.scratch[:0], count)
	if resized {
		buf = rfb.AppendRectangleHeader(buf, rfb.Rectangle{
			Width:    res.Width,
			Height:   res.Height,
			Encoding: rfb.DesktopSizeEncoding,
		})
	}
	if !rect.Empty() {
		enc := rfb.SelectEncoder(s.encodings)
		rect.Encoding = enc.Type()
		buf = rfb.AppendRectangleHeader(buf, rect)
		buf = enc.Encode(buf, snap.Pix, snap.Stride(), rect, s.pixelFormat)
	}
	s.send(buf)
	s.scratch = buf[:0]

	s.updates++
	if s.observer != nil {
		s.observer.UpdateSent(int(count), len(buf))
	}
	s.publish()
}

// Close ends the session. Replies already queued are still flushed by the
// owner before the connection is closed. Closing twice keeps the first reason.
func (s *Session) Close(reason CloseReason, err error) {
	if s.stage == Closed {
		return
	}
	prev := s.stage
	s.stage = Closed
	s.reason = reason
	s.err = err
	s.waiting = false
	s.scratch = nil

	attrs := []any{"reason", reason.String(), "stage", prev.String(), "lifetime", time.Since(s.started).Round(time.Millisecond)}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	switch reason {
	case ClientDisconnected, ServerShutdown:
		s.log.Info("session closed", attrs...)
	default:
		s.log.Warn("session closed", attrs...)
	}

	if s.observer != nil {
		s.observer.SessionClosed(reason.String(), time.Since(s.started))
	}
	if s.registry != nil {
		s.registry.remove(s.id)
	}
}

// AddTraffic accounts bytes moved by the owning connection.
func (s *Session) AddTraffic(in, out int) {
	s.bytesIn += uint64(in)
	s.bytesOut += uint64(out)
}

func (s *Session) send(p []byte) {
	s.out.QueueOutbound(p)
}

func (s *Session) setStage(stage Stage) {
	s.log.Debug("stage change", "from", s.stage.String(), "to", stage.String())
	s.stage = stage
	s.publish()
}

func (s *Session) publish() {
	if s.registry != nil && s.stage != Closed {
		s.registry.update(s.info())
	}
}
