package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/coder/rfbd/capture"
	"github.com/coder/rfbd/rfb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOutput struct {
	bytes.Buffer
}

func (o *fakeOutput) QueueOutbound(p []byte) { o.Write(p) }

type fakeFrames struct {
	requests int
	err      error
}

func (f *fakeFrames) RequestFrame() error {
	f.requests++
	return f.err
}

type countingObserver struct {
	messages []string
	sent     int
	skipped  []string
	closed   []string
}

func (o *countingObserver) MessageReceived(name string)             { o.messages = append(o.messages, name) }
func (o *countingObserver) UpdateSent(int, int)                     { o.sent++ }
func (o *countingObserver) UpdateSkipped(reason string)             { o.skipped = append(o.skipped, reason) }
func (o *countingObserver) SessionClosed(r string, _ time.Duration) { o.closed = append(o.closed, r) }

type harness struct {
	s      *Session
	out    *fakeOutput
	frames *fakeFrames
	obs    *countingObserver
	reg    *Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{out: &fakeOutput{}, frames: &fakeFrames{}, obs: &countingObserver{}, reg: NewRegistry()}
	h.s = New(h.out, h.frames, Options{Name: "test desk", Remote: "10.0.0.1:1234", Observer: h.obs, Registry: h.reg})
	return h
}

// feed decodes and handles input the way a connection loop does.
func (h *harness) feed(t *testing.T, data []byte) []byte {
	t.Helper()
	for len(data) > 0 && !h.s.Closed() && !h.s.Waiting() {
		in, n, err := h.s.Decode(data)
		if errors.Is(err, rfb.ErrIncomplete) {
			break
		}
		require.NoError(t, err)
		data = data[n:]
		h.s.Handle(in)
	}
	return data
}

// operating drives a session through the handshake with a w x h framebuffer
// and discards the handshake output.
func operating(t *testing.T, w, h uint16) *harness {
	t.Helper()
	hs := newHarness(t)
	hs.s.Start()
	hs.feed(t, []byte(rfb.RFBVersion))
	hs.feed(t, []byte{rfb.SecurityNone})
	hs.feed(t, []byte{1})
	require.True(t, hs.s.Waiting())
	hs.s.CompleteFrame(capture.NewSnapshot(w, h), nil)
	require.Equal(t, Operating, hs.s.Stage())
	hs.out.Reset()
	return hs
}

func readUpdate(t *testing.T, r io.Reader, pf rfb.PixelFormat) []rfb.UpdateRectangle {
	t.Helper()
	var typ [1]byte
	_, err := io.ReadFull(r, typ[:])
	require.NoError(t, err)
	require.Equal(t, byte(rfb.FramebufferUpdate), typ[0])
	rects, err := rfb.ReadFramebufferUpdate(r, pf)
	require.NoError(t, err)
	return rects
}

func TestHandshake(t *testing.T) {
	h := newHarness(t)
	h.s.Start()

	version, err := rfb.ReadRFBVersion(&h.out.Buffer)
	require.NoError(t, err)
	assert.Equal(t, rfb.RFBVersion, version)
	assert.Equal(t, 1, h.reg.Len())

	rest := h.feed(t, []byte("RFB 003.008\n"))
	assert.Empty(t, rest)
	assert.Equal(t, AwaitingSecurityChoice, h.s.Stage())
	types, err := rfb.ReadSecurityTypes(&h.out.Buffer)
	require.NoError(t, err)
	assert.Equal(t, []uint8{rfb.SecurityNone}, types)

	h.feed(t, []byte{rfb.SecurityNone})
	assert.Equal(t, AwaitingClientInit, h.s.Stage())
	require.NoError(t, rfb.ReadSecurityResult(&h.out.Buffer))

	h.feed(t, []byte{1})
	assert.True(t, h.s.Waiting())
	assert.Equal(t, 1, h.frames.requests)
	assert.Zero(t, h.out.Len(), "ServerInit waits for the capture")

	h.s.CompleteFrame(capture.NewSnapshot(640, 480), nil)
	assert.Equal(t, Operating, h.s.Stage())
	assert.False(t, h.s.Waiting())

	init, err := rfb.ReadServerInit(&h.out.Buffer)
	require.NoError(t, err)
	assert.Equal(t, rfb.ServerInit{Width: 640, Height: 480, PixelFormat: rfb.DefaultPixelFormat(), Name: "test desk"}, init)
	assert.Zero(t, h.out.Len())

	info, ok := h.reg.Get(h.s.ID())
	require.True(t, ok)
	assert.Equal(t, "operating", info.Stage)
	assert.Equal(t, "640x480", info.Framebuffer)
	assert.True(t, info.Shared)
}

func TestHandshakeSplitAcrossReads(t *testing.T) {
	h := newHarness(t)
	h.s.Start()
	h.out.Reset()

	input := append([]byte(rfb.RFBVersion), rfb.SecurityNone, 0)
	var pending []byte
	for _, b := range input {
		pending = h.feed(t, append(pending, b))
	}
	assert.Empty(t, pending)
	assert.True(t, h.s.Waiting())
	assert.Equal(t, AwaitingClientInit, h.s.Stage())
}

func TestSharedFlagValues(t *testing.T) {
	for _, flag := range []uint8{0, 1, 7} {
		h := newHarness(t)
		h.s.Start()
		h.feed(t, append([]byte(rfb.RFBVersion), rfb.SecurityNone, flag))
		h.s.CompleteFrame(capture.NewSnapshot(1, 1), nil)
		assert.Equal(t, Operating, h.s.Stage(), "flag %d", flag)
		assert.Equal(t, flag != 0, h.s.Info().Shared, "flag %d", flag)
	}
}

func TestVersionMismatch(t *testing.T) {
	h := newHarness(t)
	h.s.Start()
	h.out.Reset()

	h.feed(t, []byte("RFB 003.003\n"))
	assert.True(t, h.s.Closed())
	assert.Equal(t, VersionMismatch, h.s.CloseReason())
	assert.Error(t, h.s.Err())
	assert.Zero(t, h.out.Len())
	assert.Zero(t, h.reg.Len())
	assert.Equal(t, []string{"version_mismatch"}, h.obs.closed)
}

func TestSecurityRejected(t *testing.T) {
	h := newHarness(t)
	h.s.Start()
	h.feed(t, []byte(rfb.RFBVersion))
	h.out.Reset()

	h.feed(t, []byte{rfb.SecurityVNCAuth})
	assert.Equal(t, SecurityRejected, h.s.CloseReason())

	err := rfb.ReadSecurityResult(&h.out.Buffer)
	assert.ErrorIs(t, err, rfb.ErrSecurityFailed, "failure reply is queued before close")
}

func TestInitialCaptureFailure(t *testing.T) {
	tests := []struct {
		name       string
		requestErr error
		result     error
	}{
		{name: "capture error", result: capture.ErrUnavailable},
		{name: "fatal", result: capture.ErrFatal},
		{name: "pool busy", requestErr: capture.ErrBusy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.frames.err = tt.requestErr
			h.s.Start()
			h.feed(t, append([]byte(rfb.RFBVersion), rfb.SecurityNone, 1))
			if tt.requestErr == nil {
				h.s.CompleteFrame(nil, tt.result)
			}
			assert.Equal(t, CaptureFailed, h.s.CloseReason())
		})
	}
}

func TestFramebufferUpdateRaw(t *testing.T) {
	h := operating(t, 4, 3)
	snap := capture.NewSnapshot(4, 3)
	for i := range snap.Pix {
		snap.Pix[i] = byte(i)
	}

	h.feed(t, rfb.CreateFramebufferUpdateRequest(false, 0, 0, 4, 3))
	require.True(t, h.s.Waiting())
	h.s.CompleteFrame(snap, nil)

	rects := readUpdate(t, &h.out.Buffer, rfb.DefaultPixelFormat())
	require.Len(t, rects, 1)
	assert.Equal(t, rfb.Rectangle{Width: 4, Height: 3, Encoding: rfb.RawEncoding}, rects[0].Rectangle)
	assert.Equal(t, snap.Pix, rects[0].Data)
	assert.Zero(t, h.out.Len())
	assert.Equal(t, 1, h.obs.sent)
}

func TestUpdateBufferSizedForFrame(t *testing.T) {
	h := operating(t, 64, 32)
	h.feed(t, rfb.CreateFramebufferUpdateRequest(false, 0, 0, 64, 32))
	h.s.CompleteFrame(capture.NewSnapshot(64, 32), nil)

	rect := rfb.Rectangle{Width: 64, Height: 32}
	want := 4 + rfb.RectangleHeaderLength + rfb.EncodedLength(rect, rfb.DefaultPixelFormat())
	assert.Equal(t, want, h.out.Len())
	assert.Equal(t, want, cap(h.s.scratch), "one allocation sized for the whole update")
}

func TestFramebufferUpdateNegotiatedFormat(t *testing.T) {
	h := operating(t, 8, 2)
	h.feed(t, rfb.CreateSetPixelFormat(rfb.RGB565PixelFormat()))
	assert.Equal(t, rfb.RGB565PixelFormat(), h.s.PixelFormat())

	h.feed(t, rfb.CreateFramebufferUpdateRequest(true, 2, 0, 3, 2))
	h.s.CompleteFrame(capture.NewSnapshot(8, 2), nil)

	// header 4 + rect 12 + 3*2 pixels at 2 bytes
	assert.Equal(t, 4+12+12, h.out.Len())
	rects := readUpdate(t, &h.out.Buffer, rfb.RGB565PixelFormat())
	require.Len(t, rects, 1)
	assert.Equal(t, rfb.Rectangle{X: 2, Width: 3, Height: 2}, rects[0].Rectangle)
}

func TestInvalidPixelFormatIgnored(t *testing.T) {
	h := operating(t, 2, 2)
	bad := rfb.DefaultPixelFormat()
	bad.TrueColorFlag = 0

	h.feed(t, rfb.CreateSetPixelFormat(bad))
	assert.False(t, h.s.Closed())
	assert.Equal(t, rfb.DefaultPixelFormat(), h.s.PixelFormat())
}

func TestFramebufferUpdateClipping(t *testing.T) {
	tests := []struct {
		name     string
		req      []byte
		wantRect *rfb.Rectangle
	}{
		{
			name:     "overhang",
			req:      rfb.CreateFramebufferUpdateRequest(false, 8, 6, 100, 100),
			wantRect: &rfb.Rectangle{X: 8, Y: 6, Width: 2, Height: 2},
		},
		{
			name: "outside",
			req:  rfb.CreateFramebufferUpdateRequest(false, 20, 0, 5, 5),
		},
		{
			name: "zero size",
			req:  rfb.CreateFramebufferUpdateRequest(false, 0, 0, 0, 0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := operating(t, 10, 8)
			h.feed(t, tt.req)
			h.s.CompleteFrame(capture.NewSnapshot(10, 8), nil)

			rects := readUpdate(t, &h.out.Buffer, rfb.DefaultPixelFormat())
			if tt.wantRect == nil {
				assert.Empty(t, rects)
				return
			}
			require.Len(t, rects, 1)
			assert.Equal(t, *tt.wantRect, rects[0].Rectangle)
			assert.Len(t, rects[0].Data, tt.wantRect.Area()*4)
		})
	}
}

func TestResolutionChangeWithDesktopSize(t *testing.T) {
	h := operating(t, 10, 10)
	h.feed(t, rfb.CreateSetEncodings(rfb.RawEncoding, rfb.DesktopSizeEncoding))

	h.feed(t, rfb.CreateFramebufferUpdateRequest(false, 0, 0, 10, 10))
	h.s.CompleteFrame(capture.NewSnapshot(6, 4), nil)

	rects := readUpdate(t, &h.out.Buffer, rfb.DefaultPixelFormat())
	require.Len(t, rects, 2)
	assert.Equal(t, rfb.Rectangle{Width: 6, Height: 4, Encoding: rfb.DesktopSizeEncoding}, rects[0].Rectangle)
	assert.Equal(t, rfb.Rectangle{Width: 6, Height: 4}, rects[1].Rectangle)
	assert.Equal(t, rfb.Resolution{Width: 6, Height: 4}, h.s.Framebuffer())
}

func TestResolutionChangeWithoutDesktopSize(t *testing.T) {
	h := operating(t, 10, 10)

	// grown snapshot is clipped to the announced size
	h.feed(t, rfb.CreateFramebufferUpdateRequest(false, 0, 0, 20, 20))
	h.s.CompleteFrame(capture.NewSnapshot(20, 20), nil)
	rects := readUpdate(t, &h.out.Buffer, rfb.DefaultPixelFormat())
	require.Len(t, rects, 1)
	assert.Equal(t, rfb.Rectangle{Width: 10, Height: 10}, rects[0].Rectangle)

	// shrunk snapshot is clipped to itself
	h.feed(t, rfb.CreateFramebufferUpdateRequest(false, 0, 0, 10, 10))
	h.s.CompleteFrame(capture.NewSnapshot(5, 3), nil)
	rects = readUpdate(t, &h.out.Buffer, rfb.DefaultPixelFormat())
	require.Len(t, rects, 1)
	assert.Equal(t, rfb.Rectangle{Width: 5, Height: 3}, rects[0].Rectangle)
	assert.Equal(t, rfb.Resolution{Width: 10, Height: 10}, h.s.Framebuffer())
}

func TestCaptureFailuresWhileOperating(t *testing.T) {
	h := operating(t, 4, 4)

	h.feed(t, rfb.CreateFramebufferUpdateRequest(false, 0, 0, 4, 4))
	h.s.CompleteFrame(nil, capture.ErrUnavailable)
	assert.False(t, h.s.Closed(), "transient failure skips the update")
	assert.False(t, h.s.Waiting())
	assert.Zero(t, h.out.Len())

	h.frames.err = capture.ErrBusy
	h.feed(t, rfb.CreateFramebufferUpdateRequest(false, 0, 0, 4, 4))
	assert.False(t, h.s.Waiting(), "rejected request leaves nothing outstanding")
	assert.Equal(t, []string{"capture", "request"}, h.obs.skipped)

	h.frames.err = nil
	h.feed(t, rfb.CreateFramebufferUpdateRequest(false, 0, 0, 4, 4))
	h.s.CompleteFrame(nil, capture.ErrFatal)
	assert.Equal(t, CaptureFailed, h.s.CloseReason())
}

func TestLateFrameResultDropped(t *testing.T) {
	h := operating(t, 4, 4)

	// nothing outstanding
	h.s.CompleteFrame(capture.NewSnapshot(4, 4), nil)
	assert.Zero(t, h.out.Len())

	h.feed(t, rfb.CreateFramebufferUpdateRequest(false, 0, 0, 4, 4))
	h.s.Close(ClientDisconnected, nil)
	h.s.CompleteFrame(capture.NewSnapshot(4, 4), nil)
	assert.Zero(t, h.out.Len())
	assert.Equal(t, ClientDisconnected, h.s.CloseReason())
}

func TestInputPausedWhileWaiting(t *testing.T) {
	h := operating(t, 2, 2)
	var input []byte
	input = append(input, rfb.CreateFramebufferUpdateRequest(false, 0, 0, 2, 2)...)
	input = append(input, rfb.CreateFramebufferUpdateRequest(false, 0, 0, 1, 1)...)

	rest := h.feed(t, input)
	assert.Len(t, rest, rfb.FramebufferUpdateRequestLength, "second request waits for the first reply")
	assert.Equal(t, 1, h.frames.requests-1)

	h.s.CompleteFrame(capture.NewSnapshot(2, 2), nil)
	h.feed(t, rest)
	h.s.CompleteFrame(capture.NewSnapshot(2, 2), nil)

	first := readUpdate(t, &h.out.Buffer, rfb.DefaultPixelFormat())
	second := readUpdate(t, &h.out.Buffer, rfb.DefaultPixelFormat())
	assert.Equal(t, uint16(2), first[0].Width)
	assert.Equal(t, uint16(1), second[0].Width)
}

func TestDiscardedMessages(t *testing.T) {
	h := operating(t, 2, 2)
	var input []byte
	input = append(input, rfb.CreateKeyEvent(true, 'a')...)
	input = append(input, rfb.CreatePointerEvent(1, 1, 1)...)
	input = append(input, rfb.CreateClientCutText([]byte("clip"))...)
	input = append(input, rfb.Xvp, 0, 1, 2)

	rest := h.feed(t, input)
	assert.Empty(t, rest)
	assert.False(t, h.s.Closed())
	assert.Zero(t, h.out.Len())
	assert.Equal(t, []string{"KeyEvent", "PointerEvent", "ClientCutText", "Xvp"}, h.obs.messages)
}

func TestDecodeMalformedWhileOperating(t *testing.T) {
	h := operating(t, 2, 2)
	_, _, err := h.s.Decode([]byte{42, 0, 0, 0})
	assert.ErrorIs(t, err, rfb.ErrMalformed)

	big := make([]byte, 8)
	big[0] = rfb.ClientCutText
	binary.BigEndian.PutUint32(big[4:], rfb.MaxCutTextLength+1)
	_, _, err = h.s.Decode(big)
	assert.ErrorIs(t, err, rfb.ErrMalformed)
}

func TestCloseIsIdempotent(t *testing.T) {
	h := operating(t, 2, 2)
	h.s.Close(IOError, errors.New("reset"))
	h.s.Close(ServerShutdown, nil)
	assert.Equal(t, IOError, h.s.CloseReason())
	assert.Equal(t, []string{"io_error"}, h.obs.closed)
	assert.Zero(t, h.reg.Len())

	_, n, err := h.s.Decode([]byte{1, 2, 3})
	assert.Zero(t, n)
	assert.ErrorIs(t, err, rfb.ErrIncomplete)
}
