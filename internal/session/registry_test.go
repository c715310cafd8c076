package session

import (
	"testing"

	"github.com/coder/rfbd/capture"
	"github.com/coder/rfbd/rfb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryTracksSessions(t *testing.T) {
	reg := NewRegistry()
	a := New(&fakeOutput{}, &fakeFrames{}, Options{Remote: "a", Registry: reg})
	b := New(&fakeOutput{}, &fakeFrames{}, Options{Remote: "b", Registry: reg})
	a.Start()
	b.Start()

	list := reg.List()
	require.Len(t, list, 2)
	assert.ElementsMatch(t, []string{"a", "b"}, []string{list[0].Remote, list[1].Remote})
	assert.Equal(t, "awaiting-version", list[0].Stage)

	a.Handle(Input{Version: rfb.RFBVersion})
	info, ok := reg.Get(a.ID())
	require.True(t, ok)
	assert.Equal(t, "awaiting-security", info.Stage)

	b.Close(ClientDisconnected, nil)
	assert.Equal(t, 1, reg.Len())
	_, ok = reg.Get(b.ID())
	assert.False(t, ok)
}

func TestRegistryInfoAfterUpdate(t *testing.T) {
	h := operating(t, 3, 3)
	h.feed(t, rfb.CreateSetEncodings(rfb.RawEncoding, rfb.DesktopSizeEncoding, 99))
	h.feed(t, rfb.CreateFramebufferUpdateRequest(false, 0, 0, 3, 3))
	h.s.AddTraffic(10, 20)
	h.s.CompleteFrame(capture.NewSnapshot(3, 3), nil)

	info, ok := h.reg.Get(h.s.ID())
	require.True(t, ok)
	assert.Equal(t, []string{"Raw", "DesktopSize", "Unknown"}, info.Encodings)
	assert.Equal(t, uint64(1), info.Updates)
	assert.Equal(t, uint64(10), info.BytesIn)
	assert.Equal(t, uint64(20), info.BytesOut)
}
