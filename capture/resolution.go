package capture

import (
	"sync/atomic"

	"github.com/coder/rfbd/rfb"
)

type atomicResolution struct {
	v atomic.Uint32
}

func (a *atomicResolution) Store(r rfb.Resolution) {
	a.v.Store(uint32(r.Width)<<16 | uint32(r.Height))
}

func (a *atomicResolution) Load() rfb.Resolution {
	v := a.v.Load()
	return rfb.Resolution{Width: uint16(v >> 16), Height: uint16(v)}
}
