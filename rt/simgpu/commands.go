package simgpu

import (
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/rtas/rt/device"
)

// CommandList records ops for execution at Submit.
type CommandList struct {
	*device.Recorder
	dev   *Device
	alloc *Allocator
}

func blend(dst mgl32.Vec4, src mgl32.Vec4, w float32) mgl32.Vec4 {
	return dst.Add(src.Mul(w))
}
