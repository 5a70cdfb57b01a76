package wgpudev

import (
	"github.com/gekko3d/rtas/rt/shader"
	"github.com/gekko3d/rtas/rt/wgpudev/shaders"
)

// DefaultBundle packs the built-in traversal kernel as a bundle that both
// providers accept. The miss and closest-hit stages are helpers inside the
// kernel, so their containers only name the function.
func DefaultBundle() *shader.Bundle {
	return shader.NewBundle(
		shader.Pack(1, shader.NewPart(SourcePart, []byte(shaders.RayGenWGSL))),
		shader.Pack(1, shader.NewPart("NAME", []byte(shader.MissEntry))),
		shader.Pack(1, shader.NewPart("NAME", []byte(shader.ClosestHitEntry))),
	)
}
