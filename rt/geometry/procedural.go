package geometry

import (
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/rtas/rt/core"
)

const (
	FallbackQuadLabel = "DebugQuadNearCam"
	TerrainPatchLabel = "TerrainPatch"
)

// FallbackQuad builds a camera-facing quad of the given half size, dist units
// in front of the viewpoint.
func FallbackQuad(vp core.Viewpoint, half, dist float32) Record {
	fwd := vp.Forward
	if fwd.Len() < 1e-6 {
		fwd = mgl32.Vec3{0, 1, 0}
	}
	fwd = fwd.Normalize()

	right := fwd.Cross(mgl32.Vec3{0, 0, 1})
	if right.Len() < 1e-6 {
		// looking straight up or down
		right = mgl32.Vec3{1, 0, 0}
	}
	right = right.Normalize()
	up := right.Cross(fwd).Normalize()

	c := vp.Position.Add(fwd.Mul(dist))
	r := right.Mul(half)
	u := up.Mul(half)

	return Record{
		Vertices: []mgl32.Vec3{
			c.Sub(r).Sub(u),
			c.Add(r).Sub(u),
			c.Add(r).Add(u),
			c.Sub(r).Add(u),
		},
		Indices:   []uint32{0, 1, 2, 0, 2, 3},
		Transform: mgl32.Ident4(),
		Label:     FallbackQuadLabel,
	}
}

// TerrainPatch builds a cells x cells grid of step-sized quads centered under
// center. height samples the elevation; nil means a flat patch at center's Z.
func TerrainPatch(center mgl32.Vec3, cells int, step float32, height func(x, y float32) float32) Record {
	if cells <= 0 {
		cells = 1
	}
	verts := cells + 1
	half := float32(cells) * step * 0.5

	rec := Record{
		Vertices:  make([]mgl32.Vec3, 0, verts*verts),
		Indices:   make([]uint32, 0, cells*cells*6),
		Transform: mgl32.Ident4(),
		Label:     TerrainPatchLabel,
	}
	for j := 0; j < verts; j++ {
		for i := 0; i < verts; i++ {
			x := center.X() + float32(i)*step - half
			y := center.Y() + float32(j)*step - half
			z := center.Z()
			if height != nil {
				z = height(x, y)
			}
			rec.Vertices = append(rec.Vertices, mgl32.Vec3{x, y, z})
		}
	}

	idx := func(i, j int) uint32 { return uint32(j*verts + i) }
	for j := 0; j < cells; j++ {
		for i := 0; i < cells; i++ {
			v0, v1, v2, v3 := idx(i, j), idx(i+1, j), idx(i+1, j+1), idx(i, j+1)
			rec.Indices = append(rec.Indices, v0, v1, v2, v0, v2, v3)
		}
	}
	return rec
}
