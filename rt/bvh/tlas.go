package bvh

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Instance places a BLAS in the scene with a row-major 3x4 object-to-world
// transform.
type Instance struct {
	Transform [12]float32
	BLAS      *BLAS
	ID        uint32
	Mask      uint8

	toWorld  mgl32.Mat4
	toObject mgl32.Mat4
}

// Mat4From3x4 expands a row-major 3x4 transform.
func Mat4From3x4(m [12]float32) mgl32.Mat4 {
	var out mgl32.Mat4
	for row := 0; row < 3; row++ {
		for col := 0; col < 4; col++ {
			out.Set(row, col, m[row*4+col])
		}
	}
	out.Set(3, 3, 1)
	return out
}

// TLAS is a BVH over instance bounds in world space.
type TLAS struct {
	Tree
	Instances []Instance
}

func BuildTLAS(instances []Instance) *TLAS {
	t := &TLAS{Instances: make([]Instance, len(instances))}
	items := make([]AABBItem, 0, len(instances))
	for i, inst := range instances {
		inst.toWorld = Mat4From3x4(inst.Transform)
		inst.toObject = inst.toWorld.Inv()
		t.Instances[i] = inst
		if inst.BLAS == nil {
			continue
		}
		lo, hi := inst.BLAS.Bounds()
		wlo, whi := transformBounds(inst.toWorld, lo, hi)
		items = append(items, NewAABBItem(wlo, whi, i))
	}

	builder := &Builder{MaxLeafSize: 1}
	t.Tree = *builder.Build(items)
	return t
}

func transformBounds(m mgl32.Mat4, lo, hi mgl32.Vec3) (mgl32.Vec3, mgl32.Vec3) {
	inf := float32(math.Inf(1))
	wlo := mgl32.Vec3{inf, inf, inf}
	whi := mgl32.Vec3{-inf, -inf, -inf}
	for c := 0; c < 8; c++ {
		p := mgl32.Vec3{lo[0], lo[1], lo[2]}
		if c&1 != 0 {
			p[0] = hi[0]
		}
		if c&2 != 0 {
			p[1] = hi[1]
		}
		if c&4 != 0 {
			p[2] = hi[2]
		}
		w := mgl32.TransformCoordinate(p, m)
		for k := 0; k < 3; k++ {
			wlo[k] = min(wlo[k], w[k])
			whi[k] = max(whi[k], w[k])
		}
	}
	return wlo, whi
}

// Intersect returns the closest hit among instances whose mask overlaps mask.
func (t *TLAS) Intersect(r Ray, mask uint8) (Hit, bool) {
	var best Hit
	found := false
	t.Traverse(r, func(first, count int32, tmax float32) float32 {
		for i := first; i < first+count; i++ {
			inst := &t.Instances[t.Order[i]]
			if inst.BLAS == nil || inst.Mask&mask == 0 {
				continue
			}
			// transform the ray; t stays comparable since the direction is not renormalized
			or := Ray{
				Origin: mgl32.TransformCoordinate(r.Origin, inst.toObject),
				Dir:    mgl32.TransformNormal(r.Dir, inst.toObject),
				TMin:   r.TMin,
				TMax:   tmax,
			}
			h, ok := inst.BLAS.Intersect(or)
			if !ok || h.T > tmax {
				continue
			}
			tmax = h.T
			h.Instance = t.Order[i]
			h.Normal = mgl32.TransformNormal(h.Normal, inst.toObject.Transpose()).Normalize()
			best = h
			found = true
		}
		return tmax
	})
	return best, found
}
