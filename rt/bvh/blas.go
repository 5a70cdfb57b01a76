package bvh

import (
	"github.com/go-gl/mathgl/mgl32"
)

const blasLeafSize = 4

// BLAS is a triangle BVH over one mesh in object space.
type BLAS struct {
	Tree
	Vertices []mgl32.Vec3
	Indices  []uint32
}

func BuildBLAS(vertices []mgl32.Vec3, indices []uint32) *BLAS {
	n := len(indices) / 3
	items := make([]AABBItem, n)
	for i := 0; i < n; i++ {
		a := vertices[indices[i*3]]
		b := vertices[indices[i*3+1]]
		c := vertices[indices[i*3+2]]
		lo, hi := a, a
		for _, v := range [2]mgl32.Vec3{b, c} {
			for k := 0; k < 3; k++ {
				lo[k] = min(lo[k], v[k])
				hi[k] = max(hi[k], v[k])
			}
		}
		items[i] = NewAABBItem(lo, hi, i)
	}

	builder := &Builder{MaxLeafSize: blasLeafSize}
	return &BLAS{
		Tree:     *builder.Build(items),
		Vertices: vertices,
		Indices:  indices,
	}
}

func (b *BLAS) TriangleCount() int { return len(b.Indices) / 3 }

func (b *BLAS) triangle(prim int32) (mgl32.Vec3, mgl32.Vec3, mgl32.Vec3) {
	i := int(prim) * 3
	return b.Vertices[b.Indices[i]], b.Vertices[b.Indices[i+1]], b.Vertices[b.Indices[i+2]]
}

// Intersect returns the closest triangle hit along r.
func (b *BLAS) Intersect(r Ray) (Hit, bool) {
	var best Hit
	found := false
	b.Traverse(r, func(first, count int32, tmax float32) float32 {
		for i := first; i < first+count; i++ {
			prim := b.Order[i]
			v0, v1, v2 := b.triangle(prim)
			t, u, v, ok := intersectTriangle(r, v0, v1, v2, r.TMin, tmax)
			if !ok {
				continue
			}
			tmax = t
			found = true
			best = Hit{T: t, U: u, V: v, Prim: prim, Instance: -1, Normal: v1.Sub(v0).Cross(v2.Sub(v0)).Normalize()}
		}
		return tmax
	})
	return best, found
}
