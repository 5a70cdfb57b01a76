package bvh

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

type Ray struct {
	Origin mgl32.Vec3
	Dir    mgl32.Vec3
	TMin   float32
	TMax   float32
}

type Hit struct {
	T        float32
	U, V     float32
	Prim     int32
	Instance int32
	Normal   mgl32.Vec3
}

func (r Ray) At(t float32) mgl32.Vec3 { return r.Origin.Add(r.Dir.Mul(t)) }

func (r Ray) invDir() mgl32.Vec3 {
	var inv mgl32.Vec3
	for k := 0; k < 3; k++ {
		if r.Dir[k] == 0 {
			inv[k] = float32(math.Inf(1))
		} else {
			inv[k] = 1 / r.Dir[k]
		}
	}
	return inv
}

// slab returns the entry distance of the ray into the box.
func slab(o, inv, lo, hi mgl32.Vec3, tmin, tmax float32) (float32, bool) {
	for k := 0; k < 3; k++ {
		t0 := (lo[k] - o[k]) * inv[k]
		t1 := (hi[k] - o[k]) * inv[k]
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		// NaN from 0*Inf means the ray lies in the slab plane
		if t0 == t0 {
			tmin = max(tmin, t0)
		}
		if t1 == t1 {
			tmax = min(tmax, t1)
		}
		if tmin > tmax {
			return 0, false
		}
	}
	return tmin, true
}

// intersectTriangle is Moller-Trumbore without backface culling.
func intersectTriangle(r Ray, a, b, c mgl32.Vec3, tmin, tmax float32) (t, u, v float32, ok bool) {
	const eps = 1e-9
	e1 := b.Sub(a)
	e2 := c.Sub(a)
	p := r.Dir.Cross(e2)
	det := e1.Dot(p)
	if det > -eps && det < eps {
		return 0, 0, 0, false
	}
	invDet := 1 / det
	s := r.Origin.Sub(a)
	u = s.Dot(p) * invDet
	if u < 0 || u > 1 {
		return 0, 0, 0, false
	}
	q := s.Cross(e1)
	v = r.Dir.Dot(q) * invDet
	if v < 0 || u+v > 1 {
		return 0, 0, 0, false
	}
	t = e2.Dot(q) * invDet
	if t < tmin || t > tmax {
		return 0, 0, 0, false
	}
	return t, u, v, true
}
