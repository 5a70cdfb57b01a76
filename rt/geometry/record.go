package geometry

import (
	"context"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/rtas/rt/core"
)

// Record is one mesh handed over by the scene: world space positions, triangle
// indices and a label for diagnostics.
type Record struct {
	Vertices []mgl32.Vec3
	Indices  []uint32
	// Transform is the mesh's source transform, kept for diagnostics only.
	// Vertices are already in world space and instances use the identity.
	Transform mgl32.Mat4
	Label     string
}

func (r *Record) TriangleCount() int { return len(r.Indices) / 3 }

// Bounds returns the axis aligned bounds of the vertices.
func (r *Record) Bounds() (mgl32.Vec3, mgl32.Vec3) {
	if len(r.Vertices) == 0 {
		return mgl32.Vec3{}, mgl32.Vec3{}
	}
	lo, hi := r.Vertices[0], r.Vertices[0]
	for _, v := range r.Vertices[1:] {
		for k := 0; k < 3; k++ {
			lo[k] = min(lo[k], v[k])
			hi[k] = max(hi[k], v[k])
		}
	}
	return lo, hi
}

// NearestDistanceSq is the squared distance from p to the closest vertex.
func (r *Record) NearestDistanceSq(p mgl32.Vec3) float32 {
	best := float32(-1)
	for _, v := range r.Vertices {
		d := v.Sub(p)
		if dsq := d.Dot(d); best < 0 || dsq < best {
			best = dsq
		}
	}
	if best < 0 {
		return float32(1e30)
	}
	return best
}

// Extractor is the scene boundary the builder pulls geometry from.
type Extractor interface {
	// StreamingBusy reports whether level or texture streaming is in progress.
	// Extract is never called while it returns true.
	StreamingBusy() bool
	Extract(ctx context.Context, vp core.Viewpoint) ([]Record, error)
}

// HeightSampler is optionally implemented by an Extractor that can report
// terrain elevation for the procedural terrain patch.
type HeightSampler interface {
	TerrainHeight(x, y float32) float32
}

// StaticExtractor serves a fixed record list. Busy toggles the streaming gate.
type StaticExtractor struct {
	Records []Record
	Busy    bool
}

func (s *StaticExtractor) StreamingBusy() bool { return s.Busy }

func (s *StaticExtractor) Extract(ctx context.Context, vp core.Viewpoint) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Record, len(s.Records))
	copy(out, s.Records)
	return out, nil
}
