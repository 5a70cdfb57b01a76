package geometry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/rtas/rt/core"
)

func triangle(label string, offset mgl32.Vec3) Record {
	return Record{
		Vertices: []mgl32.Vec3{
			offset,
			offset.Add(mgl32.Vec3{1, 0, 0}),
			offset.Add(mgl32.Vec3{0, 1, 0}),
		},
		Indices:   []uint32{0, 1, 2},
		Transform: mgl32.Ident4(),
		Label:     label,
	}
}

func reasonOf(t *testing.T, err error) Reason {
	t.Helper()
	var ve *ValidationError
	require.True(t, errors.As(err, &ve), "expected ValidationError, got %v", err)
	return ve.Reason
}

func TestValidateRejections(t *testing.T) {
	nan := float32(math.NaN())
	cases := []struct {
		name   string
		mutate func(r *Record)
		reason Reason
		detail string
	}{
		{"two vertices", func(r *Record) { r.Vertices = r.Vertices[:2] }, ReasonTooFewVertices, "less than 3 vertices"},
		{"no indices", func(r *Record) { r.Indices = nil }, ReasonBadIndexCount, "not multiple of 3"},
		{"four indices", func(r *Record) { r.Indices = []uint32{0, 1, 2, 0} }, ReasonBadIndexCount, "not multiple of 3"},
		{"index equals vertex count", func(r *Record) { r.Indices = []uint32{0, 1, 3} }, ReasonIndexOutOfRange, "index 3 out of range (v=3)"},
		{"nan", func(r *Record) { r.Vertices[1] = mgl32.Vec3{nan, 0, 0} }, ReasonNonFinite, "NaN/Inf"},
		{"inf", func(r *Record) { r.Vertices[2] = mgl32.Vec3{0, float32(math.Inf(1)), 0} }, ReasonNonFinite, "NaN/Inf"},
		{"collinear", func(r *Record) { r.Vertices[2] = mgl32.Vec3{2, 0, 0} }, ReasonDegenerate, "degenerate"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := triangle("obj", mgl32.Vec3{})
			tc.mutate(&r)
			err := Validate(&r, DefaultLimits())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidRecord)
			assert.Equal(t, tc.reason, reasonOf(t, err))
			assert.Contains(t, err.Error(), tc.detail)
			assert.Contains(t, err.Error(), `"obj"`)
		})
	}

	r := triangle("big", mgl32.Vec3{})
	r.Indices = []uint32{0, 1, 2, 0, 2, 1}
	lim := DefaultLimits()
	lim.MaxIndices = 3
	assert.Equal(t, ReasonTooManyIndices, reasonOf(t, Validate(&r, lim)))
}

func TestValidateDegenerateOnlySamplesPrefix(t *testing.T) {
	lim := DefaultLimits()
	lim.DegenerateSample = 3

	r := triangle("tail", mgl32.Vec3{})
	r.Vertices = append(r.Vertices, mgl32.Vec3{5, 0, 0})
	// second triangle is collinear but outside the sampled prefix
	r.Indices = append(r.Indices, 0, 1, 3)
	assert.NoError(t, Validate(&r, lim))

	lim.DegenerateSample = 6
	assert.Equal(t, ReasonDegenerate, reasonOf(t, Validate(&r, lim)))
}

// Every record that passes Validate satisfies each record invariant.
func TestValidationSoundness(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	lim := DefaultLimits()
	lim.MaxIndices = 60

	accepted := 0
	for n := 0; n < 2000; n++ {
		nv := rng.Intn(8)
		r := Record{Label: fmt.Sprintf("rand-%d", n)}
		for i := 0; i < nv; i++ {
			v := mgl32.Vec3{rng.Float32()*10 - 5, rng.Float32()*10 - 5, rng.Float32()*10 - 5}
			switch rng.Intn(40) {
			case 0:
				v[rng.Intn(3)] = float32(math.NaN())
			case 1:
				v[rng.Intn(3)] = float32(math.Inf(-1))
			}
			r.Vertices = append(r.Vertices, v)
		}
		ni := rng.Intn(24)
		for i := 0; i < ni; i++ {
			r.Indices = append(r.Indices, uint32(rng.Intn(nv+2)))
		}

		if Validate(&r, lim) != nil {
			continue
		}
		accepted++

		require.GreaterOrEqual(t, len(r.Vertices), 3)
		require.Zero(t, len(r.Indices)%3)
		require.GreaterOrEqual(t, len(r.Indices), 3)
		require.LessOrEqual(t, len(r.Indices), lim.MaxIndices)
		for _, idx := range r.Indices {
			require.Less(t, int(idx), len(r.Vertices))
		}
		for _, v := range r.Vertices {
			for k := 0; k < 3; k++ {
				require.False(t, math.IsNaN(float64(v[k])) || math.IsInf(float64(v[k]), 0))
			}
		}
		for i := 0; i+2 < len(r.Indices) && i < lim.DegenerateSample; i += 3 {
			a, b, c := r.Vertices[r.Indices[i]], r.Vertices[r.Indices[i+1]], r.Vertices[r.Indices[i+2]]
			cr := b.Sub(a).Cross(c.Sub(a))
			require.GreaterOrEqual(t, float64(cr.Dot(cr)), lim.AreaEpsilon)
		}
	}
	assert.Greater(t, accepted, 0, "generator should produce some valid records")
}

func TestFallbackQuad(t *testing.T) {
	vp := core.Viewpoint{Position: mgl32.Vec3{10, 20, 3}, Forward: mgl32.Vec3{0, 1, 0}}
	q := FallbackQuad(vp, 25, 5)

	assert.Equal(t, FallbackQuadLabel, q.Label)
	assert.Equal(t, []uint32{0, 1, 2, 0, 2, 3}, q.Indices)
	require.Len(t, q.Vertices, 4)
	require.NoError(t, Validate(&q, DefaultLimits()))

	center := q.Vertices[0].Add(q.Vertices[2]).Mul(0.5)
	assert.InDelta(t, 10, center.X(), 1e-4)
	assert.InDelta(t, 25, center.Y(), 1e-4)
	assert.InDelta(t, 3, center.Z(), 1e-4)
	// 50 wide in the right/up plane, facing the viewpoint
	assert.InDelta(t, 50, q.Vertices[1].Sub(q.Vertices[0]).Len(), 1e-3)
	assert.InDelta(t, 50, q.Vertices[3].Sub(q.Vertices[0]).Len(), 1e-3)
	for _, v := range q.Vertices {
		assert.InDelta(t, 25, v.Y(), 1e-4)
	}

	// straight down still yields a valid quad
	down := FallbackQuad(core.Viewpoint{Forward: mgl32.Vec3{0, 0, -1}}, 25, 5)
	assert.NoError(t, Validate(&down, DefaultLimits()))
}

func TestTerrainPatch(t *testing.T) {
	p := TerrainPatch(mgl32.Vec3{100, 100, 7}, 64, 2, nil)
	assert.Len(t, p.Vertices, 65*65)
	assert.Len(t, p.Indices, 64*64*6)
	require.NoError(t, Validate(&p, DefaultLimits()))
	lo, hi := p.Bounds()
	assert.InDelta(t, 36, lo.X(), 1e-3)
	assert.InDelta(t, 164, hi.X(), 1e-3)
	assert.InDelta(t, 7, lo.Z(), 1e-6)

	hill := TerrainPatch(mgl32.Vec3{}, 4, 1, func(x, y float32) float32 { return x * 0.5 })
	_, hi = hill.Bounds()
	assert.InDelta(t, 1, hi.Z(), 1e-6)
}

func TestSelectorInjectsQuadWhenNothingNear(t *testing.T) {
	cfg := DefaultSelectionConfig()
	sel := NewSelector(cfg, DefaultLimits(), nil)
	vp := core.Viewpoint{Forward: mgl32.Vec3{0, 1, 0}}

	out, rep := sel.Select(nil, vp)
	require.Len(t, out, 1)
	assert.Equal(t, FallbackQuadLabel, out[0].Label)
	assert.True(t, rep.InjectedQuad)

	far := triangle("far", mgl32.Vec3{1000, 0, 0})
	out, rep = sel.Select([]Record{far}, vp)
	require.Len(t, out, 2)
	assert.Equal(t, FallbackQuadLabel, out[0].Label)
	assert.Equal(t, "far", out[1].Label)
	assert.True(t, rep.InjectedQuad)

	near := triangle("near", mgl32.Vec3{10, 0, 0})
	out, rep = sel.Select([]Record{near}, vp)
	require.Len(t, out, 1)
	assert.False(t, rep.InjectedQuad)

	cfg.FallbackQuad = false
	out, _ = NewSelector(cfg, DefaultLimits(), nil).Select(nil, vp)
	assert.Empty(t, out)
}

// With M > cap valid records the result is exactly the cap nearest, in order,
// ties kept in input order.
func TestSelectorBoundedWorkingSet(t *testing.T) {
	cfg := DefaultSelectionConfig()
	cfg.FallbackQuad = false
	sel := NewSelector(cfg, DefaultLimits(), nil)

	rng := rand.New(rand.NewSource(7))
	var recs []Record
	for i := 0; i < 40; i++ {
		d := float32(rng.Intn(20)) * 10
		recs = append(recs, triangle(fmt.Sprintf("obj-%02d", i), mgl32.Vec3{d, 0, 0}))
	}
	vp := core.Viewpoint{Forward: mgl32.Vec3{1, 0, 0}}

	out, rep := sel.Select(recs, vp)
	require.Len(t, out, cfg.MaxObjects)
	assert.Equal(t, 40-cfg.MaxObjects, rep.Dropped)

	for i := 1; i < len(out); i++ {
		prev := out[i-1].NearestDistanceSq(vp.Position)
		cur := out[i].NearestDistanceSq(vp.Position)
		require.LessOrEqual(t, prev, cur)
		if prev == cur {
			assert.Less(t, out[i-1].Label, out[i].Label, "stable order for ties")
		}
	}
	worstKept := out[len(out)-1].NearestDistanceSq(vp.Position)
	kept := map[string]bool{}
	for _, r := range out {
		kept[r.Label] = true
	}
	for _, r := range recs {
		if !kept[r.Label] {
			assert.GreaterOrEqual(t, r.NearestDistanceSq(vp.Position), worstKept)
		}
	}
}

func TestSelectorRejectsAndReports(t *testing.T) {
	cfg := DefaultSelectionConfig()
	cfg.FallbackQuad = false
	sel := NewSelector(cfg, DefaultLimits(), nil)

	bad := triangle("bad", mgl32.Vec3{})
	bad.Indices = []uint32{0, 1, 3}
	out, rep := sel.Select([]Record{bad, triangle("ok", mgl32.Vec3{})}, core.Viewpoint{})
	require.Len(t, out, 1)
	assert.Equal(t, "ok", out[0].Label)
	require.Len(t, rep.Rejected, 1)
	assert.Equal(t, ReasonIndexOutOfRange, rep.Rejected[0].Reason)
	assert.Equal(t, "index 3 out of range (v=3)", rep.Rejected[0].Detail)
}

func TestSelectorTerrainPatchCountsAsNear(t *testing.T) {
	cfg := DefaultSelectionConfig()
	cfg.TerrainPatch = true
	cfg.TerrainCells = 8
	sel := NewSelector(cfg, DefaultLimits(), nil)

	out, rep := sel.Select(nil, core.Viewpoint{Position: mgl32.Vec3{0, 0, 1}, Forward: mgl32.Vec3{0, 1, 0}})
	require.Len(t, out, 1)
	assert.Equal(t, TerrainPatchLabel, out[0].Label)
	assert.True(t, rep.Terrain)
	assert.False(t, rep.InjectedQuad)
}

func TestStaticExtractor(t *testing.T) {
	ex := &StaticExtractor{Records: []Record{triangle("a", mgl32.Vec3{})}}
	recs, err := ex.Extract(context.Background(), core.Viewpoint{})
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ex.Extract(ctx, core.Viewpoint{})
	assert.ErrorIs(t, err, context.Canceled)
}
