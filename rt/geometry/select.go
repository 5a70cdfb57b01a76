package geometry

import (
	"sort"

	"github.com/gekko3d/rtas/rt/core"
)

type SelectionConfig struct {
	// MaxObjects is the working-set cap after sorting by distance.
	MaxObjects int
	// NearRadius is the distance within which at least one object must lie,
	// otherwise the fallback quad is injected.
	NearRadius   float32
	FallbackQuad bool
	QuadHalfSize float32
	QuadDistance float32

	TerrainPatch bool
	TerrainCells int
	TerrainStep  float32
}

func DefaultSelectionConfig() SelectionConfig {
	return SelectionConfig{
		MaxObjects:   8,
		NearRadius:   200,
		FallbackQuad: true,
		QuadHalfSize: 25,
		QuadDistance: 5,
		TerrainCells: 64,
		TerrainStep:  2,
	}
}

type Rejection struct {
	Label  string
	Reason Reason
	Detail string
}

type SelectReport struct {
	Candidates   int
	Rejected     []Rejection
	Valid        int
	Terrain      bool
	InjectedQuad bool
	Kept         int
	Dropped      int
}

// Selector turns raw extracted records into the bounded, validated working set.
type Selector struct {
	cfg    SelectionConfig
	limits Limits
	log    core.Logger

	// Height samples terrain elevation for the terrain patch. Optional.
	Height func(x, y float32) float32
}

func NewSelector(cfg SelectionConfig, limits Limits, log core.Logger) *Selector {
	return &Selector{cfg: cfg, limits: limits, log: core.OrNop(log)}
}

type ranked struct {
	rec  Record
	dist float32
}

// Select validates candidates, adds the terrain patch and fallback quad when
// configured, and returns at most MaxObjects records nearest to vp first.
func (s *Selector) Select(candidates []Record, vp core.Viewpoint) ([]Record, SelectReport) {
	rep := SelectReport{Candidates: len(candidates)}

	valid := make([]ranked, 0, len(candidates)+2)
	add := func(r Record) {
		valid = append(valid, ranked{rec: r, dist: r.NearestDistanceSq(vp.Position)})
	}

	for i := range candidates {
		rec := &candidates[i]
		if err := Validate(rec, s.limits); err != nil {
			ve := err.(*ValidationError)
			s.log.Warnf("rejecting geometry %q: %s (v=%d i=%d)", rec.Label, ve.Detail, len(rec.Vertices), len(rec.Indices))
			rep.Rejected = append(rep.Rejected, Rejection{Label: rec.Label, Reason: ve.Reason, Detail: ve.Detail})
			continue
		}
		add(*rec)
	}
	rep.Valid = len(valid)

	if s.cfg.TerrainPatch {
		patch := TerrainPatch(vp.Position, s.cfg.TerrainCells, s.cfg.TerrainStep, s.Height)
		if err := Validate(&patch, s.limits); err != nil {
			s.log.Warnf("terrain patch: %v", err)
		} else {
			add(patch)
			rep.Terrain = true
			s.log.Debugf("terrain patch: appended %d x %d grid (step=%.2f)", s.cfg.TerrainCells, s.cfg.TerrainCells, s.cfg.TerrainStep)
		}
	}

	if s.cfg.FallbackQuad {
		r2 := s.cfg.NearRadius * s.cfg.NearRadius
		near := false
		for _, v := range valid {
			if v.dist < r2 {
				near = true
				break
			}
		}
		if !near {
			s.log.Infof("no geometry within %.0f of viewpoint (%.1f,%.1f,%.1f), injecting %s",
				s.cfg.NearRadius, vp.Position.X(), vp.Position.Y(), vp.Position.Z(), FallbackQuadLabel)
			add(FallbackQuad(vp, s.cfg.QuadHalfSize, s.cfg.QuadDistance))
			rep.InjectedQuad = true
		}
	}

	sort.SliceStable(valid, func(i, j int) bool { return valid[i].dist < valid[j].dist })

	keep := len(valid)
	if s.cfg.MaxObjects > 0 && keep > s.cfg.MaxObjects {
		keep = s.cfg.MaxObjects
	}
	out := make([]Record, keep)
	for i := range out {
		out[i] = valid[i].rec
	}
	rep.Kept = keep
	rep.Dropped = len(valid) - keep

	s.log.Debugf("selected %d of %d candidates (%d rejected, %d dropped by cap %d)",
		rep.Kept, rep.Candidates, len(rep.Rejected), rep.Dropped, s.cfg.MaxObjects)
	return out, rep
}
