package geometry

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidRecord = errors.New("invalid geometry record")

type Reason int

const (
	ReasonTooFewVertices Reason = iota + 1
	ReasonBadIndexCount
	ReasonTooManyIndices
	ReasonIndexOutOfRange
	ReasonNonFinite
	ReasonDegenerate
)

func (r Reason) String() string {
	switch r {
	case ReasonTooFewVertices:
		return "too-few-vertices"
	case ReasonBadIndexCount:
		return "bad-index-count"
	case ReasonTooManyIndices:
		return "too-many-indices"
	case ReasonIndexOutOfRange:
		return "index-out-of-range"
	case ReasonNonFinite:
		return "non-finite"
	case ReasonDegenerate:
		return "degenerate"
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// ValidationError names the record and the first check it failed.
type ValidationError struct {
	Label  string
	Reason Reason
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("geometry %q rejected: %s", e.Label, e.Detail)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRecord }

type Limits struct {
	// MaxIndices caps the index count of a single record.
	MaxIndices int
	// DegenerateSample is how many leading indices are checked for
	// zero-area triangles.
	DegenerateSample int
	// AreaEpsilon is the squared cross product length under which a
	// triangle is degenerate.
	AreaEpsilon float64
}

func DefaultLimits() Limits {
	return Limits{
		MaxIndices:       30_000_000,
		DegenerateSample: 300,
		AreaEpsilon:      1e-20,
	}
}

// Validate checks r against lim and returns a *ValidationError on the first
// failed check.
func Validate(r *Record, lim Limits) error {
	reject := func(reason Reason, format string, args ...any) error {
		return &ValidationError{Label: r.Label, Reason: reason, Detail: fmt.Sprintf(format, args...)}
	}

	nv, ni := len(r.Vertices), len(r.Indices)
	if nv < 3 {
		return reject(ReasonTooFewVertices, "less than 3 vertices (v=%d)", nv)
	}
	if ni < 3 || ni%3 != 0 {
		return reject(ReasonBadIndexCount, "index count not multiple of 3 (i=%d)", ni)
	}
	if lim.MaxIndices > 0 && ni > lim.MaxIndices {
		return reject(ReasonTooManyIndices, "too many indices (i=%d, max=%d)", ni, lim.MaxIndices)
	}

	var maxIdx uint32
	for _, idx := range r.Indices {
		maxIdx = max(maxIdx, idx)
	}
	if uint64(maxIdx) >= uint64(nv) {
		return reject(ReasonIndexOutOfRange, "index %d out of range (v=%d)", maxIdx, nv)
	}

	for i, v := range r.Vertices {
		for k := 0; k < 3; k++ {
			f := float64(v[k])
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return reject(ReasonNonFinite, "NaN/Inf in vertices (vertex %d)", i)
			}
		}
	}

	for t := 0; t+2 < ni && t < lim.DegenerateSample; t += 3 {
		a := r.Vertices[r.Indices[t]]
		b := r.Vertices[r.Indices[t+1]]
		c := r.Vertices[r.Indices[t+2]]
		ab := b.Sub(a)
		ac := c.Sub(a)
		cr := ab.Cross(ac)
		lsq := float64(cr[0])*float64(cr[0]) + float64(cr[1])*float64(cr[1]) + float64(cr[2])*float64(cr[2])
		if lsq < lim.AreaEpsilon {
			return reject(ReasonDegenerate, "degenerate triangles (triangle %d)", t/3)
		}
	}
	return nil
}
