package shader

import (
	"errors"
	"fmt"

	"github.com/gekko3d/rtas/rt/core"
)

const (
	RayGenEntry     = "RayGenMain"
	MissEntry       = "MissMain"
	ClosestHitEntry = "ClosestHitMain"
	HitGroupName    = "HitGroup"

	// Ray-gen containers below this size are unusual but structurally fine.
	tinyRayGenSize = 512
)

type Stage int

const (
	StageRayGen Stage = iota
	StageMiss
	StageClosestHit
)

func (s Stage) String() string {
	switch s {
	case StageRayGen:
		return "RayGen"
	case StageMiss:
		return "Miss"
	case StageClosestHit:
		return "ClosestHit"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// Module is one compiled stage: an opaque container plus its entry point.
type Module struct {
	Code       []byte
	EntryPoint string
}

// Bundle is the compiled shader set for the ray tracing pipeline.
type Bundle struct {
	RayGen     Module
	Miss       Module
	ClosestHit Module
	HitGroup   string
}

// NewBundle wraps the three stage containers with the default entry points.
func NewBundle(rayGen, miss, closestHit []byte) *Bundle {
	return &Bundle{
		RayGen:     Module{Code: rayGen, EntryPoint: RayGenEntry},
		Miss:       Module{Code: miss, EntryPoint: MissEntry},
		ClosestHit: Module{Code: closestHit, EntryPoint: ClosestHitEntry},
		HitGroup:   HitGroupName,
	}
}

func (b *Bundle) Module(s Stage) Module {
	switch s {
	case StageMiss:
		return b.Miss
	case StageClosestHit:
		return b.ClosestHit
	}
	return b.RayGen
}

// Validate checks that every stage is a structurally sound container. It does
// not look at what the parts contain.
func Validate(b *Bundle, log core.Logger) error {
	log = core.OrNop(log)
	if b == nil {
		return fmt.Errorf("validate bundle: %w", ErrEmpty)
	}

	var errs []error
	for _, s := range []Stage{StageRayGen, StageMiss, StageClosestHit} {
		m := b.Module(s)
		if m.EntryPoint == "" {
			log.Errorf("%s shader: %v", s, ErrMissingEntry)
			errs = append(errs, fmt.Errorf("%s: %w", s, ErrMissingEntry))
			continue
		}
		parts, err := CheckHeader(m.Code)
		if err != nil {
			log.Errorf("%s shader rejected: %v", s, err)
			errs = append(errs, fmt.Errorf("%s: %w", s, err))
			continue
		}
		if s == StageRayGen && len(m.Code) < tinyRayGenSize {
			log.Warnf("%s shader is unusually small (%d bytes, %d parts) but structurally valid", s, len(m.Code), parts)
		} else {
			log.Debugf("%s shader validated: %d bytes, %d parts", s, len(m.Code), parts)
		}
	}
	return errors.Join(errs...)
}
