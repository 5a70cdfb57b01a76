package accel

import (
	"github.com/google/uuid"

	"github.com/gekko3d/rtas/rt/device"
	"github.com/gekko3d/rtas/rt/timeline"
)

// Buffers are the allocations of one acceleration structure. Each is owned
// exclusively and destroyed only through the release queue.
type Buffers struct {
	Label     string
	Scratch   *timeline.Owned[*device.Buffer]
	Result    *timeline.Owned[*device.Buffer]
	Instances *timeline.Owned[*device.Buffer]
	// Address is the cached GPU address of Result.
	Address device.GPUAddress
}

func (b *Buffers) Retire(q *timeline.ReleaseQueue) {
	if b == nil {
		return
	}
	b.Scratch.Retire(q)
	b.Result.Retire(q)
	b.Instances.Retire(q)
}

// SceneState is one immutable TLAS plus the BLAS list it instances. A rebuild
// produces a new state; the old one is retired, never mutated.
type SceneState struct {
	ID         uuid.UUID
	Generation uint64
	TLAS       Buffers
	BLAS       []Buffers
	// FenceValue is the value whose completion confirmed the build.
	FenceValue uint64

	uploads []*timeline.Owned[*device.Buffer]
}

func (s *SceneState) TLASAddress() device.GPUAddress {
	if s == nil {
		return 0
	}
	return s.TLAS.Address
}

func (s *SceneState) BLASCount() int {
	if s == nil {
		return 0
	}
	return len(s.BLAS)
}

// Retire hands every allocation of the state to q.
func (s *SceneState) Retire(q *timeline.ReleaseQueue) {
	if s == nil {
		return
	}
	s.TLAS.Retire(q)
	for i := range s.BLAS {
		s.BLAS[i].Retire(q)
	}
	s.ReleaseUploads(q)
}

// ReleaseUploads retires the staging and geometry buffers kept alive for the
// build.
func (s *SceneState) ReleaseUploads(q *timeline.ReleaseQueue) {
	for _, u := range s.uploads {
		u.Retire(q)
	}
	s.uploads = nil
}
