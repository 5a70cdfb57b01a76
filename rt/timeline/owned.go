package timeline

import (
	"sync/atomic"

	"github.com/gekko3d/rtas/rt/device"
)

// Owned is a resource with exactly one owner. It is only destroyed by
// retiring it through a ReleaseQueue.
type Owned[T Releasable] struct {
	res     T
	tag     string
	retired atomic.Bool
}

// Releasable is the resource constraint of Owned.
type Releasable interface {
	comparable
	device.Resource
}

// Own takes ownership of res. tag names the role in diagnostics.
func Own[T Releasable](res T, tag string) *Owned[T] {
	return &Owned[T]{res: res, tag: tag}
}

// Get returns the resource, or the zero value once retired.
func (o *Owned[T]) Get() T {
	var zero T
	if o == nil || o.retired.Load() {
		return zero
	}
	return o.res
}

func (o *Owned[T]) Tag() string {
	if o == nil {
		return ""
	}
	return o.tag
}

func (o *Owned[T]) Retired() bool { return o == nil || o.retired.Load() }

// Retire hands the resource to q. Retiring twice is a no-op.
func (o *Owned[T]) Retire(q *ReleaseQueue) {
	if o == nil || o.retired.Swap(true) {
		return
	}
	var zero T
	if o.res == zero {
		return
	}
	q.SafeRelease(o.res, o.tag)
}
