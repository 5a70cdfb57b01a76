package timeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gekko3d/rtas/rt/core"
	"github.com/gekko3d/rtas/rt/device"
)

type pendingRelease struct {
	key uint64
	res device.Resource
	tag string
}

// ReleaseQueue defers resource destruction until the fence shows the GPU can
// no longer reference them.
type ReleaseQueue struct {
	tl  *Timeline
	log core.Logger

	mu      sync.Mutex
	entries []pendingRelease
	live    map[device.ResourceID]uint64
	freed   uint64
}

func NewReleaseQueue(tl *Timeline, log core.Logger) *ReleaseQueue {
	return &ReleaseQueue{
		tl:   tl,
		log:  core.OrNop(log),
		live: make(map[device.ResourceID]uint64),
	}
}

// SafeRelease frees res now if the GPU is provably done with it, otherwise
// queues it until the fence passes the current protect value. It reports
// whether the resource was freed immediately.
func (q *ReleaseQueue) SafeRelease(res device.Resource, tag string) bool {
	if res == nil {
		return false
	}

	q.mu.Lock()
	if key, ok := q.live[res.ID()]; ok {
		q.mu.Unlock()
		q.log.Debugf("release %s (%s) already pending at fence %d", res.Label(), tag, key)
		return false
	}

	protect := q.tl.ProtectValue()
	completed := q.tl.Completed()
	if completed >= protect {
		q.mu.Unlock()
		q.free(pendingRelease{key: protect, res: res, tag: tag})
		return true
	}

	key := protect + 1
	q.live[res.ID()] = key
	q.entries = append(q.entries, pendingRelease{key: key, res: res, tag: tag})
	q.mu.Unlock()

	if q.log.DebugEnabled() {
		q.log.Debugf("deferred release of %s (%s) until fence %d (completed %d)", res.Label(), tag, key, completed)
	}
	return false
}

// Reclaim frees every entry whose fence value has completed and returns how
// many were freed.
func (q *ReleaseQueue) Reclaim() int {
	completed := q.tl.Completed()

	q.mu.Lock()
	var ready []pendingRelease
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.key <= completed {
			ready = append(ready, e)
			delete(q.live, e.res.ID())
		} else {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = pendingRelease{}
	}
	q.entries = kept
	q.mu.Unlock()

	for _, e := range ready {
		q.free(e)
	}
	return len(ready)
}

// Drain signals one more fence value, waits for it without bound and frees
// everything. Every queued key is at most that value.
func (q *ReleaseQueue) Drain(ctx context.Context) error {
	if q.Pending() == 0 {
		return nil
	}
	v, err := q.tl.Signal()
	if err != nil {
		return fmt.Errorf("drain release queue: %w", err)
	}
	if err := q.tl.Wait(ctx, v, 0); err != nil {
		q.log.Errorf("drain release queue: %d entries left pending: %v", q.Pending(), err)
		if device.IsSkip(err) {
			return fmt.Errorf("drain release queue: %w", err)
		}
		return device.Fatal("drain release queue", err)
	}
	n := q.Reclaim()
	q.log.Debugf("drained release queue: %d resources freed at fence %d", n, v)
	if left := q.Pending(); left != 0 {
		return device.Invariant("drain release queue", fmt.Errorf("%d entries still pending after fence %d", left, v))
	}
	return nil
}

// Abandon frees every pending entry without consulting the fence and returns
// how many were freed. Only valid once the device is lost.
func (q *ReleaseQueue) Abandon() int {
	q.mu.Lock()
	entries := q.entries
	q.entries = nil
	q.live = make(map[device.ResourceID]uint64)
	q.mu.Unlock()

	for _, e := range entries {
		q.free(e)
	}
	return len(entries)
}

func (q *ReleaseQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Freed is the total number of resources released through the queue.
func (q *ReleaseQueue) Freed() uint64 {
	return atomic.LoadUint64(&q.freed)
}

func (q *ReleaseQueue) free(e pendingRelease) {
	err := device.Guard("release "+e.res.Label(), func() error {
		e.res.Release()
		return nil
	})
	if err != nil {
		q.log.Errorf("release %s (%s) at fence %d: %v", e.res.Label(), e.tag, e.key, err)
		return
	}
	atomic.AddUint64(&q.freed, 1)
}
