package timeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gekko3d/rtas/rt/core"
	"github.com/gekko3d/rtas/rt/device"
)

// Timeline tracks the values signaled on the device fence and the fence values
// of the last dispatch and the last acceleration structure build.
type Timeline struct {
	fence device.Fence
	log   core.Logger

	mu           sync.Mutex
	signaled     uint64
	lastDispatch uint64
	lastBuild    uint64
}

func NewTimeline(fence device.Fence, log core.Logger) *Timeline {
	return &Timeline{
		fence:    fence,
		log:      core.OrNop(log),
		signaled: fence.Completed(),
	}
}

// Signal enqueues the next fence value after all submitted work and returns it.
func (t *Timeline) Signal() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v := t.signaled + 1
	if err := t.fence.Signal(v); err != nil {
		return 0, device.Fatal("signal fence", fmt.Errorf("value %d: %w", v, err))
	}
	t.signaled = v
	return v, nil
}

func (t *Timeline) Signaled() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.signaled
}

// Completed polls the fence. The result never exceeds Signaled.
func (t *Timeline) Completed() uint64 {
	c := t.fence.Completed()
	t.mu.Lock()
	s := t.signaled
	t.mu.Unlock()
	if c > s {
		t.log.Errorf("fence completed %d ahead of last signaled %d", c, s)
		return s
	}
	return c
}

// Wait blocks until the fence reaches value. A timeout <= 0 waits without bound.
// A wait abandoned because ctx ended is a transient skip, not a device failure.
func (t *Timeline) Wait(ctx context.Context, value uint64, timeout time.Duration) error {
	if s := t.Signaled(); value > s {
		return device.Invariant("fence wait", fmt.Errorf("%w: value %d never signaled (last %d)", device.ErrInvalidArgument, value, s))
	}
	if t.fence.Completed() >= value {
		return nil
	}
	if err := t.fence.Wait(ctx, value, timeout); err != nil {
		err = fmt.Errorf("wait for fence %d (completed %d): %w", value, t.fence.Completed(), err)
		if cancelled(ctx, err) {
			return device.Skip("fence wait", err)
		}
		return err
	}
	return nil
}

// cancelled reports whether err stems from ctx ending rather than the device.
func cancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (t *Timeline) NoteDispatch(v uint64) {
	t.mu.Lock()
	t.lastDispatch = max(t.lastDispatch, v)
	t.mu.Unlock()
}

func (t *Timeline) NoteBuild(v uint64) {
	t.mu.Lock()
	t.lastBuild = max(t.lastBuild, v)
	t.mu.Unlock()
}

func (t *Timeline) LastDispatch() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastDispatch
}

func (t *Timeline) LastBuild() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastBuild
}

// ProtectValue is the newest fence value any recorded GPU work may still be
// running under.
func (t *Timeline) ProtectValue() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return max(t.lastDispatch, t.signaled, t.lastBuild)
}
