package simgpu

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gekko3d/rtas/rt/device"
)

// Fence is a controllable timeline. Signals are recorded in order; the
// completed value only moves when the test (or an auto mode) says so.
type Fence struct {
	mu        sync.Mutex
	signaled  uint64
	completed uint64
	changed   chan struct{}

	autoSignal bool
	autoWait   bool
	onSignal   func(v uint64)
}

func newFence() *Fence {
	return &Fence{changed: make(chan struct{})}
}

func (f *Fence) Completed() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

func (f *Fence) Signaled() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaled
}

func (f *Fence) Signal(v uint64) error {
	f.mu.Lock()
	if v <= f.signaled {
		f.mu.Unlock()
		return fmt.Errorf("%w: signal %d not above %d", device.ErrInvalidArgument, v, f.signaled)
	}
	f.signaled = v
	hook := f.onSignal
	if f.autoSignal {
		f.completeLocked(v)
	}
	f.mu.Unlock()
	if hook != nil {
		hook(v)
	}
	return nil
}

// Complete moves the completed value up to v, capped at the last signal.
func (f *Fence) Complete(v uint64) {
	f.mu.Lock()
	f.completeLocked(v)
	f.mu.Unlock()
}

// CompleteAll completes everything signaled so far.
func (f *Fence) CompleteAll() {
	f.mu.Lock()
	f.completeLocked(f.signaled)
	f.mu.Unlock()
}

func (f *Fence) completeLocked(v uint64) {
	v = min(v, f.signaled)
	if v <= f.completed {
		return
	}
	f.completed = v
	close(f.changed)
	f.changed = make(chan struct{})
}

func (f *Fence) Wait(ctx context.Context, v uint64, timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		f.mu.Lock()
		if f.completed >= v {
			f.mu.Unlock()
			return nil
		}
		if f.autoWait && v <= f.signaled && ctx.Err() == nil {
			f.completeLocked(v)
			f.mu.Unlock()
			return nil
		}
		ch := f.changed
		f.mu.Unlock()

		select {
		case <-ch:
		case <-deadline:
			return fmt.Errorf("%w: value %d after %v", device.ErrTimeout, v, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
