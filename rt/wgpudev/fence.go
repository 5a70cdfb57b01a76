package wgpudev

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/gekko3d/rtas/rt/device"
)

// pollInterval bounds how long a waiter sleeps between device polls.
const pollInterval = 500 * time.Microsecond

// Fence emulates a timeline value on top of the queue's work-done callback.
// Each Signal registers a callback for everything submitted so far; callbacks
// fire from Device.Poll in submission order.
type Fence struct {
	d *Device

	mu        sync.Mutex
	signaled  uint64
	completed uint64
	changed   chan struct{}
	onSignal  func(v uint64)
}

func newFence(d *Device) *Fence {
	return &Fence{d: d, changed: make(chan struct{})}
}

func (f *Fence) Completed() uint64 {
	f.d.poll()
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
	if err := f.d.Status(); err != nil {
		return err
	}
	f.mu.Lock()
	if v <= f.signaled {
		f.mu.Unlock()
		return fmt.Errorf("%w: signal %d not above %d", device.ErrInvalidArgument, v, f.signaled)
	}
	f.signaled = v
	hook := f.onSignal
	f.mu.Unlock()

	if hook != nil {
		hook(v)
	}
	f.d.queue.OnSubmittedWorkDone(func(status wgpu.QueueWorkDoneStatus) {
		if status != wgpu.QueueWorkDoneStatusSuccess {
			f.d.log.Warnf("wgpu: work-done callback for %d reported status %v", v, status)
		}
		f.complete(v)
	})
	return nil
}

func (f *Fence) complete(v uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
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
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	for {
		if err := f.d.Status(); err != nil {
			return err
		}
		f.d.poll()
		f.mu.Lock()
		if f.completed >= v {
			f.mu.Unlock()
			return nil
		}
		ch := f.changed
		f.mu.Unlock()

		select {
		case <-ch:
		case <-tick.C:
		case <-deadline:
			return fmt.Errorf("%w: value %d after %v", device.ErrTimeout, v, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
