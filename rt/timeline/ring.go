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

// FrameContext is one slot of the frame ring: a recyclable allocator and the
// fence value of its last submission.
type FrameContext struct {
	Index     int
	Allocator device.Allocator
	List      device.CommandList
	// FenceValue is the value signaled after the last submission from this
	// context. Zero means never submitted.
	FenceValue uint64
	used       bool
}

func (fc *FrameContext) Used() bool { return fc.used }

// FrameRing hands out frame contexts round-robin. A context is reset only once
// its previous submission has completed or a bounded wait for it timed out.
type FrameRing struct {
	provider device.Provider
	tl       *Timeline
	timeout  time.Duration
	log      core.Logger

	mu          sync.Mutex
	contexts    []*FrameContext
	next        int
	current     *FrameContext
	frames      uint64
	riskyResets uint64
}

func NewFrameRing(p device.Provider, tl *Timeline, size int, timeout time.Duration, log core.Logger) (*FrameRing, error) {
	if size <= 0 {
		return nil, device.Invariant("new frame ring", fmt.Errorf("%w: ring size %d", device.ErrInvalidArgument, size))
	}
	return &FrameRing{
		provider: p,
		tl:       tl,
		timeout:  timeout,
		log:      core.OrNop(log),
		contexts: make([]*FrameContext, size),
	}, nil
}

func (r *FrameRing) Size() int { return len(r.contexts) }

// Begin acquires the next context, waiting for its previous submission, resets
// its allocator and opens a command list on it.
func (r *FrameRing) Begin(ctx context.Context) (*FrameContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.contexts == nil {
		return nil, device.Invariant("begin frame", errors.New("frame ring shut down"))
	}
	if r.current != nil {
		return nil, device.Invariant("begin frame", fmt.Errorf("context %d still open", r.current.Index))
	}

	idx := r.next
	fc := r.contexts[idx]
	if fc == nil {
		alloc, err := device.GuardValue("create allocator", func() (device.Allocator, error) {
			return r.provider.CreateAllocator(fmt.Sprintf("frame-ctx-%d", idx))
		})
		if err != nil {
			return nil, device.Fatal("begin frame", fmt.Errorf("context %d: %w", idx, err))
		}
		fc = &FrameContext{Index: idx, Allocator: alloc}
		r.contexts[idx] = fc
	}

	if fc.FenceValue != 0 {
		if err := r.tl.Wait(ctx, fc.FenceValue, r.timeout); err != nil {
			if device.IsSkip(err) {
				// the context keeps its allocator untouched until a later Begin
				return nil, fmt.Errorf("begin frame: context %d: %w", idx, err)
			}
			if !errors.Is(err, device.ErrTimeout) {
				return nil, device.Fatal("begin frame", fmt.Errorf("context %d: %w", idx, err))
			}
			r.riskyResets++
			r.log.Warnf("frame context %d: fence %d not reached after %v (completed %d), resetting anyway",
				idx, fc.FenceValue, r.timeout, r.tl.Completed())
		}
	}

	err := device.Guard("reset allocator", fc.Allocator.Reset)
	if err != nil {
		return nil, device.Fatal("begin frame", fmt.Errorf("context %d: %w", idx, err))
	}

	list, err := device.GuardValue("create command list", func() (device.CommandList, error) {
		return r.provider.CreateCommandList(fc.Allocator, fmt.Sprintf("frame-%d", r.frames))
	})
	if err != nil {
		return nil, device.Fatal("begin frame", fmt.Errorf("context %d: %w", idx, err))
	}

	fc.List = list
	fc.used = false
	r.current = fc
	return fc, nil
}

// End closes the open context. When work was recorded the list is submitted,
// a new fence value is signaled and stamped on the context; the value is
// returned. Otherwise the list is dropped and 0 is returned.
func (r *FrameRing) End(recorded bool) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fc := r.current
	if fc == nil {
		return 0, device.Invariant("end frame", errors.New("no open frame context"))
	}
	r.current = nil
	r.next = (r.next + 1) % len(r.contexts)
	r.frames++

	list := fc.List
	fc.List = nil
	if !recorded {
		return 0, nil
	}

	if err := device.Guard("close command list", list.Close); err != nil {
		return 0, device.Fatal("end frame", fmt.Errorf("context %d: %w", fc.Index, err))
	}
	if err := device.Guard("submit", func() error { return r.provider.Submit(list) }); err != nil {
		return 0, device.Fatal("end frame", fmt.Errorf("context %d: %w", fc.Index, err))
	}
	v, err := r.tl.Signal()
	if err != nil {
		return 0, err
	}
	fc.FenceValue = v
	fc.used = true
	return v, nil
}

// Abort drops the open context without submitting.
func (r *FrameRing) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return
	}
	r.current.List = nil
	r.current = nil
	r.next = (r.next + 1) % len(r.contexts)
}

func (r *FrameRing) Frames() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// RiskyResets counts resets that went ahead after a timed out wait.
func (r *FrameRing) RiskyResets() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.riskyResets
}

// Shutdown waits for every context's last submission without bound and
// releases the allocators. When ctx ends first the unreleased contexts stay
// in the ring so a later Shutdown can finish.
func (r *FrameRing) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for i, fc := range r.contexts {
		if fc == nil {
			continue
		}
		if fc.FenceValue != 0 {
			if err := r.tl.Wait(ctx, fc.FenceValue, 0); err != nil {
				if device.IsSkip(err) {
					r.current = nil
					return fmt.Errorf("shutdown frame ring: context %d: %w", fc.Index, err)
				}
				errs = append(errs, fmt.Errorf("context %d: %w", fc.Index, err))
				continue
			}
		}
		fc.Allocator.Release()
		r.contexts[i] = nil
	}
	r.contexts = nil
	r.current = nil
	if len(errs) > 0 {
		return device.Fatal("shutdown frame ring", errors.Join(errs...))
	}
	return nil
}

// Abandon releases every allocator without waiting. Only valid once the device
// is lost and can no longer reference them.
func (r *FrameRing) Abandon() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, fc := range r.contexts {
		if fc != nil {
			fc.Allocator.Release()
		}
	}
	r.contexts = nil
	r.current = nil
}
