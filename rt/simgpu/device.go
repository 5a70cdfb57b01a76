// Package simgpu is a deterministic in-process device. Command lists execute
// on the CPU at submit time while the fence only advances when told to, so
// tests can hold the GPU arbitrarily far behind the CPU.
package simgpu

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/rtas/rt/core"
	"github.com/gekko3d/rtas/rt/device"
	"github.com/gekko3d/rtas/rt/shader"
	"github.com/gekko3d/rtas/rt/swrt"
)

type Options struct {
	// AutoComplete completes every signal immediately, as if the GPU kept up.
	AutoComplete bool
	// CompleteOnWait lets a fence wait complete the awaited value.
	CompleteOnWait bool
	Workers        int
	Logger         core.Logger
}

type EventKind int

const (
	EventRelease EventKind = iota
	EventReset
)

// Event records the fence state at the moment a resource was released or an
// allocator was reset.
type Event struct {
	Kind      EventKind
	ID        device.ResourceID
	Label     string
	Completed uint64
	// LastUse is the fence value signaled after the last submission that
	// referenced the resource. Zero means never submitted.
	LastUse uint64
}

// Premature reports whether the GPU could still have been using the resource.
func (e Event) Premature() bool { return e.Completed < e.LastUse }

type bufferState struct {
	buf  *device.Buffer
	data []byte
}

type Device struct {
	opts   Options
	log    core.Logger
	fence  *Fence
	engine *swrt.Engine

	mu        sync.Mutex
	nextID    device.ResourceID
	nextAddr  device.GPUAddress
	buffers   map[device.ResourceID]*bufferState
	images    map[device.ResourceID]*swrt.Target
	lastUse   map[device.ResourceID]uint64
	unstamped map[device.ResourceID]struct{}
	events    []Event
	lost      error
	submits   int

	failAlloc func(desc device.BufferDesc) error
	panicOn   map[string]bool
}

func New(opts Options) *Device {
	d := &Device{
		opts:      opts,
		log:       core.OrNop(opts.Logger),
		fence:     newFence(),
		nextAddr:  0x10000,
		buffers:   make(map[device.ResourceID]*bufferState),
		images:    make(map[device.ResourceID]*swrt.Target),
		lastUse:   make(map[device.ResourceID]uint64),
		unstamped: make(map[device.ResourceID]struct{}),
		panicOn:   make(map[string]bool),
	}
	d.engine = swrt.NewEngine(opts.Workers, d.log)
	d.fence.autoSignal = opts.AutoComplete
	d.fence.autoWait = opts.CompleteOnWait
	d.fence.onSignal = d.stamp
	return d
}

func (d *Device) Name() string { return "simgpu" }

func (d *Device) Status() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost
}

func (d *Device) Fence() device.Fence { return d.fence }

// SimFence exposes the controllable fence.
func (d *Device) SimFence() *Fence { return d.fence }

func (d *Device) Engine() *swrt.Engine { return d.engine }

// Lose marks the device lost. Every later call fails.
func (d *Device) Lose() {
	d.mu.Lock()
	d.lost = device.ErrDeviceLost
	d.mu.Unlock()
}

// FailAllocations makes CreateBuffer fail whenever fn returns an error.
func (d *Device) FailAllocations(fn func(desc device.BufferDesc) error) {
	d.mu.Lock()
	d.failAlloc = fn
	d.mu.Unlock()
}

// PanicOnce makes the next call of the named method panic.
func (d *Device) PanicOnce(method string) {
	d.mu.Lock()
	d.panicOn[method] = true
	d.mu.Unlock()
}

func (d *Device) maybePanic(method string) {
	d.mu.Lock()
	p := d.panicOn[method]
	delete(d.panicOn, method)
	d.mu.Unlock()
	if p {
		panic(fmt.Sprintf("simgpu: injected fault in %s", method))
	}
}

func (d *Device) checkLive() error {
	if d.lost != nil {
		return d.lost
	}
	return nil
}

func (d *Device) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Event, len(d.events))
	copy(out, d.events)
	return out
}

// Violations returns the release and reset events that happened before the
// fence passed the resource's last use.
func (d *Device) Violations() []Event {
	var out []Event
	for _, e := range d.Events() {
		if e.Premature() {
			out = append(out, e)
		}
	}
	return out
}

// LiveBuffers is the number of buffers not yet released.
func (d *Device) LiveBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

func (d *Device) Submits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submits
}

// Target returns the CPU pixels of img.
func (d *Device) Target(img *device.Image) *swrt.Target {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.images[img.ID()]
}

// BufferBytes returns a copy of buf's contents regardless of heap.
func (d *Device) BufferBytes(buf *device.Buffer) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.buffers[buf.ID()]
	if !ok {
		return nil
	}
	out := make([]byte, len(st.data))
	copy(out, st.data)
	return out
}

// stamp assigns a freshly signaled value as the last use of everything
// submitted since the previous signal.
func (d *Device) stamp(v uint64) {
	d.mu.Lock()
	for id := range d.unstamped {
		d.lastUse[id] = v
	}
	clear(d.unstamped)
	d.mu.Unlock()
}

func (d *Device) recordEvent(kind EventKind, id device.ResourceID, label string) {
	d.events = append(d.events, Event{
		Kind:      kind,
		ID:        id,
		Label:     label,
		Completed: d.fence.Completed(),
		LastUse:   d.lastUse[id],
	})
}

func (d *Device) allocID() device.ResourceID {
	d.nextID++
	return d.nextID
}

func (d *Device) CreateAllocator(label string) (device.Allocator, error) {
	d.maybePanic("CreateAllocator")
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLive(); err != nil {
		return nil, err
	}
	return &Allocator{dev: d, id: d.allocID(), label: label}, nil
}

func (d *Device) CreateCommandList(alloc device.Allocator, label string) (device.CommandList, error) {
	d.maybePanic("CreateCommandList")
	a, ok := alloc.(*Allocator)
	if !ok || a.dev != d {
		return nil, fmt.Errorf("%w: foreign allocator", device.ErrInvalidArgument)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLive(); err != nil {
		return nil, err
	}
	return &CommandList{Recorder: device.NewRecorder(label), dev: d, alloc: a}, nil
}

func (d *Device) CreateBuffer(desc device.BufferDesc) (*device.Buffer, error) {
	d.maybePanic("CreateBuffer")
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLive(); err != nil {
		return nil, err
	}
	if desc.Size == 0 {
		return nil, fmt.Errorf("%w: zero-sized buffer %q", device.ErrInvalidArgument, desc.Label)
	}
	if d.failAlloc != nil {
		if err := d.failAlloc(desc); err != nil {
			return nil, err
		}
	}

	id := d.allocID()
	addr := d.nextAddr
	d.nextAddr += device.GPUAddress(device.AlignUp(desc.Size, device.ASAlignment))

	var buf *device.Buffer
	buf = device.NewBuffer(id, desc, addr, func() { d.releaseBuffer(buf) })
	d.buffers[id] = &bufferState{buf: buf, data: make([]byte, desc.Size)}
	return buf, nil
}

func (d *Device) releaseBuffer(buf *device.Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recordEvent(EventRelease, buf.ID(), buf.Label())
	delete(d.buffers, buf.ID())
	if buf.Usage&device.UsageAccelStructure != 0 {
		d.engine.Forget(buf.Address)
	}
}

func (d *Device) CreateImage(desc device.ImageDesc) (*device.Image, error) {
	d.maybePanic("CreateImage")
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLive(); err != nil {
		return nil, err
	}
	if desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("%w: image %q is %dx%d", device.ErrInvalidArgument, desc.Label, desc.Width, desc.Height)
	}
	id := d.allocID()
	var img *device.Image
	img = device.NewImage(id, desc, device.StateCommon, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.recordEvent(EventRelease, img.ID(), img.Label())
		delete(d.images, img.ID())
	})
	d.images[id] = swrt.NewTarget(int(desc.Width), int(desc.Height))
	return img, nil
}

func (d *Device) WriteBuffer(buf *device.Buffer, offset uint64, data []byte) error {
	d.maybePanic("WriteBuffer")
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLive(); err != nil {
		return err
	}
	st, ok := d.buffers[buf.ID()]
	if !ok {
		return fmt.Errorf("%w: %s", device.ErrReleased, buf.Label())
	}
	if buf.Heap != device.HeapUpload {
		return fmt.Errorf("%w: CPU write to %s heap buffer %s", device.ErrInvalidArgument, buf.Heap, buf.Label())
	}
	if offset+uint64(len(data)) > uint64(len(st.data)) {
		return fmt.Errorf("%w: write %d bytes at %d into %s (%d bytes)", device.ErrInvalidArgument, len(data), offset, buf.Label(), len(st.data))
	}
	copy(st.data[offset:], data)
	return nil
}

func (d *Device) ReadBuffer(buf *device.Buffer, offset uint64, dst []byte) error {
	d.maybePanic("ReadBuffer")
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLive(); err != nil {
		return err
	}
	st, ok := d.buffers[buf.ID()]
	if !ok {
		return fmt.Errorf("%w: %s", device.ErrReleased, buf.Label())
	}
	if buf.Heap != device.HeapReadback {
		return fmt.Errorf("%w: CPU read of %s heap buffer %s", device.ErrInvalidArgument, buf.Heap, buf.Label())
	}
	if _, pending := d.unstamped[buf.ID()]; pending || d.lastUse[buf.ID()] > d.fence.Completed() {
		return device.ErrNotReady
	}
	if offset+uint64(len(dst)) > uint64(len(st.data)) {
		return fmt.Errorf("%w: read %d bytes at %d from %s", device.ErrInvalidArgument, len(dst), offset, buf.Label())
	}
	copy(dst, st.data[offset:])
	return nil
}

func (d *Device) PrebuildInfo(inputs device.BuildInputs) (device.PrebuildInfo, error) {
	d.maybePanic("PrebuildInfo")
	if err := d.Status(); err != nil {
		return device.PrebuildInfo{}, err
	}
	return swrt.PrebuildInfo(inputs)
}

func (d *Device) CreatePipeline(bundle *shader.Bundle) (*device.Pipeline, error) {
	d.maybePanic("CreatePipeline")
	if err := shader.Validate(bundle, d.log); err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrInvalidArgument, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLive(); err != nil {
		return nil, err
	}
	var p *device.Pipeline
	p = device.NewPipeline(d.allocID(), "rt-pipeline", func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.recordEvent(EventRelease, p.ID(), p.Label())
	})
	p.RayGenEntry = bundle.RayGen.EntryPoint
	p.MissEntry = bundle.Miss.EntryPoint
	p.ClosestHitEntry = bundle.ClosestHit.EntryPoint
	p.HitGroup = bundle.HitGroup
	return p, nil
}

// shaderRecordSize is one shader identifier rounded to the table alignment.
const shaderRecordSize = 64

func (d *Device) CreateShaderTables(p *device.Pipeline) (*device.ShaderTables, error) {
	d.maybePanic("CreateShaderTables")
	if p == nil || p.Released() {
		return nil, fmt.Errorf("%w: shader tables for missing pipeline", device.ErrInvalidArgument)
	}
	mk := func(name string) (*device.Buffer, error) {
		return d.CreateBuffer(device.BufferDesc{Label: "sbt-" + name, Size: shaderRecordSize, Heap: device.HeapUpload, Usage: device.UsageStorage})
	}
	rg, err := mk("raygen")
	if err != nil {
		return nil, err
	}
	ms, err := mk("miss")
	if err != nil {
		rg.Release()
		return nil, err
	}
	hg, err := mk("hitgroup")
	if err != nil {
		rg.Release()
		ms.Release()
		return nil, err
	}

	d.mu.Lock()
	id := d.allocID()
	d.mu.Unlock()
	t := device.NewShaderTables(id, "rt-sbt", func() {
		rg.Release()
		ms.Release()
		hg.Release()
	})
	t.RayGen, t.Miss, t.HitGroup = rg, ms, hg
	return t, nil
}

// memView reads buffer contents while Submit holds the device lock.
type memView struct{ d *Device }

func (m memView) Bytes(buf *device.Buffer) []byte {
	if buf == nil {
		return nil
	}
	st, ok := m.d.buffers[buf.ID()]
	if !ok {
		return nil
	}
	return st.data
}

func (d *Device) Submit(lists ...device.CommandList) error {
	d.maybePanic("Submit")
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLive(); err != nil {
		return err
	}

	var errs []error
	for _, l := range lists {
		cl, ok := l.(*CommandList)
		if !ok || cl.dev != d {
			return fmt.Errorf("%w: foreign command list", device.ErrInvalidArgument)
		}
		if err := cl.MarkSubmitted(); err != nil {
			return err
		}
		d.submits++
		for id := range cl.Refs {
			d.unstamped[id] = struct{}{}
		}
		d.unstamped[cl.alloc.id] = struct{}{}

		if err := d.execute(cl); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Device) execute(cl *CommandList) error {
	mem := memView{d}
	var builds []device.BuildDesc
	flush := func() error {
		if len(builds) == 0 {
			return nil
		}
		err := d.engine.Build(builds, mem)
		builds = builds[:0]
		return err
	}

	for _, o := range cl.Ops {
		if o.Kind == device.OpBuild {
			builds = append(builds, o.Build)
			continue
		}
		if o.Kind == device.OpBarrier {
			// bottom-level builds between barriers still batch; a top-level
			// build reads results the engine already registered
			continue
		}
		if err := flush(); err != nil {
			return fmt.Errorf("%s: %w", cl.Label(), err)
		}

		switch o.Kind {
		case device.OpCopy:
			dst, src := mem.Bytes(o.Dst), mem.Bytes(o.Src)
			if dst == nil || src == nil {
				return fmt.Errorf("%s: %w: copy %s -> %s", cl.Label(), device.ErrReleased, o.Src.Label(), o.Dst.Label())
			}
			copy(dst[o.DstOffset:o.DstOffset+o.Size], src[o.SrcOffset:o.SrcOffset+o.Size])
		case device.OpClear:
			if t := d.images[o.Image.ID()]; t != nil {
				t.Fill(mgl32.Vec4(o.Color))
			}
		case device.OpDispatch:
			if err := d.dispatch(o, mem); err != nil {
				return fmt.Errorf("%s: %w", cl.Label(), err)
			}
		case device.OpDraw:
			d.draw(o.Pass)
		}
	}
	if err := flush(); err != nil {
		return fmt.Errorf("%s: %w", cl.Label(), err)
	}
	return nil
}

func (d *Device) dispatch(o device.Op, mem memView) error {
	raw := mem.Bytes(o.Constants)
	consts, err := shader.UnmarshalFrameConstants(raw)
	if err != nil {
		return err
	}
	targets := make([]*swrt.Target, len(o.Outputs))
	for i, img := range o.Outputs {
		if img != nil {
			targets[i] = d.images[img.ID()]
		}
	}
	st, err := d.engine.Dispatch(swrt.DispatchRequest{
		TLAS:      o.TLAS,
		Constants: consts,
		Width:     o.Width,
		Height:    o.Height,
		Outputs:   targets,
	})
	if err != nil {
		return err
	}
	if o.Stats != nil {
		if sb := mem.Bytes(o.Stats); len(sb) >= 8 {
			binary.LittleEndian.PutUint32(sb[0:], uint32(st.Hits))
			binary.LittleEndian.PutUint32(sb[4:], uint32(st.Misses))
		}
	}
	return nil
}

func (d *Device) draw(pass device.FullscreenPass) {
	dst := d.images[pass.Target.ID()]
	if dst == nil {
		return
	}
	for y := 0; y < dst.Height; y++ {
		for x := 0; x < dst.Width; x++ {
			acc := dst.At(x, y)
			for i, s := range pass.Sources {
				src := d.images[s.ID()]
				if src == nil {
					continue
				}
				w := float32(1)
				if i < len(pass.Weights) {
					w = pass.Weights[i]
				}
				// nearest sample, sources may be smaller than the target
				sx := x * src.Width / dst.Width
				sy := y * src.Height / dst.Height
				acc = blend(acc, src.At(sx, sy), w)
			}
			dst.Set(x, y, acc)
		}
	}
}

func (d *Device) WaitIdle(ctx context.Context) error {
	return d.fence.Wait(ctx, d.fence.Signaled(), 0)
}

// Allocator is the simulated command allocator.
type Allocator struct {
	dev      *Device
	id       device.ResourceID
	label    string
	resets   int
	released bool
}

func (a *Allocator) ID() device.ResourceID { return a.id }
func (a *Allocator) Label() string         { return a.label }

func (a *Allocator) Released() bool {
	a.dev.mu.Lock()
	defer a.dev.mu.Unlock()
	return a.released
}

func (a *Allocator) Resets() int {
	a.dev.mu.Lock()
	defer a.dev.mu.Unlock()
	return a.resets
}

func (a *Allocator) Reset() error {
	a.dev.maybePanic("Reset")
	a.dev.mu.Lock()
	defer a.dev.mu.Unlock()
	if a.released {
		return fmt.Errorf("%w: %s", device.ErrReleased, a.label)
	}
	a.resets++
	a.dev.recordEvent(EventReset, a.id, a.label)
	return nil
}

func (a *Allocator) Release() {
	a.dev.mu.Lock()
	defer a.dev.mu.Unlock()
	if a.released {
		return
	}
	a.released = true
	a.dev.recordEvent(EventRelease, a.id, a.label)
}
