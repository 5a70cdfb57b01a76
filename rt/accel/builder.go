package accel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gekko3d/rtas/rt/app"
	"github.com/gekko3d/rtas/rt/core"
	"github.com/gekko3d/rtas/rt/device"
	"github.com/gekko3d/rtas/rt/geometry"
	"github.com/gekko3d/rtas/rt/timeline"
)

var (
	ErrNoGeometry     = errors.New("accel: no geometry to build")
	ErrStreamingBusy  = errors.New("accel: streaming busy")
	ErrObjectTooLarge = errors.New("accel: object exceeds bottom-level limits")
)

type State int32

const (
	StateIdle State = iota
	StateExtracting
	StateValidating
	StateBuildingBLAS
	StateBuildingTLAS
	StateSubmitted
	StateInstalled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateExtracting:
		return "Extracting"
	case StateValidating:
		return "Validating"
	case StateBuildingBLAS:
		return "BuildingBLAS"
	case StateBuildingTLAS:
		return "BuildingTLAS"
	case StateSubmitted:
		return "Submitted"
	case StateInstalled:
		return "Installed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Config struct {
	// Per-object bottom-level limits.
	MaxVertices int
	MaxIndices  int
	// WaitTimeout bounds the wait for the build fence before install.
	WaitTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxVertices: 1_000_000,
		MaxIndices:  3_000_000,
		WaitTimeout: 30 * time.Second,
	}
}

type Report struct {
	ID          uuid.UUID
	Selection   geometry.SelectReport
	Requested   int
	BLASBuilt   int
	Skipped     []string
	TLASAddress device.GPUAddress
	FenceValue  uint64
	Duration    time.Duration
}

// Builder turns validated geometry into a SceneState and installs it once the
// GPU has confirmed the build.
type Builder struct {
	provider device.Provider
	tl       *timeline.Timeline
	queue    *timeline.ReleaseQueue
	cfg      Config
	log      core.Logger

	// Profiler is optional.
	Profiler *app.Profiler

	mu         sync.Mutex
	state      atomic.Int32
	current    atomic.Pointer[SceneState]
	generation uint64
}

func NewBuilder(p device.Provider, tl *timeline.Timeline, q *timeline.ReleaseQueue, cfg Config, log core.Logger) *Builder {
	return &Builder{provider: p, tl: tl, queue: q, cfg: cfg, log: core.OrNop(log)}
}

func (b *Builder) State() State { return State(b.state.Load()) }

func (b *Builder) setState(s State) { b.state.Store(int32(s)) }

// Installed returns the active scene state, or nil.
func (b *Builder) Installed() *SceneState { return b.current.Load() }

// restState is where the machine rests between attempts.
func (b *Builder) restState() State {
	if b.current.Load() != nil {
		return StateInstalled
	}
	return StateIdle
}

// Run extracts geometry at vp, selects the working set and builds it. It is a
// transient skip while the extractor reports streaming busy.
func (b *Builder) Run(ctx context.Context, ex geometry.Extractor, sel *geometry.Selector, vp core.Viewpoint) (*SceneState, Report, error) {
	if ex.StreamingBusy() {
		return nil, Report{}, device.Skip("rebuild", ErrStreamingBusy)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.setState(StateExtracting)
	records, err := ex.Extract(ctx, vp)
	if err != nil {
		b.setState(b.restState())
		return nil, Report{}, device.Recoverable("extract geometry", err)
	}

	b.setState(StateValidating)
	selected, selRep := sel.Select(records, vp)
	s, rep, err := b.build(ctx, selected)
	rep.Selection = selRep
	return s, rep, err
}

// Build builds records as given and installs the result.
func (b *Builder) Build(ctx context.Context, records []geometry.Record) (*SceneState, Report, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.build(ctx, records)
}

// attempt collects everything allocated during one build so a failure can
// retire it all.
type attempt struct {
	b       *Builder
	cl      device.CommandList
	alloc   device.Allocator
	state   *SceneState
	retired bool
}

func (a *attempt) abandon() {
	if a.retired {
		return
	}
	a.retired = true
	a.state.Retire(a.b.queue)
	if a.alloc != nil {
		a.b.queue.SafeRelease(a.alloc, "as-build-allocator")
	}
}

// classify maps a provider failure onto a build-recoverable error unless the
// device itself is gone.
func (b *Builder) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isClassified(err) {
		return err
	}
	if errors.Is(err, device.ErrDeviceLost) || b.provider.Status() != nil {
		return device.Fatal(op, err)
	}
	return device.Recoverable(op, err)
}

func isClassified(err error) bool {
	var e *device.Error
	return errors.As(err, &e)
}

func (b *Builder) createBuffer(desc device.BufferDesc) (*device.Buffer, error) {
	buf, err := device.GuardValue("create buffer", func() (*device.Buffer, error) {
		return b.provider.CreateBuffer(desc)
	})
	if err != nil {
		return nil, b.classify("create "+desc.Label, err)
	}
	return buf, nil
}

func (b *Builder) upload(label string, data []byte, usage device.BufferUsage) (staging, gpu *device.Buffer, err error) {
	staging, err = b.createBuffer(device.BufferDesc{Label: label + "-upload", Size: uint64(len(data)), Heap: device.HeapUpload, Usage: device.UsageCopySrc})
	if err != nil {
		return nil, nil, err
	}
	err = device.Guard("write "+label, func() error { return b.provider.WriteBuffer(staging, 0, data) })
	if err != nil {
		return staging, nil, b.classify("upload "+label, err)
	}
	gpu, err = b.createBuffer(device.BufferDesc{Label: label, Size: uint64(len(data)), Heap: device.HeapDefault, Usage: usage | device.UsageCopyDst})
	if err != nil {
		return staging, nil, err
	}
	return staging, gpu, nil
}

func (b *Builder) prebuild(inputs device.BuildInputs) (device.PrebuildInfo, error) {
	info, err := device.GuardValue("prebuild info", func() (device.PrebuildInfo, error) {
		return b.provider.PrebuildInfo(inputs)
	})
	if err != nil {
		return info, b.classify(inputs.Type.String()+" prebuild", err)
	}
	if info.ResultSize == 0 {
		return info, device.Recoverable(inputs.Type.String()+" prebuild", fmt.Errorf("%w: zero result size", device.ErrInvalidArgument))
	}
	info.ResultSize = device.AlignUp(info.ResultSize, device.ASAlignment)
	info.ScratchSize = device.AlignUp(max(info.ScratchSize, 1), device.ASAlignment)
	return info, nil
}

func vertexBytes(r *geometry.Record) []byte {
	out := make([]byte, len(r.Vertices)*12)
	for i, v := range r.Vertices {
		binary.LittleEndian.PutUint32(out[i*12:], math.Float32bits(v[0]))
		binary.LittleEndian.PutUint32(out[i*12+4:], math.Float32bits(v[1]))
		binary.LittleEndian.PutUint32(out[i*12+8:], math.Float32bits(v[2]))
	}
	return out
}

func indexBytes(r *geometry.Record) []byte {
	out := make([]byte, len(r.Indices)*4)
	for i, idx := range r.Indices {
		binary.LittleEndian.PutUint32(out[i*4:], idx)
	}
	return out
}

func (b *Builder) build(ctx context.Context, records []geometry.Record) (*SceneState, Report, error) {
	start := time.Now()
	rep := Report{ID: uuid.New(), Requested: len(records)}
	defer b.Profiler.Scope("rebuild")()

	fail := func(a *attempt, err error) (*SceneState, Report, error) {
		if a != nil {
			a.abandon()
		}
		b.setState(b.restState())
		b.log.Errorf("rebuild %s abandoned after %d/%d BLAS: %v", rep.ID, rep.BLASBuilt, rep.Requested, err)
		rep.Duration = time.Since(start)
		return nil, rep, err
	}

	if len(records) == 0 {
		b.setState(b.restState())
		return nil, rep, device.Recoverable("rebuild", ErrNoGeometry)
	}
	if err := b.provider.Status(); err != nil {
		return fail(nil, device.Fatal("rebuild", err))
	}

	a := &attempt{b: b, state: &SceneState{ID: rep.ID}}
	alloc, err := device.GuardValue("create allocator", func() (device.Allocator, error) {
		return b.provider.CreateAllocator("as-build-" + rep.ID.String()[:8])
	})
	if err != nil {
		return fail(a, b.classify("create build allocator", err))
	}
	a.alloc = alloc
	cl, err := device.GuardValue("create command list", func() (device.CommandList, error) {
		return b.provider.CreateCommandList(alloc, "as-build")
	})
	if err != nil {
		return fail(a, b.classify("create build command list", err))
	}
	a.cl = cl

	b.setState(StateBuildingBLAS)
	endBLAS := b.Profiler.Scope("blas")
	for i := range records {
		rec := &records[i]
		if len(rec.Vertices) > b.cfg.MaxVertices || len(rec.Indices) > b.cfg.MaxIndices {
			b.log.Warnf("skipping BLAS %q: v=%d i=%d over limits (v<=%d i<=%d)",
				rec.Label, len(rec.Vertices), len(rec.Indices), b.cfg.MaxVertices, b.cfg.MaxIndices)
			rep.Skipped = append(rep.Skipped, rec.Label)
			continue
		}
		if err := b.buildBottom(a, rec); err != nil {
			endBLAS()
			return fail(a, err)
		}
		rep.BLASBuilt++
		b.log.Debugf("BLAS %d %q: v=%d i=%d result=0x%x", i, rec.Label, len(rec.Vertices), len(rec.Indices), a.state.BLAS[len(a.state.BLAS)-1].Address)
	}
	endBLAS()
	if len(a.state.BLAS) == 0 {
		return fail(a, device.Recoverable("rebuild", fmt.Errorf("%w: all %d objects skipped", ErrObjectTooLarge, len(records))))
	}

	b.setState(StateBuildingTLAS)
	endTLAS := b.Profiler.Scope("tlas")
	err = b.buildTop(a)
	endTLAS()
	if err != nil {
		return fail(a, err)
	}

	if err := device.Guard("close build list", cl.Close); err != nil {
		return fail(a, b.classify("close build list", err))
	}
	if err := device.Guard("submit build", func() error { return b.provider.Submit(cl) }); err != nil {
		return fail(a, b.classify("submit build", err))
	}
	v, err := b.tl.Signal()
	if err != nil {
		return fail(a, err)
	}
	b.tl.NoteBuild(v)
	rep.FenceValue = v
	b.setState(StateSubmitted)

	if err := b.tl.Wait(ctx, v, b.cfg.WaitTimeout); err != nil {
		// the work is in flight; the queue keys everything past v
		if errors.Is(err, device.ErrTimeout) {
			return fail(a, device.Recoverable("wait for build", err))
		}
		return fail(a, b.classify("wait for build", err))
	}

	b.generation++
	s := a.state
	s.Generation = b.generation
	s.FenceValue = v
	rep.TLASAddress = s.TLAS.Address
	b.install(s)
	b.queue.SafeRelease(alloc, "as-build-allocator")
	s.ReleaseUploads(b.queue)
	b.Profiler.AddCount("blas_built", rep.BLASBuilt)
	rep.Duration = time.Since(start)

	b.log.Infof("installed scene %s gen %d: %d BLAS, TLAS 0x%x, fence %d (%d skipped)",
		s.ID, s.Generation, len(s.BLAS), s.TLAS.Address, v, len(rep.Skipped))
	return s, rep, nil
}

func (b *Builder) buildBottom(a *attempt, rec *geometry.Record) error {
	label := rec.Label
	vbUp, vb, err := b.upload("vb-"+label, vertexBytes(rec), device.UsageVertex|device.UsageStorage)
	a.keep(vbUp, vb)
	if err != nil {
		return err
	}
	ibUp, ib, err := b.upload("ib-"+label, indexBytes(rec), device.UsageIndex|device.UsageStorage)
	a.keep(ibUp, ib)
	if err != nil {
		return err
	}
	a.cl.CopyBuffer(vb, 0, vbUp, 0, vb.Size)
	a.cl.CopyBuffer(ib, 0, ibUp, 0, ib.Size)
	a.cl.UAVBarrier(vb)
	a.cl.UAVBarrier(ib)

	inputs := device.BuildInputs{
		Type:  device.BottomLevel,
		Flags: device.BuildPreferFastTrace,
		Triangles: []device.TriangleGeometry{{
			VertexBuffer: vb,
			VertexCount:  uint32(len(rec.Vertices)),
			VertexStride: 12,
			IndexBuffer:  ib,
			IndexCount:   uint32(len(rec.Indices)),
			Opaque:       true,
		}},
	}
	info, err := b.prebuild(inputs)
	if err != nil {
		return err
	}

	bufs := Buffers{Label: label}
	scratch, err := b.createBuffer(device.BufferDesc{Label: "blas-scratch-" + label, Size: info.ScratchSize, Usage: device.UsageScratch | device.UsageStorage})
	if err != nil {
		return err
	}
	bufs.Scratch = timeline.Own(scratch, "blas-scratch")
	a.state.BLAS = append(a.state.BLAS, bufs)
	cur := &a.state.BLAS[len(a.state.BLAS)-1]

	result, err := b.createBuffer(device.BufferDesc{Label: "blas-" + label, Size: info.ResultSize, Usage: device.UsageAccelStructure})
	if err != nil {
		return err
	}
	cur.Result = timeline.Own(result, "blas-result")
	if result.Address == 0 {
		return device.Recoverable("blas "+label, fmt.Errorf("%w: result buffer has no GPU address", device.ErrInvalidArgument))
	}

	a.cl.BuildAccelerationStructure(device.BuildDesc{Inputs: inputs, Dest: result, Scratch: scratch})
	a.cl.UAVBarrier(result)
	cur.Address = result.Address
	return nil
}

func (b *Builder) buildTop(a *attempt) error {
	descs := make([]device.InstanceDesc, len(a.state.BLAS))
	for i, bl := range a.state.BLAS {
		descs[i] = device.InstanceDesc{
			Transform:      device.IdentityTransform(),
			InstanceID:     uint32(i),
			Mask:           0xFF,
			HitGroupOffset: 0,
			BLAS:           bl.Address,
		}
	}
	raw, err := device.MarshalInstances(descs)
	if err != nil {
		return device.Invariant("tlas instances", err)
	}

	a.state.TLAS.Label = "scene-tlas"
	inst, err := b.createBuffer(device.BufferDesc{Label: "tlas-instances", Size: uint64(len(raw)), Heap: device.HeapUpload, Usage: device.UsageInstances})
	if err != nil {
		return err
	}
	a.state.TLAS.Instances = timeline.Own(inst, "tlas-instances")
	if err := device.Guard("write instances", func() error { return b.provider.WriteBuffer(inst, 0, raw) }); err != nil {
		return b.classify("upload tlas instances", err)
	}

	inputs := device.BuildInputs{
		Type:          device.TopLevel,
		Flags:         device.BuildPreferFastTrace,
		Instances:     inst,
		InstanceCount: uint32(len(descs)),
	}
	info, err := b.prebuild(inputs)
	if err != nil {
		return err
	}

	scratch, err := b.createBuffer(device.BufferDesc{Label: "tlas-scratch", Size: info.ScratchSize, Usage: device.UsageScratch | device.UsageStorage})
	if err != nil {
		return err
	}
	a.state.TLAS.Scratch = timeline.Own(scratch, "tlas-scratch")
	result, err := b.createBuffer(device.BufferDesc{Label: "tlas", Size: info.ResultSize, Usage: device.UsageAccelStructure})
	if err != nil {
		return err
	}
	a.state.TLAS.Result = timeline.Own(result, "tlas-result")

	a.cl.BuildAccelerationStructure(device.BuildDesc{Inputs: inputs, Dest: result, Scratch: scratch})
	a.cl.UAVBarrier(result)
	a.state.TLAS.Address = result.Address
	return nil
}

func (a *attempt) keep(bufs ...*device.Buffer) {
	for _, buf := range bufs {
		if buf != nil {
			a.state.uploads = append(a.state.uploads, timeline.Own(buf, "keep-alive"))
		}
	}
}

// install swaps s in and retires the previous state.
func (b *Builder) install(s *SceneState) {
	old := b.current.Swap(s)
	b.setState(StateInstalled)
	if old != nil {
		old.Retire(b.queue)
		b.log.Debugf("retired scene %s gen %d (%d BLAS)", old.ID, old.Generation, len(old.BLAS))
	}
}

// Uninstall detaches and retires the active state.
func (b *Builder) Uninstall() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old := b.current.Swap(nil); old != nil {
		old.Retire(b.queue)
	}
	b.setState(StateIdle)
}
