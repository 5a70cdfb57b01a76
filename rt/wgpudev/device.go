// Package wgpudev runs the subsystem on WebGPU. WebGPU has no ray tracing
// extension, so acceleration structures are built on the CPU by swrt and
// flattened into storage buffers that a compute kernel traverses. Buffers that
// only feed the CPU builder never get a GPU allocation.
package wgpudev

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/gogpu/naga"

	"github.com/gekko3d/rtas/rt/core"
	"github.com/gekko3d/rtas/rt/device"
	"github.com/gekko3d/rtas/rt/shader"
	"github.com/gekko3d/rtas/rt/swrt"
	"github.com/gekko3d/rtas/rt/wgpudev/shaders"
)

// ErrNoAdapter is returned when no WebGPU adapter is available.
var ErrNoAdapter = errors.New("wgpu: no adapter")

// SourcePart is the container part that may carry a WGSL override of the
// built-in ray generation kernel.
const SourcePart = "WGSL"

type Options struct {
	// Instance and Surface are optional. A window that presents through the
	// device passes both so the adapter can drive its surface.
	Instance        *wgpu.Instance
	Surface         *wgpu.Surface
	PowerPreference wgpu.PowerPreference
	Workers         int
	Logger          core.Logger
}

const (
	mapIdle int32 = iota
	mapPending
	mapReady
	mapFailed
)

type bufferState struct {
	buf    *device.Buffer
	shadow []byte
	gpu    *wgpu.Buffer

	mapState atomic.Int32
	// shadowUse is the fence value whose results the shadow of a readback
	// buffer holds.
	shadowUse uint64
}

type imageState struct {
	img    *device.Image
	tex    *wgpu.Texture
	view   *wgpu.TextureView
	format wgpu.TextureFormat
	owned  bool
}

type pipelineState struct {
	module  *wgpu.ShaderModule
	compute *wgpu.ComputePipeline
}

type sceneKey struct {
	addr   device.GPUAddress
	builds uint64
}

type Device struct {
	opts   Options
	log    core.Logger
	fence  *Fence
	engine *swrt.Engine

	instance     *wgpu.Instance
	ownsInstance bool
	adapter      *wgpu.Adapter
	dev          *wgpu.Device
	queue        *wgpu.Queue
	closed       atomic.Bool

	mu        sync.Mutex
	nextID    device.ResourceID
	nextAddr  device.GPUAddress
	buffers   map[device.ResourceID]*bufferState
	images    map[device.ResourceID]*imageState
	pipelines map[device.ResourceID]*pipelineState
	lastUse   map[device.ResourceID]uint64
	unstamped map[device.ResourceID]struct{}
	lost      error
	submits   int

	composeModule    *wgpu.ShaderModule
	composePipelines map[wgpu.TextureFormat]*wgpu.RenderPipeline

	scene     sceneKey
	sceneBufs []*wgpu.Buffer

	dummyTex   *wgpu.Texture
	dummyView  *wgpu.TextureView
	dummyStats *wgpu.Buffer
}

// New requests an adapter and device.
func New(opts Options) (*Device, error) {
	d := &Device{
		opts:             opts,
		log:              core.OrNop(opts.Logger),
		nextAddr:         0x10000,
		buffers:          make(map[device.ResourceID]*bufferState),
		images:           make(map[device.ResourceID]*imageState),
		pipelines:        make(map[device.ResourceID]*pipelineState),
		lastUse:          make(map[device.ResourceID]uint64),
		unstamped:        make(map[device.ResourceID]struct{}),
		composePipelines: make(map[wgpu.TextureFormat]*wgpu.RenderPipeline),
	}
	d.engine = swrt.NewEngine(opts.Workers, d.log)
	d.fence = newFence(d)
	d.fence.onSignal = d.stamp

	d.instance = opts.Instance
	if d.instance == nil {
		d.instance = wgpu.CreateInstance(nil)
		d.ownsInstance = true
	}
	pref := opts.PowerPreference
	if pref == wgpu.PowerPreferenceUndefined {
		pref = wgpu.PowerPreferenceHighPerformance
	}
	adapter, err := d.instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		CompatibleSurface: opts.Surface,
		PowerPreference:   pref,
	})
	if err != nil || adapter == nil {
		d.releaseInstance()
		return nil, fmt.Errorf("%w: %v", ErrNoAdapter, err)
	}
	d.adapter = adapter

	d.dev, err = adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		d.releaseInstance()
		return nil, fmt.Errorf("wgpu: request device: %w", err)
	}
	d.queue = d.dev.GetQueue()

	if err := d.initShared(); err != nil {
		d.Close()
		return nil, err
	}
	d.log.Infof("wgpu: device ready")
	return d, nil
}

func (d *Device) releaseInstance() {
	if d.ownsInstance && d.instance != nil {
		d.instance.Release()
	}
}

// initShared creates the compose module and the placeholder bindings used
// when a dispatch has no stats buffer or fewer than three outputs.
func (d *Device) initShared() error {
	if _, err := naga.Compile(shaders.ComposeWGSL); err != nil {
		d.log.Warnf("wgpu: naga preflight of compose shader: %v", err)
	}
	var err error
	d.composeModule, err = d.dev.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "compose.wgsl",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: shaders.ComposeWGSL},
	})
	if err != nil {
		return fmt.Errorf("wgpu: compose module: %w", err)
	}

	d.dummyTex, err = d.dev.CreateTexture(&wgpu.TextureDescriptor{
		Label:         "placeholder",
		Size:          wgpu.Extent3D{Width: 1, Height: 1, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     wgpu.TextureDimension2D,
		Format:        wgpu.TextureFormatRGBA16Float,
		Usage:         wgpu.TextureUsageStorageBinding | wgpu.TextureUsageTextureBinding,
	})
	if err != nil {
		return fmt.Errorf("wgpu: placeholder texture: %w", err)
	}
	d.dummyView, err = d.dummyTex.CreateView(nil)
	if err != nil {
		return fmt.Errorf("wgpu: placeholder view: %w", err)
	}
	d.dummyStats, err = d.dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "placeholder-stats",
		Size:  16,
		Usage: wgpu.BufferUsageStorage,
	})
	if err != nil {
		return fmt.Errorf("wgpu: placeholder stats: %w", err)
	}
	return nil
}

func (d *Device) Name() string { return "wgpu" }

func (d *Device) Status() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost
}

func (d *Device) Fence() device.Fence { return d.fence }

func (d *Device) Engine() *swrt.Engine { return d.engine }

// Raw exposes the underlying handles for surface setup.
func (d *Device) Raw() (*wgpu.Adapter, *wgpu.Device) { return d.adapter, d.dev }

func (d *Device) Submits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submits
}

func (d *Device) poll() {
	if d.closed.Load() || d.dev == nil {
		return
	}
	d.dev.Poll(false, nil)
}

func (d *Device) stamp(v uint64) {
	d.mu.Lock()
	for id := range d.unstamped {
		d.lastUse[id] = v
	}
	clear(d.unstamped)
	d.mu.Unlock()
}

func (d *Device) allocID() device.ResourceID {
	d.nextID++
	return d.nextID
}

func (d *Device) CreateAllocator(label string) (device.Allocator, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost != nil {
		return nil, d.lost
	}
	return &allocator{dev: d, id: d.allocID(), label: label}, nil
}

func (d *Device) CreateCommandList(alloc device.Allocator, label string) (device.CommandList, error) {
	a, ok := alloc.(*allocator)
	if !ok || a.dev != d {
		return nil, fmt.Errorf("%w: foreign allocator", device.ErrInvalidArgument)
	}
	if err := d.Status(); err != nil {
		return nil, err
	}
	return &CommandList{Recorder: device.NewRecorder(label), dev: d, alloc: a}, nil
}

func (d *Device) CreateBuffer(desc device.BufferDesc) (*device.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost != nil {
		return nil, d.lost
	}
	if desc.Size == 0 {
		return nil, fmt.Errorf("%w: zero-sized buffer %q", device.ErrInvalidArgument, desc.Label)
	}

	st := &bufferState{shadow: make([]byte, desc.Size)}
	if usage, ok := bufferUsage(desc); ok {
		gpu, err := d.dev.CreateBuffer(&wgpu.BufferDescriptor{
			Label: desc.Label,
			Size:  device.AlignUp(desc.Size, 4),
			Usage: usage,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", device.ErrOutOfMemory, desc.Label, err)
		}
		st.gpu = gpu
	}

	id := d.allocID()
	addr := d.nextAddr
	d.nextAddr += device.GPUAddress(device.AlignUp(desc.Size, device.ASAlignment))

	var buf *device.Buffer
	buf = device.NewBuffer(id, desc, addr, func() { d.releaseBuffer(buf) })
	st.buf = buf
	d.buffers[id] = st
	return buf, nil
}

func (d *Device) releaseBuffer(buf *device.Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.buffers[buf.ID()]
	if !ok {
		return
	}
	delete(d.buffers, buf.ID())
	delete(d.lastUse, buf.ID())
	delete(d.unstamped, buf.ID())
	if st.gpu != nil {
		if st.mapState.Load() == mapReady {
			st.gpu.Unmap()
		}
		st.gpu.Release()
	}
	if buf.Usage&device.UsageAccelStructure != 0 {
		d.engine.Forget(buf.Address)
		if d.scene.addr == buf.Address {
			d.dropScene()
		}
	}
}

func (d *Device) CreateImage(desc device.ImageDesc) (*device.Image, error) {
	if err := d.Status(); err != nil {
		return nil, err
	}
	if desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("%w: image %q is %dx%d", device.ErrInvalidArgument, desc.Label, desc.Width, desc.Height)
	}
	format, err := textureFormat(desc.Format)
	if err != nil {
		return nil, err
	}
	tex, err := d.dev.CreateTexture(&wgpu.TextureDescriptor{
		Label:         desc.Label,
		Size:          wgpu.Extent3D{Width: desc.Width, Height: desc.Height, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     wgpu.TextureDimension2D,
		Format:        format,
		Usage:         textureUsage(desc.Usage),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", device.ErrOutOfMemory, desc.Label, err)
	}
	view, err := tex.CreateView(nil)
	if err != nil {
		tex.Release()
		return nil, fmt.Errorf("wgpu: view of %s: %w", desc.Label, err)
	}
	return d.registerImage(desc, &imageState{tex: tex, view: view, format: format, owned: true}, device.StateCommon), nil
}

// WrapTexture exposes a texture the caller owns, such as the current surface
// texture, as a device image. Releasing the image drops only its view.
func (d *Device) WrapTexture(tex *wgpu.Texture, format wgpu.TextureFormat, label string) (*device.Image, error) {
	f, err := FormatOf(format)
	if err != nil {
		return nil, err
	}
	view, err := tex.CreateView(nil)
	if err != nil {
		return nil, fmt.Errorf("wgpu: view of %s: %w", label, err)
	}
	desc := device.ImageDesc{
		Label:  label,
		Width:  tex.GetWidth(),
		Height: tex.GetHeight(),
		Format: f,
		Usage:  device.ImageRenderTarget,
	}
	return d.registerImage(desc, &imageState{tex: tex, view: view, format: format}, device.StatePresent), nil
}

func (d *Device) registerImage(desc device.ImageDesc, st *imageState, initial device.ResourceState) *device.Image {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.allocID()
	var img *device.Image
	img = device.NewImage(id, desc, initial, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.images, img.ID())
		delete(d.lastUse, img.ID())
		delete(d.unstamped, img.ID())
		st.view.Release()
		if st.owned {
			st.tex.Release()
		}
	})
	st.img = img
	d.images[id] = st
	return img
}

func (d *Device) WriteBuffer(buf *device.Buffer, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost != nil {
		return d.lost
	}
	st, ok := d.buffers[buf.ID()]
	if !ok {
		return fmt.Errorf("%w: %s", device.ErrReleased, buf.Label())
	}
	if buf.Heap != device.HeapUpload {
		return fmt.Errorf("%w: CPU write to %s heap buffer %s", device.ErrInvalidArgument, buf.Heap, buf.Label())
	}
	if offset+uint64(len(data)) > uint64(len(st.shadow)) {
		return fmt.Errorf("%w: write %d bytes at %d into %s (%d bytes)", device.ErrInvalidArgument, len(data), offset, buf.Label(), len(st.shadow))
	}
	copy(st.shadow[offset:], data)
	return nil
}

// ReadBuffer walks a readback buffer through map, copy and unmap across
// calls. It never blocks; every step that is still in flight reports
// ErrNotReady.
func (d *Device) ReadBuffer(buf *device.Buffer, offset uint64, dst []byte) error {
	completed := d.fence.Completed()

	d.mu.Lock()
	st, err := d.readable(buf, offset, dst)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if _, pending := d.unstamped[buf.ID()]; pending || d.lastUse[buf.ID()] > completed {
		d.mu.Unlock()
		return device.ErrNotReady
	}
	use := d.lastUse[buf.ID()]
	if st.shadowUse == use && st.mapState.Load() == mapIdle {
		copy(dst, st.shadow[offset:])
		d.mu.Unlock()
		return nil
	}
	start := st.mapState.CompareAndSwap(mapIdle, mapPending)
	d.mu.Unlock()

	if start {
		st.gpu.MapAsync(wgpu.MapModeRead, 0, st.gpu.GetSize(), func(status wgpu.BufferMapAsyncStatus) {
			if status == wgpu.BufferMapAsyncStatusSuccess {
				st.mapState.Store(mapReady)
			} else {
				st.mapState.Store(mapFailed)
			}
		})
	}
	d.poll()

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.buffers[buf.ID()]; !ok {
		return fmt.Errorf("%w: %s", device.ErrReleased, buf.Label())
	}
	switch st.mapState.Load() {
	case mapReady:
		data := st.gpu.GetMappedRange(0, uint(len(st.shadow)))
		copy(st.shadow, data)
		st.gpu.Unmap()
		st.shadowUse = use
		st.mapState.Store(mapIdle)
		copy(dst, st.shadow[offset:])
		return nil
	case mapFailed:
		st.mapState.Store(mapIdle)
		d.log.Warnf("wgpu: mapping %s failed, retrying", buf.Label())
	}
	return device.ErrNotReady
}

func (d *Device) readable(buf *device.Buffer, offset uint64, dst []byte) (*bufferState, error) {
	if d.lost != nil {
		return nil, d.lost
	}
	st, ok := d.buffers[buf.ID()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", device.ErrReleased, buf.Label())
	}
	if buf.Heap != device.HeapReadback || st.gpu == nil {
		return nil, fmt.Errorf("%w: CPU read of %s heap buffer %s", device.ErrInvalidArgument, buf.Heap, buf.Label())
	}
	if offset+uint64(len(dst)) > uint64(len(st.shadow)) {
		return nil, fmt.Errorf("%w: read %d bytes at %d from %s", device.ErrInvalidArgument, len(dst), offset, buf.Label())
	}
	return st, nil
}

func (d *Device) PrebuildInfo(inputs device.BuildInputs) (device.PrebuildInfo, error) {
	if err := d.Status(); err != nil {
		return device.PrebuildInfo{}, err
	}
	return swrt.PrebuildInfo(inputs)
}

// rayGenSource picks the kernel for bundle: a non-blank WGSL part in the
// ray generation container overrides the built-in traversal kernel.
func rayGenSource(bundle *shader.Bundle) (src, entry string, override bool) {
	c, err := shader.Parse(bundle.RayGen.Code)
	if err == nil {
		if part, ok := c.Part(SourcePart); ok && strings.TrimSpace(string(part)) != "" {
			return string(part), bundle.RayGen.EntryPoint, true
		}
	}
	return shaders.RayGenWGSL, shader.RayGenEntry, false
}

func (d *Device) CreatePipeline(bundle *shader.Bundle) (*device.Pipeline, error) {
	if err := shader.Validate(bundle, d.log); err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrInvalidArgument, err)
	}
	if err := d.Status(); err != nil {
		return nil, err
	}

	src, entry, override := rayGenSource(bundle)
	if _, err := naga.Compile(src); err != nil {
		if override {
			return nil, fmt.Errorf("%w: ray generation WGSL: %v", device.ErrInvalidArgument, err)
		}
		d.log.Warnf("wgpu: naga preflight of built-in kernel: %v", err)
	}

	module, err := d.dev.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "raygen.wgsl",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: src},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: ray generation module: %v", device.ErrInvalidArgument, err)
	}
	compute, err := d.dev.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label: "rt-pipeline",
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: entry,
		},
	})
	if err != nil {
		module.Release()
		return nil, fmt.Errorf("%w: ray generation pipeline: %v", device.ErrInvalidArgument, err)
	}
	origin := "built-in"
	if override {
		origin = "bundle"
	}
	d.log.Debugf("wgpu: ray generation pipeline from %s source, entry %s", origin, entry)

	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.allocID()
	ps := &pipelineState{module: module, compute: compute}
	d.pipelines[id] = ps
	p := device.NewPipeline(id, "rt-pipeline", func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.pipelines, id)
		ps.compute.Release()
		ps.module.Release()
	})
	p.RayGenEntry = bundle.RayGen.EntryPoint
	p.MissEntry = bundle.Miss.EntryPoint
	p.ClosestHitEntry = bundle.ClosestHit.EntryPoint
	p.HitGroup = bundle.HitGroup
	return p, nil
}

// shaderRecordSize is one table record: the entry point name, zero padded.
const shaderRecordSize = 64

func (d *Device) CreateShaderTables(p *device.Pipeline) (*device.ShaderTables, error) {
	if p == nil || p.Released() {
		return nil, fmt.Errorf("%w: shader tables for missing pipeline", device.ErrInvalidArgument)
	}
	var bufs []*device.Buffer
	fail := func(err error) (*device.ShaderTables, error) {
		for _, b := range bufs {
			b.Release()
		}
		return nil, err
	}
	for _, rec := range []struct{ name, entry string }{
		{"raygen", p.RayGenEntry},
		{"miss", p.MissEntry},
		{"hitgroup", p.HitGroup},
	} {
		b, err := d.CreateBuffer(device.BufferDesc{Label: "sbt-" + rec.name, Size: shaderRecordSize, Heap: device.HeapUpload, Usage: device.UsageStorage})
		if err != nil {
			return fail(err)
		}
		bufs = append(bufs, b)
		name := []byte(rec.entry)
		if len(name) > shaderRecordSize {
			name = name[:shaderRecordSize]
		}
		if err := d.WriteBuffer(b, 0, name); err != nil {
			return fail(err)
		}
	}

	d.mu.Lock()
	id := d.allocID()
	d.mu.Unlock()
	t := device.NewShaderTables(id, "rt-sbt", func() {
		for _, b := range bufs {
			b.Release()
		}
	})
	t.RayGen, t.Miss, t.HitGroup = bufs[0], bufs[1], bufs[2]
	return t, nil
}

func (d *Device) WaitIdle(ctx context.Context) error {
	if err := d.fence.Wait(ctx, d.fence.Signaled(), 0); err != nil {
		return err
	}
	if !d.closed.Load() {
		d.dev.Poll(true, nil)
	}
	return nil
}

// Close releases every device-level object. Resources handed out earlier must
// already be released; later calls report ErrDeviceLost.
func (d *Device) Close() {
	if d.closed.Swap(true) {
		return
	}
	d.mu.Lock()
	d.lost = fmt.Errorf("%w: device closed", device.ErrDeviceLost)
	d.dropScene()
	for _, p := range d.composePipelines {
		p.Release()
	}
	clear(d.composePipelines)
	d.mu.Unlock()

	if d.composeModule != nil {
		d.composeModule.Release()
	}
	if d.dummyView != nil {
		d.dummyView.Release()
	}
	if d.dummyTex != nil {
		d.dummyTex.Release()
	}
	if d.dummyStats != nil {
		d.dummyStats.Release()
	}
	if d.queue != nil {
		d.queue.Release()
	}
	if d.dev != nil {
		d.dev.Release()
	}
	if d.adapter != nil {
		d.adapter.Release()
	}
	d.releaseInstance()
}

type allocator struct {
	dev      *Device
	id       device.ResourceID
	label    string
	released atomic.Bool
}

func (a *allocator) ID() device.ResourceID { return a.id }
func (a *allocator) Label() string         { return a.label }
func (a *allocator) Released() bool        { return a.released.Load() }

// Reset is a no-op; WebGPU encoders own their memory.
func (a *allocator) Reset() error {
	if a.released.Load() {
		return fmt.Errorf("%w: %s", device.ErrReleased, a.label)
	}
	return nil
}

func (a *allocator) Release() { a.released.Store(true) }
