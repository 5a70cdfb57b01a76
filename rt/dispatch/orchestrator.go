package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/gekko3d/rtas/rt/accel"
	"github.com/gekko3d/rtas/rt/app"
	"github.com/gekko3d/rtas/rt/core"
	"github.com/gekko3d/rtas/rt/device"
	"github.com/gekko3d/rtas/rt/shader"
	"github.com/gekko3d/rtas/rt/timeline"
)

var (
	ErrNotInitialized = errors.New("dispatch: not initialized")
	ErrZeroSize       = errors.New("dispatch: zero-sized output")
)

type Config struct {
	// MaxOutputDim clamps each output dimension.
	MaxOutputDim  uint32
	ClearOutputs  bool
	StatsEnabled  bool
	StatsInterval uint64
}

func DefaultConfig() Config {
	return Config{MaxOutputDim: 4096, ClearOutputs: true, StatsEnabled: true, StatsInterval: 300}
}

// Outputs are the images the ray tracing passes write.
type Outputs struct {
	GI         *timeline.Owned[*device.Image]
	Reflection *timeline.Owned[*device.Image]
	AO         *timeline.Owned[*device.Image]
	Width      uint32
	Height     uint32
}

// Images returns GI, reflection and AO in binding order. Retired outputs are nil.
func (o *Outputs) Images() []*device.Image {
	return []*device.Image{o.GI.Get(), o.Reflection.Get(), o.AO.Get()}
}

func (o *Outputs) Retire(q *timeline.ReleaseQueue) {
	o.GI.Retire(q)
	o.Reflection.Retire(q)
	o.AO.Retire(q)
}

type Result struct {
	Frame      uint64
	Dispatched bool
	Width      uint32
	Height     uint32
	FenceValue uint64
	TLAS       device.GPUAddress
	Stats      RayStats
	StatsFresh bool
}

// Orchestrator records one ray dispatch per frame against the installed scene.
type Orchestrator struct {
	p     device.Provider
	ring  *timeline.FrameRing
	tl    *timeline.Timeline
	queue *timeline.ReleaseQueue
	cfg   Config
	log   core.Logger

	Profiler *app.Profiler

	pipeline  *timeline.Owned[*device.Pipeline]
	tables    *timeline.Owned[*device.ShaderTables]
	outputs   Outputs
	constants []*timeline.Owned[*device.Buffer]
	stats     *StatsReader
	builder   constantsBuilder

	dispatched uint64
	skipped    uint64
}

func NewOrchestrator(p device.Provider, ring *timeline.FrameRing, tl *timeline.Timeline, q *timeline.ReleaseQueue, cfg Config, log core.Logger) *Orchestrator {
	return &Orchestrator{
		p:         p,
		ring:      ring,
		tl:        tl,
		queue:     q,
		cfg:       cfg,
		log:       core.OrNop(log),
		constants: make([]*timeline.Owned[*device.Buffer], ring.Size()),
	}
}

// Init creates the pipeline, shader tables, outputs and stats buffers.
func (o *Orchestrator) Init(bundle *shader.Bundle, width, height uint32) error {
	if err := shader.Validate(bundle, o.log); err != nil {
		return device.Invariant("init dispatch", err)
	}
	pipeline, err := device.GuardValue("create pipeline", func() (*device.Pipeline, error) {
		return o.p.CreatePipeline(bundle)
	})
	if err != nil {
		return device.Fatal("init dispatch", err)
	}
	o.pipeline = timeline.Own(pipeline, "rt-pipeline")

	tables, err := device.GuardValue("create shader tables", func() (*device.ShaderTables, error) {
		return o.p.CreateShaderTables(pipeline)
	})
	if err != nil {
		return device.Fatal("init dispatch", err)
	}
	o.tables = timeline.Own(tables, "shader-tables")

	if o.cfg.StatsEnabled {
		o.stats, err = NewStatsReader(o.p, o.cfg.StatsInterval, o.log)
		if err != nil {
			return device.Fatal("init dispatch", err)
		}
	}
	return o.Resize(width, height)
}

// ClampDims applies the per-dimension output clamp.
func (o *Orchestrator) ClampDims(width, height uint32) (uint32, uint32) {
	if m := o.cfg.MaxOutputDim; m > 0 {
		width, height = min(width, m), min(height, m)
	}
	return width, height
}

// Resize recreates the outputs at the clamped size and retires the old ones.
func (o *Orchestrator) Resize(width, height uint32) error {
	w, h := o.ClampDims(width, height)
	if w == 0 || h == 0 {
		return device.Skip("resize outputs", fmt.Errorf("%w: %dx%d", ErrZeroSize, width, height))
	}
	if w == o.outputs.Width && h == o.outputs.Height && o.outputs.GI.Get() != nil {
		return nil
	}
	if w != width || h != height {
		o.log.Warnf("output %dx%d clamped to %dx%d", width, height, w, h)
	}

	var next Outputs
	next.Width, next.Height = w, h
	for _, slot := range []struct {
		dst   **timeline.Owned[*device.Image]
		label string
	}{{&next.GI, "rt-gi"}, {&next.Reflection, "rt-reflection"}, {&next.AO, "rt-ao"}} {
		img, err := device.GuardValue("create image", func() (*device.Image, error) {
			return o.p.CreateImage(device.ImageDesc{
				Label:  slot.label,
				Width:  w,
				Height: h,
				Format: device.FormatRGBA16Float,
				Usage:  device.ImageStorage | device.ImageSampled,
			})
		})
		if err != nil {
			next.Retire(o.queue)
			return device.Fatal("resize outputs", fmt.Errorf("%s %dx%d: %w", slot.label, w, h, err))
		}
		*slot.dst = timeline.Own(img, slot.label)
	}

	o.outputs.Retire(o.queue)
	o.outputs = next
	o.log.Debugf("outputs %dx%d ready", w, h)
	return nil
}

func (o *Orchestrator) Outputs() *Outputs { return &o.outputs }

func (o *Orchestrator) Stats() *StatsReader { return o.stats }

func (o *Orchestrator) Dispatched() uint64 { return o.dispatched }

func (o *Orchestrator) Skipped() uint64 { return o.skipped }

// Skip counts a frame whose dispatch was skipped before reaching the ring.
func (o *Orchestrator) Skip() { o.skipped++ }

func (o *Orchestrator) constantsFor(slot int) (*device.Buffer, error) {
	if c := o.constants[slot].Get(); c != nil {
		return c, nil
	}
	buf, err := device.GuardValue("create constants", func() (*device.Buffer, error) {
		return o.p.CreateBuffer(device.BufferDesc{
			Label: fmt.Sprintf("frame-constants-%d", slot),
			Size:  device.AlignUp(shader.ConstantsSize, device.ConstantsAlignment),
			Heap:  device.HeapUpload,
			Usage: device.UsageConstant,
		})
	})
	if err != nil {
		return nil, err
	}
	o.constants[slot] = timeline.Own(buf, "frame-constants")
	return buf, nil
}

// Dispatch records and submits the frame's ray dispatch. With nothing
// installed it still consumes a frame context so fence bookkeeping advances.
func (o *Orchestrator) Dispatch(ctx context.Context, s *accel.SceneState, params FrameParams) (Result, error) {
	if o.pipeline.Get() == nil {
		return Result{}, device.Invariant("dispatch", ErrNotInitialized)
	}
	defer o.Profiler.Scope("dispatch")()

	fc, err := o.ring.Begin(ctx)
	if err != nil {
		if device.IsSkip(err) {
			o.skipped++
		}
		return Result{}, err
	}
	res := Result{Frame: o.ring.Frames(), TLAS: s.TLASAddress()}

	if res.TLAS == 0 {
		o.skipped++
		_, err := o.ring.End(false)
		o.queue.Reclaim()
		return res, err
	}
	w, h := o.outputs.Width, o.outputs.Height
	if w == 0 || h == 0 {
		o.skipped++
		if _, err := o.ring.End(false); err != nil {
			return res, err
		}
		return res, device.Skip("dispatch", ErrZeroSize)
	}

	cbuf, err := o.constantsFor(fc.Index)
	if err != nil {
		o.ring.Abort()
		return res, device.Fatal("dispatch", err)
	}
	consts := o.builder.build(params, w, h, o.stats != nil)
	if err := device.Guard("write constants", func() error { return o.p.WriteBuffer(cbuf, 0, consts.Marshal()) }); err != nil {
		o.ring.Abort()
		return res, device.Fatal("dispatch", err)
	}

	cl := fc.List
	images := o.outputs.Images()
	cl.SetAccelerationStructure(res.TLAS)
	for _, img := range images {
		cl.Transition(img, device.StateUnorderedAccess)
		if o.cfg.ClearOutputs {
			cl.ClearImage(img, [4]float32{})
		}
	}
	cl.SetPipeline(o.pipeline.Get(), o.tables.Get())
	cl.SetConstants(cbuf)
	cl.SetOutputs(images...)
	if o.stats != nil {
		cl.SetStats(o.stats.Counters())
	}
	cl.DispatchRays(w, h)
	for _, img := range images {
		cl.UAVBarrier(img)
		cl.Transition(img, device.StateShaderResource)
	}
	if o.stats != nil {
		o.stats.Schedule(cl, res.Frame)
	}

	v, err := o.ring.End(true)
	if err != nil {
		return res, err
	}
	o.tl.NoteDispatch(v)
	o.dispatched++
	res.Dispatched = true
	res.Width, res.Height, res.FenceValue = w, h, v

	o.queue.Reclaim()
	if o.stats != nil {
		res.Stats, res.StatsFresh = o.stats.Poll(res.Frame, uint64(w)*uint64(h))
		if res.StatsFresh {
			o.Profiler.SetCount("ray_hits", int(res.Stats.Hits))
			o.Profiler.SetCount("ray_misses", int(res.Stats.Misses))
		}
	}
	o.Profiler.SetCount("deferred_pending", o.queue.Pending())
	return res, nil
}

// Release retires every resource the orchestrator owns.
func (o *Orchestrator) Release() {
	o.outputs.Retire(o.queue)
	o.outputs = Outputs{}
	for _, c := range o.constants {
		c.Retire(o.queue)
	}
	o.stats.Retire(o.queue)
	o.tables.Retire(o.queue)
	o.pipeline.Retire(o.queue)
}
