package device

import (
	"errors"
	"fmt"
)

type OpKind int

const (
	OpCopy OpKind = iota
	OpBarrier
	OpClear
	OpBuild
	OpDispatch
	OpDraw
)

// Op is one recorded command. Dispatch ops capture the bound state at record
// time.
type Op struct {
	Kind OpKind

	Dst, Src             *Buffer
	DstOffset, SrcOffset uint64
	Size                 uint64

	Image *Image
	Color [4]float32

	Build BuildDesc

	Pipeline      *Pipeline
	TLAS          GPUAddress
	Constants     *Buffer
	Outputs       []*Image
	Stats         *Buffer
	Width, Height uint32

	Pass FullscreenPass
}

// Recorder validates and captures commands for providers that replay them at
// submit. It implements every CommandList method; providers embed it and add
// their own bookkeeping.
type Recorder struct {
	label string
	Ops   []Op
	// Refs holds every resource the list touches, keyed by ID.
	Refs map[ResourceID]Resource

	err       error
	closed    bool
	submitted bool

	pipeline  *Pipeline
	tlas      GPUAddress
	constants *Buffer
	outputs   []*Image
	stats     *Buffer
}

func NewRecorder(label string) *Recorder {
	return &Recorder{label: label, Refs: make(map[ResourceID]Resource)}
}

func (r *Recorder) Label() string { return r.label }
func (r *Recorder) Closed() bool  { return r.closed }

// MarkSubmitted fails unless the list is closed and not yet submitted.
func (r *Recorder) MarkSubmitted() error {
	if !r.closed || r.submitted {
		return fmt.Errorf("%w: list %s closed=%v submitted=%v", ErrInvalidArgument, r.label, r.closed, r.submitted)
	}
	r.submitted = true
	return nil
}

func (r *Recorder) fail(err error) {
	if r.err == nil {
		r.err = fmt.Errorf("%s: %w", r.label, err)
	}
}

func (r *Recorder) ref(res Resource) bool {
	if r.closed {
		r.fail(errors.New("recording into closed list"))
		return false
	}
	if res == nil {
		return true
	}
	if rel, ok := res.(interface{ Released() bool }); ok && rel.Released() {
		r.fail(fmt.Errorf("%w: %s", ErrReleased, res.Label()))
		return false
	}
	r.Refs[res.ID()] = res
	return true
}

func (r *Recorder) refBuf(b *Buffer) bool {
	if b == nil {
		return !r.closed
	}
	return r.ref(b)
}

func (r *Recorder) refImg(img *Image) bool {
	if img == nil {
		return !r.closed
	}
	return r.ref(img)
}

func (r *Recorder) CopyBuffer(dst *Buffer, dstOffset uint64, src *Buffer, srcOffset, size uint64) {
	if dst == nil || src == nil {
		r.fail(fmt.Errorf("%w: copy with nil buffer", ErrInvalidArgument))
		return
	}
	if !r.refBuf(dst) || !r.refBuf(src) {
		return
	}
	if dstOffset+size > dst.Size || srcOffset+size > src.Size {
		r.fail(fmt.Errorf("%w: copy %d bytes %s+%d -> %s+%d out of bounds", ErrInvalidArgument, size, src.Label(), srcOffset, dst.Label(), dstOffset))
		return
	}
	r.Ops = append(r.Ops, Op{Kind: OpCopy, Dst: dst, Src: src, DstOffset: dstOffset, SrcOffset: srcOffset, Size: size})
}

func (r *Recorder) UAVBarrier(res Resource) {
	if res == nil || r.ref(res) {
		r.Ops = append(r.Ops, Op{Kind: OpBarrier})
	}
}

// Transition updates the tracked state immediately; later recording sees it.
func (r *Recorder) Transition(img *Image, to ResourceState) {
	if img == nil || !r.refImg(img) {
		return
	}
	img.SetState(to)
}

func (r *Recorder) ClearImage(img *Image, value [4]float32) {
	if img == nil || !r.refImg(img) {
		return
	}
	if img.State() != StateUnorderedAccess && img.State() != StateRenderTarget {
		r.fail(fmt.Errorf("%w: clear %s in state %s", ErrInvalidArgument, img.Label(), img.State()))
		return
	}
	r.Ops = append(r.Ops, Op{Kind: OpClear, Image: img, Color: value})
}

func (r *Recorder) BuildAccelerationStructure(desc BuildDesc) {
	if desc.Dest == nil || desc.Scratch == nil {
		r.fail(fmt.Errorf("%w: %s build without dest or scratch", ErrInvalidArgument, desc.Inputs.Type))
		return
	}
	if !r.refBuf(desc.Dest) || !r.refBuf(desc.Scratch) || !r.refBuf(desc.Inputs.Instances) {
		return
	}
	for _, g := range desc.Inputs.Triangles {
		if !r.refBuf(g.VertexBuffer) || !r.refBuf(g.IndexBuffer) {
			return
		}
	}
	r.Ops = append(r.Ops, Op{Kind: OpBuild, Build: desc})
}

func (r *Recorder) SetPipeline(p *Pipeline, tables *ShaderTables) {
	if p == nil || tables == nil {
		r.fail(fmt.Errorf("%w: nil pipeline or shader tables", ErrInvalidArgument))
		return
	}
	if r.ref(p) && r.ref(tables) {
		r.pipeline = p
	}
}

func (r *Recorder) SetAccelerationStructure(addr GPUAddress) { r.tlas = addr }

func (r *Recorder) SetConstants(buf *Buffer) {
	if buf != nil && r.refBuf(buf) {
		r.constants = buf
	}
}

func (r *Recorder) SetOutputs(outputs ...*Image) {
	for _, img := range outputs {
		if !r.refImg(img) {
			return
		}
	}
	r.outputs = append(r.outputs[:0:0], outputs...)
}

func (r *Recorder) SetStats(buf *Buffer) {
	if r.refBuf(buf) {
		r.stats = buf
	}
}

func (r *Recorder) DispatchRays(width, height uint32) {
	if r.pipeline == nil {
		r.fail(fmt.Errorf("%w: dispatch without pipeline", ErrInvalidArgument))
		return
	}
	if r.tlas == 0 {
		r.fail(fmt.Errorf("%w: dispatch without acceleration structure", ErrInvalidArgument))
		return
	}
	if r.constants == nil {
		r.fail(fmt.Errorf("%w: dispatch without constants", ErrInvalidArgument))
		return
	}
	for _, img := range r.outputs {
		if img != nil && img.State() != StateUnorderedAccess {
			r.fail(fmt.Errorf("%w: output %s in state %s", ErrInvalidArgument, img.Label(), img.State()))
			return
		}
	}
	r.Ops = append(r.Ops, Op{
		Kind:      OpDispatch,
		Pipeline:  r.pipeline,
		TLAS:      r.tlas,
		Constants: r.constants,
		Outputs:   r.outputs,
		Stats:     r.stats,
		Width:     width,
		Height:    height,
	})
}

func (r *Recorder) DrawFullscreen(pass FullscreenPass) {
	if pass.Target == nil {
		r.fail(fmt.Errorf("%w: fullscreen pass without target", ErrInvalidArgument))
		return
	}
	if !r.refImg(pass.Target) {
		return
	}
	for _, s := range pass.Sources {
		if !r.refImg(s) {
			return
		}
		if s != nil && s.State() != StateShaderResource {
			r.fail(fmt.Errorf("%w: compose source %s in state %s", ErrInvalidArgument, s.Label(), s.State()))
			return
		}
	}
	r.Ops = append(r.Ops, Op{Kind: OpDraw, Pass: pass})
}

// Close ends recording and reports the first recording error.
func (r *Recorder) Close() error {
	if r.closed {
		return fmt.Errorf("%w: %s closed twice", ErrInvalidArgument, r.label)
	}
	r.closed = true
	return r.err
}
