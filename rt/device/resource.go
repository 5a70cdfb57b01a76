package device

import (
	"fmt"
	"sync/atomic"
)

type ResourceID uint64

// GPUAddress is a virtual address of a buffer as seen by the device. Zero is
// never a valid address.
type GPUAddress uint64

// Resource is anything whose destruction must wait for the GPU.
type Resource interface {
	ID() ResourceID
	Label() string
	// Release frees the resource. Calling it more than once is a no-op.
	Release()
}

type handle struct {
	id       ResourceID
	label    string
	release  func()
	released atomic.Bool
}

func (h *handle) ID() ResourceID { return h.id }
func (h *handle) Label() string  { return h.label }

func (h *handle) Release() {
	if h.released.Swap(true) {
		return
	}
	if h.release != nil {
		h.release()
	}
}

func (h *handle) Released() bool { return h.released.Load() }

type HeapType int

const (
	HeapDefault HeapType = iota
	HeapUpload
	HeapReadback
)

func (h HeapType) String() string {
	switch h {
	case HeapDefault:
		return "default"
	case HeapUpload:
		return "upload"
	case HeapReadback:
		return "readback"
	}
	return fmt.Sprintf("HeapType(%d)", int(h))
}

type BufferUsage uint32

const (
	UsageVertex BufferUsage = 1 << iota
	UsageIndex
	UsageConstant
	UsageStorage
	UsageCopySrc
	UsageCopyDst
	UsageAccelStructure
	UsageScratch
	UsageInstances
)

type BufferDesc struct {
	Label string
	Size  uint64
	Heap  HeapType
	Usage BufferUsage
}

type Buffer struct {
	handle
	Size    uint64
	Heap    HeapType
	Usage   BufferUsage
	Address GPUAddress
}

// NewBuffer is used by providers to hand out buffers. release runs at most once.
func NewBuffer(id ResourceID, desc BufferDesc, addr GPUAddress, release func()) *Buffer {
	b := &Buffer{Size: desc.Size, Heap: desc.Heap, Usage: desc.Usage, Address: addr}
	b.id, b.label, b.release = id, desc.Label, release
	return b
}

type Format int

const (
	FormatRGBA16Float Format = iota
	FormatRGBA8Unorm
	FormatBGRA8Unorm
)

func (f Format) BytesPerPixel() int {
	if f == FormatRGBA16Float {
		return 8
	}
	return 4
}

type ImageUsage uint32

const (
	ImageStorage ImageUsage = 1 << iota
	ImageSampled
	ImageRenderTarget
	ImageCopySrc
)

type ImageDesc struct {
	Label  string
	Width  uint32
	Height uint32
	Format Format
	Usage  ImageUsage
}

type ResourceState int32

const (
	StateCommon ResourceState = iota
	StateShaderResource
	StateUnorderedAccess
	StateRenderTarget
	StateCopySource
	StateCopyDest
	StatePresent
)

func (s ResourceState) String() string {
	switch s {
	case StateCommon:
		return "common"
	case StateShaderResource:
		return "shader-resource"
	case StateUnorderedAccess:
		return "unordered-access"
	case StateRenderTarget:
		return "render-target"
	case StateCopySource:
		return "copy-source"
	case StateCopyDest:
		return "copy-dest"
	case StatePresent:
		return "present"
	}
	return fmt.Sprintf("ResourceState(%d)", int(s))
}

type Image struct {
	handle
	Width  uint32
	Height uint32
	Format Format
	Usage  ImageUsage
	state  atomic.Int32
}

func NewImage(id ResourceID, desc ImageDesc, initial ResourceState, release func()) *Image {
	img := &Image{Width: desc.Width, Height: desc.Height, Format: desc.Format, Usage: desc.Usage}
	img.id, img.label, img.release = id, desc.Label, release
	img.state.Store(int32(initial))
	return img
}

// State is the state the image will be in once recorded work up to now executes.
func (img *Image) State() ResourceState { return ResourceState(img.state.Load()) }

// SetState records a transition and returns the previous state. Command list
// implementations call it from Transition.
func (img *Image) SetState(s ResourceState) ResourceState {
	return ResourceState(img.state.Swap(int32(s)))
}

// Pipeline is a ray tracing pipeline state object.
type Pipeline struct {
	handle
	RayGenEntry     string
	MissEntry       string
	ClosestHitEntry string
	HitGroup        string
}

func NewPipeline(id ResourceID, label string, release func()) *Pipeline {
	p := &Pipeline{}
	p.id, p.label, p.release = id, label, release
	return p
}

// ShaderTables holds the ray-gen, miss and hit-group records for a pipeline.
type ShaderTables struct {
	handle
	RayGen   *Buffer
	Miss     *Buffer
	HitGroup *Buffer
}

func NewShaderTables(id ResourceID, label string, release func()) *ShaderTables {
	t := &ShaderTables{}
	t.id, t.label, t.release = id, label, release
	return t
}

// AlignUp rounds v up to a multiple of align, which must be a power of two.
func AlignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
