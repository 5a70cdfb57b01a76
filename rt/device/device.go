package device

import (
	"context"
	"time"

	"github.com/gekko3d/rtas/rt/shader"
)

const (
	// ASAlignment is the required alignment of acceleration structure sizes and addresses.
	ASAlignment = 256
	// ConstantsAlignment is the required alignment of constant buffer sizes.
	ConstantsAlignment = 256
)

// Fence is the device's monotonically increasing completion counter.
type Fence interface {
	// Completed returns the last value the GPU has reached.
	Completed() uint64
	// Signal enqueues a signal of value on the queue after all submitted work.
	Signal(value uint64) error
	// Wait blocks until Completed() >= value. A timeout <= 0 waits without bound.
	Wait(ctx context.Context, value uint64, timeout time.Duration) error
}

// Allocator backs the memory of recorded command lists.
type Allocator interface {
	Resource
	// Reset reclaims the allocator's memory. The caller must know the GPU is
	// done with every list recorded from it.
	Reset() error
}

type ASType int

const (
	BottomLevel ASType = iota
	TopLevel
)

func (t ASType) String() string {
	if t == TopLevel {
		return "TLAS"
	}
	return "BLAS"
}

type BuildFlags uint32

const (
	BuildPreferFastTrace BuildFlags = 1 << iota
	BuildAllowUpdate
)

// TriangleGeometry describes one indexed triangle mesh for a bottom-level build.
// Vertices are three float32 positions with the given stride.
type TriangleGeometry struct {
	VertexBuffer *Buffer
	VertexCount  uint32
	VertexStride uint64
	IndexBuffer  *Buffer
	IndexCount   uint32
	Opaque       bool
}

type BuildInputs struct {
	Type      ASType
	Flags     BuildFlags
	Triangles []TriangleGeometry
	// Top level only.
	Instances     *Buffer
	InstanceCount uint32
}

type PrebuildInfo struct {
	ResultSize  uint64
	ScratchSize uint64
}

type BuildDesc struct {
	Inputs  BuildInputs
	Dest    *Buffer
	Scratch *Buffer
}

// FullscreenPass is a single fullscreen blend of Sources into Target.
type FullscreenPass struct {
	Target  *Image
	Sources []*Image
	Weights []float32
}

// CommandList records GPU work. Recording methods never fail directly; the
// first recording error is reported by Close.
type CommandList interface {
	Label() string
	CopyBuffer(dst *Buffer, dstOffset uint64, src *Buffer, srcOffset, size uint64)
	UAVBarrier(res Resource)
	Transition(img *Image, to ResourceState)
	ClearImage(img *Image, value [4]float32)
	BuildAccelerationStructure(desc BuildDesc)
	SetPipeline(p *Pipeline, tables *ShaderTables)
	SetAccelerationStructure(addr GPUAddress)
	SetConstants(buf *Buffer)
	SetOutputs(outputs ...*Image)
	SetStats(buf *Buffer)
	DispatchRays(width, height uint32)
	DrawFullscreen(pass FullscreenPass)
	Close() error
}

// Provider is the device and queue capability the subsystem runs on.
type Provider interface {
	Name() string
	// Status reports a non-nil error once the device is lost or faulted.
	Status() error
	Fence() Fence

	CreateAllocator(label string) (Allocator, error)
	CreateCommandList(alloc Allocator, label string) (CommandList, error)
	CreateBuffer(desc BufferDesc) (*Buffer, error)
	CreateImage(desc ImageDesc) (*Image, error)
	// WriteBuffer writes CPU data into an upload-heap buffer.
	WriteBuffer(buf *Buffer, offset uint64, data []byte) error
	// ReadBuffer copies a readback-heap buffer into dst. It returns ErrNotReady
	// while the mapping is still in flight and never blocks.
	ReadBuffer(buf *Buffer, offset uint64, dst []byte) error

	PrebuildInfo(inputs BuildInputs) (PrebuildInfo, error)
	CreatePipeline(bundle *shader.Bundle) (*Pipeline, error)
	CreateShaderTables(p *Pipeline) (*ShaderTables, error)

	Submit(lists ...CommandList) error
	WaitIdle(ctx context.Context) error
}
