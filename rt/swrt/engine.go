package swrt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Carmen-Shannon/automation/tools/worker"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/rtas/rt/bvh"
	"github.com/gekko3d/rtas/rt/core"
	"github.com/gekko3d/rtas/rt/device"
)

var (
	ErrUnknownBLAS     = errors.New("swrt: instance references unknown bottom-level structure")
	ErrBufferTooSmall  = errors.New("swrt: buffer smaller than prebuild size")
	ErrMissingContents = errors.New("swrt: buffer has no CPU-visible contents")
)

// Memory exposes the CPU copy of device buffers to the engine.
type Memory interface {
	Bytes(buf *device.Buffer) []byte
}

// Structure is a built acceleration structure, keyed by the address of the
// buffer it was built into.
type Structure struct {
	Type    device.ASType
	Address device.GPUAddress
	Label   string
	BLAS    *bvh.BLAS
	TLAS    *bvh.TLAS
}

// Engine builds and traces acceleration structures on the CPU for devices
// without hardware ray tracing.
type Engine struct {
	log  core.Logger
	pool worker.DynamicWorkerPool

	mu         sync.RWMutex
	structures map[device.GPUAddress]*Structure
	taskID     int
	builds     uint64
}

func NewEngine(workers int, log core.Logger) *Engine {
	if workers <= 0 {
		workers = 4
	}
	return &Engine{
		log:        core.OrNop(log),
		pool:       worker.NewDynamicWorkerPool(workers, 256, 1*time.Second),
		structures: make(map[device.GPUAddress]*Structure),
	}
}

// PrebuildInfo sizes result and scratch memory for inputs.
func PrebuildInfo(inputs device.BuildInputs) (device.PrebuildInfo, error) {
	switch inputs.Type {
	case device.BottomLevel:
		if len(inputs.Triangles) == 0 {
			return device.PrebuildInfo{}, fmt.Errorf("%w: bottom level without geometry", device.ErrInvalidArgument)
		}
		var tris uint64
		for _, g := range inputs.Triangles {
			if g.IndexCount == 0 || g.IndexCount%3 != 0 || g.VertexCount == 0 {
				return device.PrebuildInfo{}, fmt.Errorf("%w: triangles v=%d i=%d", device.ErrInvalidArgument, g.VertexCount, g.IndexCount)
			}
			tris += uint64(g.IndexCount / 3)
		}
		return device.PrebuildInfo{
			ResultSize:  device.AlignUp(2*tris*bvh.NodeSize+tris*48, device.ASAlignment),
			ScratchSize: device.AlignUp(max(tris*32, 1), device.ASAlignment),
		}, nil
	case device.TopLevel:
		n := uint64(inputs.InstanceCount)
		if n == 0 {
			return device.PrebuildInfo{}, fmt.Errorf("%w: top level without instances", device.ErrInvalidArgument)
		}
		return device.PrebuildInfo{
			ResultSize:  device.AlignUp(2*n*bvh.NodeSize+n*device.InstanceDescSize, device.ASAlignment),
			ScratchSize: device.AlignUp(n*32, device.ASAlignment),
		}, nil
	}
	return device.PrebuildInfo{}, fmt.Errorf("%w: structure type %d", device.ErrInvalidArgument, inputs.Type)
}

// Build executes a batch of recorded builds. Bottom-level builds run in
// parallel on the worker pool; top-level builds run afterwards in order so
// they can reference the fresh bottom-level results.
func (e *Engine) Build(descs []device.BuildDesc, mem Memory) error {
	var blas, tlas []device.BuildDesc
	for _, d := range descs {
		if d.Inputs.Type == device.TopLevel {
			tlas = append(tlas, d)
		} else {
			blas = append(blas, d)
		}
	}

	results := make([]*Structure, len(blas))
	errs := make([]error, len(blas))
	var wg sync.WaitGroup
	for i, d := range blas {
		wg.Add(1)
		e.mu.Lock()
		id := e.taskID
		e.taskID++
		e.mu.Unlock()

		idx, desc := i, d
		e.pool.SubmitTask(worker.Task{
			ID: id,
			Do: func() (any, error) {
				defer wg.Done()
				results[idx], errs[idx] = e.buildBottom(desc, mem)
				return nil, errs[idx]
			},
		})
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return err
	}
	e.mu.Lock()
	for _, s := range results {
		e.structures[s.Address] = s
		e.builds++
	}
	e.mu.Unlock()

	for _, d := range tlas {
		s, err := e.buildTop(d, mem)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.structures[s.Address] = s
		e.builds++
		e.mu.Unlock()
	}
	return nil
}

func checkTargets(d device.BuildDesc) error {
	info, err := PrebuildInfo(d.Inputs)
	if err != nil {
		return err
	}
	if d.Dest == nil || d.Scratch == nil {
		return fmt.Errorf("%w: %s build without dest or scratch", device.ErrInvalidArgument, d.Inputs.Type)
	}
	if d.Dest.Size < info.ResultSize || d.Scratch.Size < info.ScratchSize {
		return fmt.Errorf("%w: %s dest %d/%d scratch %d/%d", ErrBufferTooSmall, d.Inputs.Type,
			d.Dest.Size, info.ResultSize, d.Scratch.Size, info.ScratchSize)
	}
	if d.Dest.Address == 0 || d.Dest.Address%device.ASAlignment != 0 {
		return fmt.Errorf("%w: %s dest address 0x%x not %d-aligned", device.ErrInvalidArgument, d.Inputs.Type, d.Dest.Address, device.ASAlignment)
	}
	return nil
}

func (e *Engine) buildBottom(d device.BuildDesc, mem Memory) (*Structure, error) {
	if err := checkTargets(d); err != nil {
		return nil, err
	}

	var verts []mgl32.Vec3
	var indices []uint32
	for gi, g := range d.Inputs.Triangles {
		vb := mem.Bytes(g.VertexBuffer)
		ib := mem.Bytes(g.IndexBuffer)
		if vb == nil || ib == nil {
			return nil, fmt.Errorf("%w: geometry %d of %s", ErrMissingContents, gi, d.Dest.Label())
		}
		stride := g.VertexStride
		if stride == 0 {
			stride = 12
		}
		if uint64(len(vb)) < uint64(g.VertexCount-1)*stride+12 || uint64(len(ib)) < uint64(g.IndexCount)*4 {
			return nil, fmt.Errorf("%w: geometry %d of %s: vb=%d ib=%d", ErrBufferTooSmall, gi, d.Dest.Label(), len(vb), len(ib))
		}

		base := uint32(len(verts))
		for i := uint32(0); i < g.VertexCount; i++ {
			off := uint64(i) * stride
			verts = append(verts, mgl32.Vec3{
				math.Float32frombits(binary.LittleEndian.Uint32(vb[off:])),
				math.Float32frombits(binary.LittleEndian.Uint32(vb[off+4:])),
				math.Float32frombits(binary.LittleEndian.Uint32(vb[off+8:])),
			})
		}
		for i := uint32(0); i < g.IndexCount; i++ {
			idx := binary.LittleEndian.Uint32(ib[i*4:])
			if idx >= g.VertexCount {
				return nil, fmt.Errorf("%w: geometry %d of %s: index %d out of range (v=%d)", device.ErrInvalidArgument, gi, d.Dest.Label(), idx, g.VertexCount)
			}
			indices = append(indices, base+idx)
		}
	}

	b := bvh.BuildBLAS(verts, indices)
	e.log.Debugf("swrt: built BLAS %s at 0x%x: %d tris, %d nodes", d.Dest.Label(), d.Dest.Address, b.TriangleCount(), len(b.Nodes))
	return &Structure{Type: device.BottomLevel, Address: d.Dest.Address, Label: d.Dest.Label(), BLAS: b}, nil
}

func (e *Engine) buildTop(d device.BuildDesc, mem Memory) (*Structure, error) {
	if err := checkTargets(d); err != nil {
		return nil, err
	}
	raw := mem.Bytes(d.Inputs.Instances)
	if raw == nil {
		return nil, fmt.Errorf("%w: instances of %s", ErrMissingContents, d.Dest.Label())
	}
	descs, err := device.UnmarshalInstances(raw, d.Inputs.InstanceCount)
	if err != nil {
		return nil, err
	}

	instances := make([]bvh.Instance, len(descs))
	e.mu.RLock()
	for i, desc := range descs {
		s, ok := e.structures[desc.BLAS]
		if !ok || s.Type != device.BottomLevel {
			e.mu.RUnlock()
			return nil, fmt.Errorf("%w: instance %d -> 0x%x", ErrUnknownBLAS, i, desc.BLAS)
		}
		instances[i] = bvh.Instance{Transform: desc.Transform, BLAS: s.BLAS, ID: desc.InstanceID, Mask: desc.Mask}
	}
	e.mu.RUnlock()

	t := bvh.BuildTLAS(instances)
	e.log.Debugf("swrt: built TLAS %s at 0x%x: %d instances", d.Dest.Label(), d.Dest.Address, len(instances))
	return &Structure{Type: device.TopLevel, Address: d.Dest.Address, Label: d.Dest.Label(), TLAS: t}, nil
}

func (e *Engine) Lookup(addr device.GPUAddress) (*Structure, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.structures[addr]
	return s, ok
}

// Forget drops the structure stored at addr, called when its buffer is freed.
func (e *Engine) Forget(addr device.GPUAddress) {
	e.mu.Lock()
	delete(e.structures, addr)
	e.mu.Unlock()
}

func (e *Engine) Live() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.structures)
}

func (e *Engine) Builds() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.builds
}
