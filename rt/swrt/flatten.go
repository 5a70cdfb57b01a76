package swrt

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gekko3d/rtas/rt/bvh"
	"github.com/gekko3d/rtas/rt/device"
)

// InstanceRecordSize matches the WGSL SceneInstance
//
//	struct SceneInstance {
//	  to_object: mat4x4<f32>;  (64)
//	  node_offset: u32;        (4)
//	  tri_offset: u32;         (4)
//	  mask: u32;               (4)
//	  id: u32;                 (4)
//	}; -> 80 bytes
const InstanceRecordSize = 80

// Flattened is a TLAS and every BLAS it references packed into four storage
// buffers for compute-shader traversal. TLAS leaves hold the instance index
// directly; BLAS child indices are relative to the instance's node_offset and
// leaf ranges index triangles relative to tri_offset.
type Flattened struct {
	TLASNodes []byte
	Instances []byte
	BLASNodes []byte
	// Triangles holds three vec4<f32> positions per triangle.
	Triangles []byte
}

// Flatten packs the top-level structure at addr.
func (e *Engine) Flatten(addr device.GPUAddress) (*Flattened, error) {
	s, ok := e.Lookup(addr)
	if !ok || s.Type != device.TopLevel {
		return nil, fmt.Errorf("%w: no top-level structure at 0x%x", device.ErrInvalidArgument, addr)
	}
	return FlattenTLAS(s.TLAS), nil
}

func FlattenTLAS(t *bvh.TLAS) *Flattened {
	f := &Flattened{}

	nodes := make([]bvh.Node, len(t.Nodes))
	copy(nodes, t.Nodes)
	for i := range nodes {
		if nodes[i].LeafCount == 1 {
			nodes[i].LeafFirst = t.Order[nodes[i].LeafFirst]
		}
	}
	f.TLASNodes = (&bvh.Tree{Nodes: nodes}).NodeBytes()

	type offsets struct{ node, tri uint32 }
	placed := make(map[*bvh.BLAS]offsets)
	f.Instances = make([]byte, len(t.Instances)*InstanceRecordSize)

	for i, inst := range t.Instances {
		rec := f.Instances[i*InstanceRecordSize:]
		if inst.BLAS == nil {
			continue
		}
		off, ok := placed[inst.BLAS]
		if !ok {
			off = offsets{node: uint32(len(f.BLASNodes) / bvh.NodeSize), tri: uint32(len(f.Triangles) / 48)}
			placed[inst.BLAS] = off
			f.BLASNodes = append(f.BLASNodes, inst.BLAS.NodeBytes()...)
			f.Triangles = append(f.Triangles, triangleBytes(inst.BLAS)...)
		}

		toObject := bvh.Mat4From3x4(inst.Transform).Inv()
		for k, v := range toObject {
			binary.LittleEndian.PutUint32(rec[k*4:], math.Float32bits(v))
		}
		binary.LittleEndian.PutUint32(rec[64:], off.node)
		binary.LittleEndian.PutUint32(rec[68:], off.tri)
		binary.LittleEndian.PutUint32(rec[72:], uint32(inst.Mask))
		binary.LittleEndian.PutUint32(rec[76:], inst.ID)
	}

	// storage bindings must not be empty
	if len(f.BLASNodes) == 0 {
		f.BLASNodes = make([]byte, bvh.NodeSize)
	}
	if len(f.Triangles) == 0 {
		f.Triangles = make([]byte, 48)
	}
	if len(f.Instances) == 0 {
		f.Instances = make([]byte, InstanceRecordSize)
	}
	return f
}

// triangleBytes writes triangles in leaf order so a leaf range maps to a
// contiguous run.
func triangleBytes(b *bvh.BLAS) []byte {
	out := make([]byte, 0, len(b.Order)*48)
	var tmp [16]byte
	for _, prim := range b.Order {
		for k := 0; k < 3; k++ {
			v := b.Vertices[b.Indices[int(prim)*3+k]]
			binary.LittleEndian.PutUint32(tmp[0:], math.Float32bits(v[0]))
			binary.LittleEndian.PutUint32(tmp[4:], math.Float32bits(v[1]))
			binary.LittleEndian.PutUint32(tmp[8:], math.Float32bits(v[2]))
			binary.LittleEndian.PutUint32(tmp[12:], math.Float32bits(1))
			out = append(out, tmp[:]...)
		}
	}
	return out
}
