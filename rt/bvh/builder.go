package bvh

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl32"
)

// NodeSize matches the WGSL BVHNode
//
//	struct BVHNode {
//	   aabb_min : vec4<f32>; (16)
//	   aabb_max : vec4<f32>; (16)
//	   left : i32; (4)
//	   right : i32; (4)
//	   leaf_first : i32; (4)
//	   leaf_count : i32; (4)
//	   padding : i32[4]; (16)
//	}; -> 64 bytes
const NodeSize = 64

type Node struct {
	Min       mgl32.Vec3
	Max       mgl32.Vec3
	Left      int32
	Right     int32
	LeafFirst int32
	LeafCount int32
}

func (n *Node) IsLeaf() bool { return n.LeafCount > 0 }

func (n *Node) PutBytes(buf []byte) {
	// Min (vec4)
	binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(n.Min.X()))
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(n.Min.Y()))
	binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(n.Min.Z()))
	binary.LittleEndian.PutUint32(buf[12:16], 0)

	// Max (vec4)
	binary.LittleEndian.PutUint32(buf[16:20], math.Float32bits(n.Max.X()))
	binary.LittleEndian.PutUint32(buf[20:24], math.Float32bits(n.Max.Y()))
	binary.LittleEndian.PutUint32(buf[24:28], math.Float32bits(n.Max.Z()))
	binary.LittleEndian.PutUint32(buf[28:32], 0)

	// Ints
	binary.LittleEndian.PutUint32(buf[32:36], uint32(n.Left))
	binary.LittleEndian.PutUint32(buf[36:40], uint32(n.Right))
	binary.LittleEndian.PutUint32(buf[40:44], uint32(n.LeafFirst))
	binary.LittleEndian.PutUint32(buf[44:48], uint32(n.LeafCount))

	// Padding
	for i := 48; i < NodeSize; i++ {
		buf[i] = 0
	}
}

func (n *Node) ToBytes() []byte {
	buf := make([]byte, NodeSize)
	n.PutBytes(buf)
	return buf
}

func NodeFromBytes(buf []byte) Node {
	f := func(off int) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(buf[off : off+4])) }
	i := func(off int) int32 { return int32(binary.LittleEndian.Uint32(buf[off : off+4])) }
	return Node{
		Min:       mgl32.Vec3{f(0), f(4), f(8)},
		Max:       mgl32.Vec3{f(16), f(20), f(24)},
		Left:      i(32),
		Right:     i(36),
		LeafFirst: i(40),
		LeafCount: i(44),
	}
}

type AABBItem struct {
	Min      mgl32.Vec3
	Max      mgl32.Vec3
	Centroid mgl32.Vec3
	Index    int
}

func NewAABBItem(lo, hi mgl32.Vec3, index int) AABBItem {
	return AABBItem{Min: lo, Max: hi, Centroid: lo.Add(hi).Mul(0.5), Index: index}
}

// Tree is a binary BVH. Leaves cover Order[LeafFirst : LeafFirst+LeafCount],
// and Order holds the original item indices.
type Tree struct {
	Nodes []Node
	Order []int32
}

// Builder splits at the median of the longest centroid axis until a node
// holds at most MaxLeafSize items.
type Builder struct {
	MaxLeafSize int
}

func (b *Builder) Build(items []AABBItem) *Tree {
	t := &Tree{}
	if len(items) == 0 {
		// single empty leaf with inverted bounds; never hit
		inf := float32(math.Inf(1))
		t.Nodes = []Node{{
			Min:  mgl32.Vec3{inf, inf, inf},
			Max:  mgl32.Vec3{-inf, -inf, -inf},
			Left: -1, Right: -1, LeafFirst: 0, LeafCount: 0,
		}}
		return t
	}

	work := make([]AABBItem, len(items))
	copy(work, items)
	t.Nodes = make([]Node, 0, 2*len(items))
	t.Order = make([]int32, 0, len(items))
	b.recursiveBuild(work, t)
	return t
}

func (b *Builder) recursiveBuild(items []AABBItem, t *Tree) int32 {
	idx := int32(len(t.Nodes))
	t.Nodes = append(t.Nodes, Node{Left: -1, Right: -1, LeafFirst: -1, LeafCount: 0})

	// Compute bounds
	minB := mgl32.Vec3{float32(math.Inf(1)), float32(math.Inf(1)), float32(math.Inf(1))}
	maxB := mgl32.Vec3{float32(math.Inf(-1)), float32(math.Inf(-1)), float32(math.Inf(-1))}
	cmin, cmax := minB, maxB

	for _, it := range items {
		for k := 0; k < 3; k++ {
			minB[k] = min(minB[k], it.Min[k])
			maxB[k] = max(maxB[k], it.Max[k])
			cmin[k] = min(cmin[k], it.Centroid[k])
			cmax[k] = max(cmax[k], it.Centroid[k])
		}
	}

	t.Nodes[idx].Min = minB
	t.Nodes[idx].Max = maxB

	leafSize := max(b.MaxLeafSize, 1)
	if len(items) <= leafSize {
		t.Nodes[idx].LeafFirst = int32(len(t.Order))
		t.Nodes[idx].LeafCount = int32(len(items))
		for _, it := range items {
			t.Order = append(t.Order, int32(it.Index))
		}
		return idx
	}

	// Split on the longest centroid axis
	extent := cmax.Sub(cmin)
	axis := 0
	if extent.Y() > extent.X() {
		axis = 1
	}
	if extent.Z() > extent[axis] {
		axis = 2
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Centroid[axis] < items[j].Centroid[axis]
	})

	mid := len(items) / 2
	left := b.recursiveBuild(items[:mid], t)
	right := b.recursiveBuild(items[mid:], t)
	t.Nodes[idx].Left = left
	t.Nodes[idx].Right = right

	return idx
}

// NodeBytes serializes the nodes for upload.
func (t *Tree) NodeBytes() []byte {
	out := make([]byte, len(t.Nodes)*NodeSize)
	for i := range t.Nodes {
		t.Nodes[i].PutBytes(out[i*NodeSize:])
	}
	return out
}

func (t *Tree) Bounds() (mgl32.Vec3, mgl32.Vec3) {
	return t.Nodes[0].Min, t.Nodes[0].Max
}

// Traverse visits every leaf whose bounds the ray enters before tmax. visit
// returns the new closest distance and whether it shrank.
func (t *Tree) Traverse(r Ray, visit func(leafFirst, leafCount int32, tmax float32) float32) {
	if len(t.Nodes) == 0 {
		return
	}
	inv := r.invDir()
	tmax := r.TMax

	var stackBuf [64]int32
	stack := append(stackBuf[:0], 0)
	for len(stack) > 0 {
		ni := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := &t.Nodes[ni]

		if _, ok := slab(r.Origin, inv, n.Min, n.Max, r.TMin, tmax); !ok {
			continue
		}
		if n.IsLeaf() {
			tmax = visit(n.LeafFirst, n.LeafCount, tmax)
			continue
		}
		if n.Left >= 0 {
			stack = append(stack, n.Left)
		}
		if n.Right >= 0 {
			stack = append(stack, n.Right)
		}
	}
}
