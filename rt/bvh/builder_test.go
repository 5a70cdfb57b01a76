package bvh

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTwoObjectsSplit(t *testing.T) {
	// Two AABBs far apart
	items := []AABBItem{
		NewAABBItem(mgl32.Vec3{-100, -1, -1}, mgl32.Vec3{-98, 1, 1}, 0),
		NewAABBItem(mgl32.Vec3{100, -1, -1}, mgl32.Vec3{102, 1, 1}, 1),
	}

	builder := &Builder{MaxLeafSize: 1}
	data := builder.Build(items).NodeBytes()

	// Root, Left, Right
	require.Len(t, data, NodeSize*3)

	rootMin := make([]float32, 3)
	rootMax := make([]float32, 3)
	for i := 0; i < 3; i++ {
		rootMin[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4 : i*4+4]))
		rootMax[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[16+i*4 : 16+i*4+4]))
	}
	assert.LessOrEqual(t, rootMin[0], float32(-100))
	assert.GreaterOrEqual(t, rootMax[0], float32(102))

	leftIdx := int32(binary.LittleEndian.Uint32(data[32:36]))
	rightIdx := int32(binary.LittleEndian.Uint32(data[36:40]))
	assert.Equal(t, int32(1), leftIdx)
	assert.Equal(t, int32(2), rightIdx)

	left := NodeFromBytes(data[NodeSize : 2*NodeSize])
	right := NodeFromBytes(data[2*NodeSize:])
	assert.Equal(t, int32(1), left.LeafCount)
	assert.Equal(t, int32(1), right.LeafCount)
	assert.Less(t, left.Max.X(), right.Min.X(), "split on X puts the -100 object left")
}

func TestEmptyBuild(t *testing.T) {
	tree := (&Builder{}).Build(nil)
	require.Len(t, tree.Nodes, 1)
	assert.Len(t, tree.NodeBytes(), NodeSize)

	hits := 0
	tree.Traverse(Ray{Dir: mgl32.Vec3{1, 0, 0}, TMax: 1e9}, func(_, _ int32, tmax float32) float32 {
		hits++
		return tmax
	})
	assert.Zero(t, hits)
}

func TestLeavesCoverEveryItemOnce(t *testing.T) {
	var items []AABBItem
	for i := 0; i < 37; i++ {
		p := mgl32.Vec3{float32(i % 5), float32(i / 5), float32(i % 3)}
		items = append(items, NewAABBItem(p, p.Add(mgl32.Vec3{0.5, 0.5, 0.5}), i))
	}
	tree := (&Builder{MaxLeafSize: 4}).Build(items)

	seen := make(map[int32]int)
	for _, n := range tree.Nodes {
		if !n.IsLeaf() {
			continue
		}
		assert.LessOrEqual(t, n.LeafCount, int32(4))
		for _, idx := range tree.Order[n.LeafFirst : n.LeafFirst+n.LeafCount] {
			seen[idx]++
		}
	}
	assert.Len(t, seen, 37)
	for idx, c := range seen {
		assert.Equal(t, 1, c, "item %d", idx)
	}
}

func quad(z float32) ([]mgl32.Vec3, []uint32) {
	return []mgl32.Vec3{{-1, -1, z}, {1, -1, z}, {1, 1, z}, {-1, 1, z}}, []uint32{0, 1, 2, 0, 2, 3}
}

func TestBLASIntersect(t *testing.T) {
	v, i := quad(0)
	b := BuildBLAS(v, i)
	assert.Equal(t, 2, b.TriangleCount())

	hit, ok := b.Intersect(Ray{Origin: mgl32.Vec3{0.5, 0.2, 5}, Dir: mgl32.Vec3{0, 0, -1}, TMax: 100})
	require.True(t, ok)
	assert.InDelta(t, 5, hit.T, 1e-5)
	assert.InDelta(t, 1, math.Abs(float64(hit.Normal.Z())), 1e-5)

	_, ok = b.Intersect(Ray{Origin: mgl32.Vec3{3, 0, 5}, Dir: mgl32.Vec3{0, 0, -1}, TMax: 100})
	assert.False(t, ok)

	_, ok = b.Intersect(Ray{Origin: mgl32.Vec3{0, 0, 5}, Dir: mgl32.Vec3{0, 0, -1}, TMax: 4})
	assert.False(t, ok, "hit beyond TMax")
}

func TestTLASClosestInstance(t *testing.T) {
	v, i := quad(0)
	b := BuildBLAS(v, i)

	at := func(z float32) [12]float32 {
		return [12]float32{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, z}
	}
	tl := BuildTLAS([]Instance{
		{Transform: at(-10), BLAS: b, ID: 0, Mask: 0xFF},
		{Transform: at(3), BLAS: b, ID: 1, Mask: 0xFF},
		{Transform: at(6), BLAS: b, ID: 2, Mask: 0x01},
	})

	ray := Ray{Origin: mgl32.Vec3{0.1, 0.1, 10}, Dir: mgl32.Vec3{0, 0, -1}, TMax: 1000}
	hit, ok := tl.Intersect(ray, 0xFF)
	require.True(t, ok)
	assert.Equal(t, int32(2), hit.Instance)
	assert.InDelta(t, 4, hit.T, 1e-4)

	hit, ok = tl.Intersect(ray, 0x02)
	require.True(t, ok)
	assert.Equal(t, int32(1), hit.Instance, "masked instance skipped")
	assert.InDelta(t, 7, hit.T, 1e-4)

	lo, hi := tl.Bounds()
	assert.InDelta(t, -10, lo.Z(), 1e-5)
	assert.InDelta(t, 6, hi.Z(), 1e-5)
}
