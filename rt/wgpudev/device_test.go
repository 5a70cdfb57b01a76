package wgpudev

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/rtas/rt/accel"
	"github.com/gekko3d/rtas/rt/core"
	"github.com/gekko3d/rtas/rt/device"
	"github.com/gekko3d/rtas/rt/dispatch"
	"github.com/gekko3d/rtas/rt/geometry"
	"github.com/gekko3d/rtas/rt/shader"
	"github.com/gekko3d/rtas/rt/timeline"
)

func TestHalfToFloat(t *testing.T) {
	cases := []struct {
		bits uint16
		want float32
	}{
		{0x0000, 0},
		{0x3C00, 1},
		{0xC000, -2},
		{0x7BFF, 65504},
		{0x3800, 0.5},
		{0x0001, float32(math.Ldexp(1, -24))},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, halfToFloat(c.bits), "0x%04x", c.bits)
	}
	assert.True(t, math.IsInf(float64(halfToFloat(0x7C00)), 1))
}

func TestBufferUsageKeepsBuilderInputsOnTheCPU(t *testing.T) {
	cases := []struct {
		name string
		desc device.BufferDesc
		want wgpu.BufferUsage
		gpu  bool
	}{
		{"readback", device.BufferDesc{Heap: device.HeapReadback}, wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst, true},
		{"constants", device.BufferDesc{Heap: device.HeapUpload, Usage: device.UsageConstant}, wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst, true},
		{"stats", device.BufferDesc{Heap: device.HeapDefault, Usage: device.UsageStorage | device.UsageCopySrc}, wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst, true},
		{"scratch", device.BufferDesc{Heap: device.HeapDefault, Usage: device.UsageScratch | device.UsageStorage}, 0, false},
		{"vertices", device.BufferDesc{Heap: device.HeapDefault, Usage: device.UsageVertex | device.UsageCopyDst}, 0, false},
		{"structure", device.BufferDesc{Heap: device.HeapDefault, Usage: device.UsageAccelStructure}, 0, false},
		{"table", device.BufferDesc{Heap: device.HeapUpload, Usage: device.UsageStorage}, 0, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, gpu := bufferUsage(c.desc)
			assert.Equal(t, c.gpu, gpu)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestRowPitchIsAligned(t *testing.T) {
	assert.Equal(t, uint32(256), rowPitch(16, device.FormatRGBA16Float))
	assert.Equal(t, uint32(512), rowPitch(33, device.FormatRGBA16Float))
	assert.Equal(t, uint32(256), rowPitch(1, device.FormatRGBA8Unorm))
}

func TestDecodePixelsSwizzlesBGRA(t *testing.T) {
	raw := make([]byte, rowPitch(1, device.FormatBGRA8Unorm)*2)
	copy(raw, []byte{0, 0, 255, 255})
	copy(raw[256:], []byte{255, 0, 0, 0})
	px := decodePixels(raw, 1, 2, device.FormatBGRA8Unorm)
	assert.Equal(t, []float32{1, 0, 0, 1, 0, 0, 1, 0}, px)
}

func TestComposeParamsDefaultsMissingWeights(t *testing.T) {
	buf := composeParams([]float32{0.5}, 2, 64, 32)
	f := func(off int) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(buf[off:])) }
	assert.Equal(t, float32(0.5), f(0))
	assert.Equal(t, float32(1), f(4))
	assert.Equal(t, float32(0), f(8), "unused source slot")
	assert.Equal(t, float32(64), f(16))
	assert.Equal(t, float32(32), f(20))
}

func TestRayGenSourceOverride(t *testing.T) {
	blank := shader.Pack(0, shader.NewPart(SourcePart, bytes.Repeat([]byte{' '}, 600)))
	src, entry, override := rayGenSource(shader.NewBundle(blank, blank, blank))
	assert.False(t, override)
	assert.Equal(t, shader.RayGenEntry, entry)
	assert.Contains(t, src, "fn RayGenMain")

	custom := shader.Pack(0, shader.NewPart(SourcePart, []byte("@compute @workgroup_size(1) fn main() {}")))
	b := shader.NewBundle(custom, blank, blank)
	b.RayGen.EntryPoint = "main"
	src, entry, override = rayGenSource(b)
	assert.True(t, override)
	assert.Equal(t, "main", entry)
	assert.Contains(t, src, "fn main")
}

func newDevice(t *testing.T) *Device {
	t.Helper()
	d, err := New(Options{})
	if err != nil {
		t.Skipf("no WebGPU adapter: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func TestDeviceTracesScene(t *testing.T) {
	d := newDevice(t)
	ctx := context.Background()

	tl := timeline.NewTimeline(d.Fence(), nil)
	q := timeline.NewReleaseQueue(tl, nil)
	ring, err := timeline.NewFrameRing(d, tl, 3, 5*time.Second, nil)
	require.NoError(t, err)
	code := shader.Pack(0, shader.NewPart(SourcePart, bytes.Repeat([]byte{' '}, 600)))
	orch := dispatch.NewOrchestrator(d, ring, tl, q, dispatch.DefaultConfig(), nil)
	require.NoError(t, orch.Init(shader.NewBundle(code, code, code), 16, 16))

	cfg := accel.DefaultConfig()
	cfg.WaitTimeout = 5 * time.Second
	b := accel.NewBuilder(d, tl, q, cfg, nil)
	wall := geometry.Record{
		Label:    "wall",
		Vertices: []mgl32.Vec3{{-5, 0, -3}, {5, 0, -3}, {0, 0, 7}},
		Indices:  []uint32{0, 1, 2},
	}
	s, rep, err := b.Build(ctx, []geometry.Record{wall})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.BLASBuilt)

	res, err := orch.Dispatch(ctx, s, dispatch.DefaultFrameParams(*core.NewCamera()))
	require.NoError(t, err)
	require.True(t, res.Dispatched)
	require.NoError(t, d.WaitIdle(ctx))

	gi, err := d.ReadImage(ctx, orch.Outputs().GI.Get())
	require.NoError(t, err)
	assert.Equal(t, float32(1), gi.At(8, 8).W(), "center pixel hits the wall")

	// the stats copy from the first frame lands on a later poll
	var stats dispatch.RayStats
	require.Eventually(t, func() bool {
		res, err := orch.Dispatch(ctx, s, dispatch.DefaultFrameParams(*core.NewCamera()))
		require.NoError(t, err)
		stats = res.Stats
		return res.StatsFresh
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint32(16*16), stats.Total())
	assert.NotZero(t, stats.Hits)

	orch.Release()
	b.Uninstall()
	require.NoError(t, ring.Shutdown(ctx))
	require.NoError(t, q.Drain(ctx))
}

func TestDefaultBundleCarriesTheKernel(t *testing.T) {
	b := DefaultBundle()
	require.NoError(t, shader.Validate(b, nil))
	src, entry, override := rayGenSource(b)
	assert.True(t, override)
	assert.Equal(t, shader.RayGenEntry, entry)
	assert.Contains(t, src, "fn "+shader.MissEntry)
}
