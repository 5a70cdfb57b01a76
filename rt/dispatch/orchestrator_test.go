package dispatch

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/rtas/rt/accel"
	"github.com/gekko3d/rtas/rt/core"
	"github.com/gekko3d/rtas/rt/device"
	"github.com/gekko3d/rtas/rt/geometry"
	"github.com/gekko3d/rtas/rt/shader"
	"github.com/gekko3d/rtas/rt/simgpu"
	"github.com/gekko3d/rtas/rt/timeline"
)

type fixture struct {
	dev   *simgpu.Device
	tl    *timeline.Timeline
	queue *timeline.ReleaseQueue
	ring  *timeline.FrameRing
	orch  *Orchestrator
}

func testBundle() *shader.Bundle {
	code := shader.Pack(0, shader.NewPart("WGSL", bytes.Repeat([]byte{' '}, 600)))
	return shader.NewBundle(code, code, code)
}

func newFixture(t *testing.T, opts simgpu.Options, cfg Config, w, h uint32) *fixture {
	t.Helper()
	dev := simgpu.New(opts)
	tl := timeline.NewTimeline(dev.Fence(), nil)
	q := timeline.NewReleaseQueue(tl, nil)
	ring, err := timeline.NewFrameRing(dev, tl, 3, 50*time.Millisecond, nil)
	require.NoError(t, err)
	o := NewOrchestrator(dev, ring, tl, q, cfg, nil)
	require.NoError(t, o.Init(testBundle(), w, h))
	return &fixture{dev: dev, tl: tl, queue: q, ring: ring, orch: o}
}

func (f *fixture) install(t *testing.T) *accel.SceneState {
	t.Helper()
	b := accel.NewBuilder(f.dev, f.tl, f.queue, accel.DefaultConfig(), nil)
	wall := geometry.Record{
		Label:    "wall",
		Vertices: []mgl32.Vec3{{-5, 0, -3}, {5, 0, -3}, {0, 0, 7}},
		Indices:  []uint32{0, 1, 2},
	}
	s, _, err := b.Build(context.Background(), []geometry.Record{wall})
	require.NoError(t, err)
	return s
}

func TestDispatchWithNothingInstalledAdvancesFrames(t *testing.T) {
	f := newFixture(t, simgpu.Options{AutoComplete: true}, DefaultConfig(), 8, 8)
	res, err := f.orch.Dispatch(context.Background(), nil, DefaultFrameParams(*core.NewCamera()))
	require.NoError(t, err)
	assert.False(t, res.Dispatched)
	assert.Equal(t, uint64(1), f.ring.Frames())
	assert.Zero(t, f.dev.Submits())
	assert.Equal(t, uint64(1), f.orch.Skipped())
}

func TestDispatchTracesInstalledScene(t *testing.T) {
	f := newFixture(t, simgpu.Options{AutoComplete: true}, DefaultConfig(), 16, 16)
	s := f.install(t)
	ctx := context.Background()

	res, err := f.orch.Dispatch(ctx, s, DefaultFrameParams(*core.NewCamera()))
	require.NoError(t, err)
	assert.True(t, res.Dispatched)
	assert.Equal(t, s.TLASAddress(), res.TLAS)
	assert.Equal(t, uint32(16), res.Width)
	assert.NotZero(t, res.FenceValue)
	assert.Equal(t, res.FenceValue, f.tl.LastDispatch())

	require.True(t, res.StatsFresh)
	assert.Equal(t, uint32(16*16), res.Stats.Total())
	assert.NotZero(t, res.Stats.Hits, "the wall fills the middle of the view")
	assert.NotZero(t, res.Stats.Misses)

	for _, img := range f.orch.Outputs().Images() {
		assert.Equal(t, device.StateShaderResource, img.State())
	}
	gi := f.dev.Target(f.orch.Outputs().GI.Get())
	center := gi.At(8, 8)
	assert.Equal(t, float32(1), center.W(), "center pixel hits the wall")
	assert.Empty(t, f.dev.Violations())
}

func TestDispatchHonoursFeatureToggles(t *testing.T) {
	f := newFixture(t, simgpu.Options{AutoComplete: true}, DefaultConfig(), 8, 8)
	s := f.install(t)
	p := DefaultFrameParams(*core.NewCamera())
	p.Features.AO = false

	_, err := f.orch.Dispatch(context.Background(), s, p)
	require.NoError(t, err)
	ao := f.dev.Target(f.orch.Outputs().AO.Get())
	assert.Equal(t, mgl32.Vec4{}, ao.At(4, 4), "cleared and never written")
}

func TestStatsReadbackToleratesLatency(t *testing.T) {
	f := newFixture(t, simgpu.Options{CompleteOnWait: true}, DefaultConfig(), 8, 8)
	s := f.install(t)
	ctx := context.Background()
	p := DefaultFrameParams(*core.NewCamera())

	res, err := f.orch.Dispatch(ctx, s, p)
	require.NoError(t, err)
	assert.False(t, res.StatsFresh, "copy still in flight")

	res, err = f.orch.Dispatch(ctx, s, p)
	require.NoError(t, err)
	assert.False(t, res.StatsFresh)
	_, ok := f.orch.Stats().Last()
	assert.False(t, ok)

	f.dev.SimFence().CompleteAll()
	res, err = f.orch.Dispatch(ctx, s, p)
	require.NoError(t, err)
	require.True(t, res.StatsFresh)
	assert.Equal(t, uint64(0), res.Stats.Frame, "first scheduled copy")
	assert.Equal(t, uint64(1), f.orch.Stats().Readbacks())
}

func TestResizeClampsAndRetiresOldOutputs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOutputDim = 32
	f := newFixture(t, simgpu.Options{AutoComplete: true}, cfg, 100, 8)
	out := f.orch.Outputs()
	assert.Equal(t, uint32(32), out.Width)
	assert.Equal(t, uint32(8), out.Height)

	s := f.install(t)
	_, err := f.orch.Dispatch(context.Background(), s, DefaultFrameParams(*core.NewCamera()))
	require.NoError(t, err)

	old := out.GI
	require.NoError(t, f.orch.Resize(16, 16))
	assert.True(t, old.Retired())
	assert.Equal(t, uint32(16), f.orch.Outputs().Width)

	err = f.orch.Resize(0, 16)
	assert.True(t, device.IsSkip(err))
	assert.ErrorIs(t, err, ErrZeroSize)

	require.NoError(t, f.queue.Drain(context.Background()))
	assert.Empty(t, f.dev.Violations())
}

func TestDispatchBeforeInit(t *testing.T) {
	dev := simgpu.New(simgpu.Options{})
	tl := timeline.NewTimeline(dev.Fence(), nil)
	ring, err := timeline.NewFrameRing(dev, tl, 2, time.Second, nil)
	require.NoError(t, err)
	o := NewOrchestrator(dev, ring, tl, timeline.NewReleaseQueue(tl, nil), DefaultConfig(), nil)
	_, err = o.Dispatch(context.Background(), nil, FrameParams{})
	assert.Equal(t, device.KindInvariant, device.KindOf(err))
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestConstantsCarryPreviousViewProjection(t *testing.T) {
	var b constantsBuilder
	cam := core.NewCamera()
	p := DefaultFrameParams(*cam)
	first := b.build(p, 64, 32, true)
	assert.True(t, first.PrevViewProj.ApproxEqualThreshold(first.InvViewProj.Inv(), 1e-3), "first frame reuses the current matrix")
	assert.InDelta(t, 1.0/64, first.InvScreenWidth, 1e-9)
	assert.True(t, first.StatsEnabled)

	p.Camera.Position = mgl32.Vec3{1, 2, 3}
	second := b.build(p, 64, 32, false)
	assert.True(t, second.PrevViewProj.ApproxEqualThreshold(first.InvViewProj.Inv(), 1e-3))
	assert.Equal(t, mgl32.Vec3{1, 2, 3}, second.CameraPosition)

	p.Sun.Intensity = 0
	p.Knobs.GIIntensity = 0
	derived := b.build(p, 1, 1, false)
	assert.InDelta(t, 100000, derived.SunIntensity, 1)
	assert.Equal(t, float32(1), derived.GIIntensity)
}
