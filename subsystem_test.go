package rtas

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/rtas/rt/accel"
	"github.com/gekko3d/rtas/rt/compose"
	"github.com/gekko3d/rtas/rt/core"
	"github.com/gekko3d/rtas/rt/device"
	"github.com/gekko3d/rtas/rt/geometry"
	"github.com/gekko3d/rtas/rt/shader"
	"github.com/gekko3d/rtas/rt/simgpu"
)

func testBundle() *shader.Bundle {
	code := shader.Pack(0, shader.NewPart("WGSL", bytes.Repeat([]byte{' '}, 600)))
	return shader.NewBundle(code, code, code)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Ring.Contexts = 3
	cfg.Ring.WaitTimeout = 100 * time.Millisecond
	cfg.Build.WaitTimeout = time.Second
	cfg.Build.Interval = 10
	return cfg
}

func startSubsystem(t *testing.T, ex geometry.Extractor, cfg Config) (*Subsystem, *simgpu.Device) {
	t.Helper()
	dev := simgpu.New(simgpu.Options{AutoComplete: true})
	s, err := NewSubsystemBuilder().
		UseProvider(dev).
		UseExtractor(ex).
		UseShaderBundle(testBundle()).
		UseConfig(cfg).
		UseLogger(NewNopLogger()).
		Build()
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background(), 16, 16))
	return s, dev
}

func triangle() geometry.Record {
	return geometry.Record{
		Label:    "tri",
		Vertices: []mgl32.Vec3{{-5, 0, -3}, {5, 0, -3}, {0, 0, 7}},
		Indices:  []uint32{0, 1, 2},
	}
}

func frame() FrameInput { return FrameInput{Camera: *core.NewCamera()} }

func TestSingleTriangleBuildsOneBLASAndOneTLAS(t *testing.T) {
	s, dev := startSubsystem(t, &geometry.StaticExtractor{Records: []geometry.Record{triangle()}}, testConfig())
	require.NoError(t, s.Execute(context.Background(), frame()))

	cur := s.Installed()
	require.NotNil(t, cur)
	assert.Equal(t, 1, cur.BLASCount())
	assert.NotZero(t, cur.BLAS[0].Address)
	assert.NotZero(t, cur.TLASAddress())
	assert.Equal(t, accel.StateInstalled, s.builder.State())

	st := s.Stats()
	assert.Equal(t, uint64(1), st.Frames)
	assert.Equal(t, uint64(1), st.Dispatched)
	assert.Equal(t, uint64(1), st.Rebuilds)
	assert.Empty(t, dev.Violations())
}

func TestZeroGeometryInjectsOneQuad(t *testing.T) {
	s, _ := startSubsystem(t, &geometry.StaticExtractor{}, testConfig())
	require.NoError(t, s.Execute(context.Background(), frame()))

	rep := s.LastReport()
	assert.True(t, rep.Selection.InjectedQuad)
	assert.Equal(t, 1, rep.Requested)
	assert.Equal(t, 1, rep.BLASBuilt)
	cur := s.Installed()
	require.NotNil(t, cur)
	assert.Equal(t, 1, cur.BLASCount())
	assert.Equal(t, geometry.FallbackQuadLabel, cur.BLAS[0].Label)
}

func TestIndexEqualToVertexCountIsRejected(t *testing.T) {
	bad := triangle()
	bad.Indices = []uint32{0, 1, 3}
	cfg := testConfig()
	cfg.Selection.FallbackQuad = false
	s, dev := startSubsystem(t, &geometry.StaticExtractor{Records: []geometry.Record{bad}}, cfg)

	require.NoError(t, s.Execute(context.Background(), frame()), "a failed build never fails the frame")
	rep := s.LastReport()
	require.Len(t, rep.Selection.Rejected, 1)
	assert.Equal(t, geometry.ReasonIndexOutOfRange, rep.Selection.Rejected[0].Reason)
	assert.Contains(t, rep.Selection.Rejected[0].Detail, "index 3 out of range (v=3)")
	assert.Zero(t, rep.BLASBuilt)
	assert.Nil(t, s.Installed())
	assert.Equal(t, uint64(1), s.Stats().RebuildFailures)
	assert.Zero(t, dev.Submits(), "nothing installed, nothing dispatched")
}

func TestStreamingBusySkipsIdempotently(t *testing.T) {
	ex := &geometry.StaticExtractor{Records: []geometry.Record{triangle()}, Busy: true}
	s, dev := startSubsystem(t, ex, testConfig())
	ctx := context.Background()

	for range 5 {
		err := s.Execute(ctx, frame())
		assert.True(t, device.IsSkip(err))
	}
	assert.Nil(t, s.Installed())
	assert.Zero(t, s.Stats().Rebuilds)
	assert.Zero(t, dev.Submits())
	assert.Equal(t, uint64(5), s.Stats().Skipped)

	ex.Busy = false
	require.NoError(t, s.Execute(ctx, frame()))
	assert.NotNil(t, s.Installed())
}

func TestRebuildFollowsCadence(t *testing.T) {
	ex := &geometry.StaticExtractor{Records: []geometry.Record{triangle()}}
	s, _ := startSubsystem(t, ex, testConfig())
	ctx := context.Background()

	for range 10 {
		require.NoError(t, s.Execute(ctx, frame()))
	}
	assert.Equal(t, uint64(1), s.Stats().Rebuilds)
	require.NoError(t, s.Execute(ctx, frame()))
	assert.Equal(t, uint64(2), s.Stats().Rebuilds)
	assert.Equal(t, uint64(2), s.Installed().Generation)
}

func TestDeviceLossLatches(t *testing.T) {
	s, dev := startSubsystem(t, &geometry.StaticExtractor{Records: []geometry.Record{triangle()}}, testConfig())
	ctx := context.Background()
	require.NoError(t, s.Execute(ctx, frame()))

	dev.Lose()
	err := s.Execute(ctx, frame())
	assert.True(t, device.IsFatal(err))
	assert.ErrorIs(t, err, device.ErrDeviceLost)

	err = s.Execute(ctx, frame())
	assert.ErrorIs(t, err, ErrFailed)
	assert.NotNil(t, s.Stats().Failure)

	st, err := s.Compose(ctx, nil, 1)
	assert.NoError(t, err)
	assert.Equal(t, compose.NothingToDo, st)
}

func TestProviderPanicLatches(t *testing.T) {
	s, dev := startSubsystem(t, &geometry.StaticExtractor{Records: []geometry.Record{triangle()}}, testConfig())
	dev.PanicOnce("Submit")

	err := s.Execute(context.Background(), frame())
	assert.True(t, device.IsFatal(err))
	assert.ErrorIs(t, err, device.ErrFault)
	assert.ErrorIs(t, s.Execute(context.Background(), frame()), ErrFailed)
}

func TestReinitAfterLatchRetiresPreviousState(t *testing.T) {
	s, dev := startSubsystem(t, &geometry.StaticExtractor{Records: []geometry.Record{triangle()}}, testConfig())
	ctx := context.Background()
	require.NoError(t, s.Execute(ctx, frame()))
	require.NotNil(t, s.Installed())

	dev.PanicOnce("Submit")
	require.True(t, device.IsFatal(s.Execute(ctx, frame())))
	require.ErrorIs(t, s.Execute(ctx, frame()), ErrFailed)

	require.NoError(t, s.Init(ctx, 16, 16))
	assert.Nil(t, s.Installed(), "a fresh builder starts empty")
	require.NoError(t, s.Execute(ctx, frame()))
	assert.Equal(t, uint64(1), s.Installed().Generation)

	require.NoError(t, s.Shutdown(ctx))
	assert.Zero(t, dev.LiveBuffers())
	assert.Empty(t, dev.Violations())

	require.NoError(t, s.Init(ctx, 16, 16), "init after shutdown")
	require.NoError(t, s.Execute(ctx, frame()))
	require.NoError(t, s.Shutdown(ctx))
	assert.Zero(t, dev.LiveBuffers())
}

func TestReinitOnLostDeviceFreesWithoutWaiting(t *testing.T) {
	s, dev := startSubsystem(t, &geometry.StaticExtractor{Records: []geometry.Record{triangle()}}, testConfig())
	ctx := context.Background()
	require.NoError(t, s.Execute(ctx, frame()))

	dev.Lose()
	require.True(t, device.IsFatal(s.Execute(ctx, frame())))
	err := s.Init(ctx, 16, 16)
	assert.True(t, device.IsFatal(err))
	assert.Zero(t, dev.LiveBuffers())
	assert.Zero(t, s.Stats().PendingReleases)
}

func TestCancelledExecuteDoesNotLatch(t *testing.T) {
	dev := simgpu.New(simgpu.Options{CompleteOnWait: true})
	cfg := testConfig()
	cfg.Ring.Contexts = 1
	s, err := NewSubsystemBuilder().
		UseProvider(dev).
		UseExtractor(&geometry.StaticExtractor{Records: []geometry.Record{triangle()}}).
		UseShaderBundle(testBundle()).
		UseConfig(cfg).
		UseLogger(NewNopLogger()).
		Build()
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Init(ctx, 16, 16))
	require.NoError(t, s.Execute(ctx, frame()))
	require.Less(t, dev.SimFence().Completed(), dev.SimFence().Signaled(), "last dispatch still in flight")

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	err = s.Execute(cctx, frame())
	require.Error(t, err)
	assert.True(t, device.IsSkip(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, s.Stats().Failure)

	require.NoError(t, s.Execute(ctx, frame()))
	assert.Equal(t, uint64(2), s.Stats().Dispatched)
	require.NoError(t, s.Shutdown(ctx))
	assert.Zero(t, dev.LiveBuffers())
}

func TestComposeAfterDispatch(t *testing.T) {
	s, dev := startSubsystem(t, &geometry.StaticExtractor{Records: []geometry.Record{triangle()}}, testConfig())
	ctx := context.Background()
	dst, err := dev.CreateImage(device.ImageDesc{Label: "backbuffer", Width: 32, Height: 32, Format: device.FormatBGRA8Unorm})
	require.NoError(t, err)

	st, err := s.Compose(ctx, dst, 0)
	require.NoError(t, err)
	assert.Equal(t, compose.NothingToDo, st, "no dispatch yet")

	require.NoError(t, s.Execute(ctx, frame()))
	st, err = s.Compose(ctx, dst, 1)
	require.NoError(t, err)
	assert.Equal(t, compose.Composed, st)
	st, err = s.Compose(ctx, dst, 1)
	require.NoError(t, err)
	assert.Equal(t, compose.AlreadyComposed, st)
}

func TestShutdownReleasesEverything(t *testing.T) {
	s, dev := startSubsystem(t, &geometry.StaticExtractor{Records: []geometry.Record{triangle()}}, testConfig())
	ctx := context.Background()
	for range 4 {
		require.NoError(t, s.Execute(ctx, frame()))
	}
	require.NoError(t, s.Resize(ctx, 8, 8))

	require.NoError(t, s.Shutdown(ctx))
	assert.Zero(t, dev.LiveBuffers())
	assert.Empty(t, dev.Violations())
	assert.Zero(t, s.Stats().PendingReleases)
	assert.ErrorIs(t, s.Execute(ctx, frame()), ErrShutDown)
	assert.ErrorIs(t, s.Shutdown(ctx), ErrShutDown)
}

func TestInitRejectsBadShaders(t *testing.T) {
	s, err := NewSubsystemBuilder().
		UseProvider(simgpu.New(simgpu.Options{AutoComplete: true})).
		UseExtractor(&geometry.StaticExtractor{}).
		UseShaderBundle(shader.NewBundle(nil, nil, nil)).
		UseLogger(NewNopLogger()).
		Build()
	require.NoError(t, err)
	err = s.Init(context.Background(), 8, 8)
	assert.Equal(t, device.KindInvariant, device.KindOf(err))
	assert.ErrorIs(t, s.Execute(context.Background(), frame()), ErrFailed)
}
