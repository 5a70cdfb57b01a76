package simgpu

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/rtas/rt/device"
)

func TestFenceCompletesOnlyWhenTold(t *testing.T) {
	d := New(Options{})
	f := d.SimFence()
	ctx := context.Background()

	require.NoError(t, f.Signal(1))
	require.NoError(t, f.Signal(2))
	assert.ErrorIs(t, f.Signal(2), device.ErrInvalidArgument)
	assert.Equal(t, uint64(0), f.Completed())

	err := f.Wait(ctx, 1, 10*time.Millisecond)
	assert.ErrorIs(t, err, device.ErrTimeout)

	f.Complete(5)
	assert.Equal(t, uint64(2), f.Completed(), "completion is capped at the last signal")
	assert.NoError(t, f.Wait(ctx, 2, 0))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, f.Signal(3))
	assert.ErrorIs(t, f.Wait(cctx, 3, 0), context.Canceled)
}

func TestFenceWaitWakesOnComplete(t *testing.T) {
	d := New(Options{})
	f := d.SimFence()
	require.NoError(t, f.Signal(1))
	go func() {
		time.Sleep(5 * time.Millisecond)
		f.CompleteAll()
	}()
	assert.NoError(t, f.Wait(context.Background(), 1, time.Second))
}

func TestFenceAutoModes(t *testing.T) {
	auto := New(Options{AutoComplete: true}).SimFence()
	require.NoError(t, auto.Signal(4))
	assert.Equal(t, uint64(4), auto.Completed())

	onWait := New(Options{CompleteOnWait: true}).SimFence()
	require.NoError(t, onWait.Signal(1))
	require.NoError(t, onWait.Signal(2))
	assert.Equal(t, uint64(0), onWait.Completed())
	require.NoError(t, onWait.Wait(context.Background(), 1, time.Millisecond))
	assert.Equal(t, uint64(1), onWait.Completed())
	assert.ErrorIs(t, onWait.Wait(context.Background(), 3, time.Millisecond), device.ErrTimeout, "never signaled")

	cctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, onWait.Wait(cctx, 2, 0), context.Canceled)
	assert.Equal(t, uint64(1), onWait.Completed(), "a cancelled wait completes nothing")
}

func submitCopy(t *testing.T, d *Device, dst, src *device.Buffer) {
	t.Helper()
	alloc, err := d.CreateAllocator("copy")
	require.NoError(t, err)
	cl, err := d.CreateCommandList(alloc, "copy")
	require.NoError(t, err)
	cl.CopyBuffer(dst, 0, src, 0, src.Size)
	require.NoError(t, cl.Close())
	require.NoError(t, d.Submit(cl))
}

func TestReadBufferWaitsForFence(t *testing.T) {
	d := New(Options{})
	up, err := d.CreateBuffer(device.BufferDesc{Label: "up", Size: 8, Heap: device.HeapUpload})
	require.NoError(t, err)
	rb, err := d.CreateBuffer(device.BufferDesc{Label: "rb", Size: 8, Heap: device.HeapReadback})
	require.NoError(t, err)

	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload, 42)
	require.NoError(t, d.WriteBuffer(up, 0, payload))
	assert.ErrorIs(t, d.WriteBuffer(rb, 0, payload), device.ErrInvalidArgument)

	submitCopy(t, d, rb, up)
	dst := make([]byte, 8)
	assert.ErrorIs(t, d.ReadBuffer(rb, 0, dst), device.ErrNotReady, "submitted but not signaled")

	require.NoError(t, d.Fence().Signal(1))
	assert.ErrorIs(t, d.ReadBuffer(rb, 0, dst), device.ErrNotReady, "signaled but not complete")

	d.SimFence().Complete(1)
	require.NoError(t, d.ReadBuffer(rb, 0, dst))
	assert.Equal(t, uint32(42), binary.LittleEndian.Uint32(dst))
	assert.ErrorIs(t, d.ReadBuffer(up, 0, dst), device.ErrInvalidArgument)
}

func TestReleaseEventsRecordPrematureFrees(t *testing.T) {
	d := New(Options{})
	src, err := d.CreateBuffer(device.BufferDesc{Label: "src", Size: 4, Heap: device.HeapUpload})
	require.NoError(t, err)
	dst, err := d.CreateBuffer(device.BufferDesc{Label: "dst", Size: 4})
	require.NoError(t, err)
	submitCopy(t, d, dst, src)
	require.NoError(t, d.Fence().Signal(1))

	src.Release()
	d.SimFence().Complete(1)
	dst.Release()

	v := d.Violations()
	require.Len(t, v, 1)
	assert.Equal(t, "src", v[0].Label)
	assert.Equal(t, uint64(1), v[0].LastUse)
	assert.Zero(t, d.LiveBuffers())
}

func TestLostDeviceRejectsWork(t *testing.T) {
	d := New(Options{})
	d.Lose()
	assert.ErrorIs(t, d.Status(), device.ErrDeviceLost)
	_, err := d.CreateBuffer(device.BufferDesc{Label: "b", Size: 4})
	assert.ErrorIs(t, err, device.ErrDeviceLost)
	_, err = d.CreateAllocator("a")
	assert.ErrorIs(t, err, device.ErrDeviceLost)
}

func TestPanicOnceFiresOnce(t *testing.T) {
	d := New(Options{})
	d.PanicOnce("CreateBuffer")
	assert.Panics(t, func() { _, _ = d.CreateBuffer(device.BufferDesc{Label: "b", Size: 4}) })
	_, err := d.CreateBuffer(device.BufferDesc{Label: "b", Size: 4})
	assert.NoError(t, err)
}

func TestSubmitRejectsOpenAndForeignLists(t *testing.T) {
	d, other := New(Options{}), New(Options{})
	alloc, err := d.CreateAllocator("a")
	require.NoError(t, err)
	_, err = other.CreateCommandList(alloc, "x")
	assert.ErrorIs(t, err, device.ErrInvalidArgument)

	cl, err := d.CreateCommandList(alloc, "open")
	require.NoError(t, err)
	assert.ErrorIs(t, d.Submit(cl), device.ErrInvalidArgument)
	assert.ErrorIs(t, other.Submit(cl), device.ErrInvalidArgument)
}

func TestDrawBlendsWeightedSources(t *testing.T) {
	d := New(Options{AutoComplete: true})
	mk := func(label string, w, h uint32) *device.Image {
		img, err := d.CreateImage(device.ImageDesc{Label: label, Width: w, Height: h})
		require.NoError(t, err)
		return img
	}
	dst, a, b := mk("dst", 4, 4), mk("a", 2, 2), mk("b", 4, 4)
	d.Target(a).Fill(mgl32.Vec4{1, 0, 0, 1})
	d.Target(b).Fill(mgl32.Vec4{0, 1, 0, 1})

	alloc, err := d.CreateAllocator("draw")
	require.NoError(t, err)
	cl, err := d.CreateCommandList(alloc, "draw")
	require.NoError(t, err)
	cl.Transition(a, device.StateShaderResource)
	cl.Transition(b, device.StateShaderResource)
	cl.Transition(dst, device.StateRenderTarget)
	cl.ClearImage(dst, [4]float32{0, 0, 0.25, 0})
	cl.DrawFullscreen(device.FullscreenPass{Target: dst, Sources: []*device.Image{a, b}, Weights: []float32{0.5, 2}})
	require.NoError(t, cl.Close())
	require.NoError(t, d.Submit(cl))

	assert.Equal(t, mgl32.Vec4{0.5, 2, 0.25, 2.5}, d.Target(dst).At(3, 3))
	assert.Equal(t, device.StateRenderTarget, dst.State())
}
