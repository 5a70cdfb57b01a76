package device

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNone, KindOf(nil))
	assert.Equal(t, KindDeviceFatal, KindOf(errors.New("boom")))
	assert.Equal(t, KindBuildRecoverable, KindOf(Recoverable("blas", ErrOutOfMemory)))
	assert.Equal(t, KindTransientSkip, KindOf(fmt.Errorf("execute: %w", Skip("stream", ErrNotReady))))
	assert.Equal(t, KindInvariant, KindOf(Invariant("dispatch", ErrInvalidArgument)))
	assert.Nil(t, Fatal("x", nil))

	err := Recoverable("tlas", fmt.Errorf("alloc result: %w", ErrOutOfMemory))
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.Contains(t, err.Error(), "tlas")
	assert.Contains(t, err.Error(), "build-recoverable")
}

func TestGuardRecoversPanic(t *testing.T) {
	err := Guard("create buffer", func() error { panic("driver exploded") })
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, ErrFault)
	assert.Contains(t, err.Error(), "driver exploded")

	v, err := GuardValue("prebuild", func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	v, err = GuardValue("prebuild", func() (int, error) { panic("nil map") })
	assert.True(t, IsFatal(err))
	assert.Zero(t, v)
}

func TestReleaseIsIdempotent(t *testing.T) {
	calls := 0
	b := NewBuffer(3, BufferDesc{Label: "scratch", Size: 256}, 0x1000, func() { calls++ })
	b.Release()
	b.Release()
	assert.Equal(t, 1, calls)
	assert.True(t, b.Released())
	assert.Equal(t, "scratch", b.Label())
	assert.Equal(t, ResourceID(3), b.ID())
}

func TestImageStateTracking(t *testing.T) {
	img := NewImage(1, ImageDesc{Label: "gi", Width: 4, Height: 4}, StateShaderResource, nil)
	prev := img.SetState(StateUnorderedAccess)
	assert.Equal(t, StateShaderResource, prev)
	assert.Equal(t, StateUnorderedAccess, img.State())
}

func TestInstanceDescLayout(t *testing.T) {
	d := InstanceDesc{
		Transform:      IdentityTransform(),
		InstanceID:     0x123456,
		Mask:           0xFF,
		HitGroupOffset: 0,
		Flags:          InstanceFlagForceOpaque,
		BLAS:           0xABCD00,
	}
	buf, err := MarshalInstances([]InstanceDesc{d, d})
	require.NoError(t, err)
	require.Len(t, buf, 2*InstanceDescSize)

	// id and mask share one dword, mask in the top byte
	assert.Equal(t, []byte{0x56, 0x34, 0x12, 0xFF}, buf[48:52])
	assert.Equal(t, byte(InstanceFlagForceOpaque), buf[55])

	got, err := UnmarshalInstances(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, d, got[1])

	d.InstanceID = 1 << 24
	assert.ErrorIs(t, d.MarshalTo(make([]byte, InstanceDescSize)), ErrInvalidArgument)
}

func TestAlignUp(t *testing.T) {
	assert.Equal(t, uint64(0), AlignUp(0, ASAlignment))
	assert.Equal(t, uint64(256), AlignUp(1, ASAlignment))
	assert.Equal(t, uint64(256), AlignUp(256, ASAlignment))
	assert.Equal(t, uint64(512), AlignUp(257, ASAlignment))
}
