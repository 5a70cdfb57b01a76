package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCapturesBoundStateAtDispatch(t *testing.T) {
	r := NewRecorder("frame")
	p := NewPipeline(1, "rt-pipeline", nil)
	tables := NewShaderTables(2, "rt-sbt", nil)
	consts := NewBuffer(3, BufferDesc{Label: "consts", Size: 768}, 0x1000, nil)
	out := NewImage(4, ImageDesc{Label: "gi", Width: 4, Height: 4}, StateCommon, nil)

	r.SetPipeline(p, tables)
	r.SetAccelerationStructure(0x2000)
	r.SetConstants(consts)
	r.SetOutputs(out)
	r.Transition(out, StateUnorderedAccess)
	r.DispatchRays(4, 4)
	r.SetAccelerationStructure(0x3000)

	require.NoError(t, r.Close())
	require.Len(t, r.Ops, 1)
	op := r.Ops[0]
	assert.Equal(t, OpDispatch, op.Kind)
	assert.Equal(t, GPUAddress(0x2000), op.TLAS)
	assert.Same(t, consts, op.Constants)
	assert.Len(t, r.Refs, 4)
	assert.NoError(t, r.MarkSubmitted())
	assert.ErrorIs(t, r.MarkSubmitted(), ErrInvalidArgument)
}

func TestRecorderReportsFirstError(t *testing.T) {
	r := NewRecorder("bad")
	img := NewImage(1, ImageDesc{Label: "gi", Width: 1, Height: 1}, StateShaderResource, nil)
	r.ClearImage(img, [4]float32{})
	r.DispatchRays(1, 1)

	err := r.Close()
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.Contains(t, err.Error(), "clear gi in state shader-resource")
	assert.Empty(t, r.Ops)
	assert.NoError(t, r.MarkSubmitted(), "closed lists may be submitted even when recording failed")
}

func TestRecorderRejectsReleasedResources(t *testing.T) {
	r := NewRecorder("copy")
	src := NewBuffer(1, BufferDesc{Label: "src", Size: 16}, 0x100, nil)
	dst := NewBuffer(2, BufferDesc{Label: "dst", Size: 16}, 0x200, nil)
	src.Release()
	r.CopyBuffer(dst, 0, src, 0, 16)
	assert.ErrorIs(t, r.Close(), ErrReleased)

	r = NewRecorder("bounds")
	r.CopyBuffer(dst, 8, dst, 0, 16)
	assert.ErrorIs(t, r.Close(), ErrInvalidArgument)
	assert.ErrorIs(t, r.Close(), ErrInvalidArgument, "second close")
}
