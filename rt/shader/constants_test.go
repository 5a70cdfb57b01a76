package shader

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameConstantsLayout(t *testing.T) {
	c := FrameConstants{
		InvViewProj:     mgl32.Ident4(),
		CameraPosition:  mgl32.Vec3{1, 2, 3},
		Time:            4.5,
		FrameNumber:     77,
		ScreenWidth:     1920,
		ScreenHeight:    1080,
		InvScreenWidth:  1.0 / 1920,
		InvScreenHeight: 1.0 / 1080,
		EnableGI:        true,
		EnableAO:        true,
		StatsEnabled:    true,
		MaxRayDistance:  1000,
	}
	buf := c.Marshal()
	require.Len(t, buf, ConstantsSize)
	assert.Zero(t, ConstantsSize%256)

	f32 := func(off int) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(buf[off:])) }
	u32 := func(off int) uint32 { return binary.LittleEndian.Uint32(buf[off:]) }

	assert.Equal(t, float32(1), f32(0), "inv_view_proj[0][0]")
	assert.Equal(t, float32(1), f32(384))
	assert.Equal(t, float32(3), f32(392))
	assert.Equal(t, float32(4.5), f32(396))
	assert.Equal(t, uint32(77), u32(428))
	assert.Equal(t, uint32(1920), u32(480))
	assert.Equal(t, uint32(1080), u32(484))
	assert.Equal(t, uint32(1), u32(496), "enable_gi")
	assert.Equal(t, uint32(0), u32(500), "enable_reflections")
	assert.Equal(t, uint32(1), u32(508), "enable_ao")
	assert.Equal(t, uint32(1), u32(544), "stats_enabled")
	assert.Equal(t, float32(1000), f32(576))

	back, err := UnmarshalFrameConstants(buf)
	require.NoError(t, err)
	assert.Equal(t, c, back)

	_, err = UnmarshalFrameConstants(buf[:100])
	assert.Error(t, err)
}
