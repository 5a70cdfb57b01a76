package wgpudev

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/gekko3d/rtas/rt/device"
)

func textureFormat(f device.Format) (wgpu.TextureFormat, error) {
	switch f {
	case device.FormatRGBA16Float:
		return wgpu.TextureFormatRGBA16Float, nil
	case device.FormatRGBA8Unorm:
		return wgpu.TextureFormatRGBA8Unorm, nil
	case device.FormatBGRA8Unorm:
		return wgpu.TextureFormatBGRA8Unorm, nil
	}
	return wgpu.TextureFormatUndefined, fmt.Errorf("%w: image format %d", device.ErrInvalidArgument, f)
}

// FormatOf maps a surface format back to the device format, for wrapping
// swapchain textures.
func FormatOf(f wgpu.TextureFormat) (device.Format, error) {
	switch f {
	case wgpu.TextureFormatRGBA16Float:
		return device.FormatRGBA16Float, nil
	case wgpu.TextureFormatRGBA8Unorm, wgpu.TextureFormatRGBA8UnormSrgb:
		return device.FormatRGBA8Unorm, nil
	case wgpu.TextureFormatBGRA8Unorm, wgpu.TextureFormatBGRA8UnormSrgb:
		return device.FormatBGRA8Unorm, nil
	}
	return 0, fmt.Errorf("%w: surface format %v", device.ErrInvalidArgument, f)
}

func textureUsage(u device.ImageUsage) wgpu.TextureUsage {
	usage := wgpu.TextureUsageTextureBinding | wgpu.TextureUsageRenderAttachment | wgpu.TextureUsageCopySrc | wgpu.TextureUsageCopyDst
	if u&device.ImageStorage != 0 {
		usage |= wgpu.TextureUsageStorageBinding
	}
	return usage
}

// bufferUsage decides whether a buffer needs a real GPU allocation. Geometry,
// scratch and structure buffers only feed the CPU builder and live in the
// shadow copy alone.
func bufferUsage(desc device.BufferDesc) (wgpu.BufferUsage, bool) {
	switch {
	case desc.Heap == device.HeapReadback:
		return wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst, true
	case desc.Usage&device.UsageConstant != 0:
		return wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst, true
	case desc.Heap == device.HeapDefault && desc.Usage&device.UsageStorage != 0 && desc.Usage&device.UsageScratch == 0:
		return wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst, true
	}
	return 0, false
}

// rowPitch is the copy row stride, aligned as texture to buffer copies require.
func rowPitch(width uint32, f device.Format) uint32 {
	return uint32(device.AlignUp(uint64(width)*uint64(f.BytesPerPixel()), 256))
}

func halfToFloat(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1F
	mant := uint32(h & 0x3FF)
	switch {
	case exp == 0 && mant == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// subnormal
		for mant&0x400 == 0 {
			mant <<= 1
			exp--
		}
		exp++
		mant &= 0x3FF
	case exp == 0x1F:
		return math.Float32frombits(sign | 0xFF<<23 | mant<<13)
	}
	return math.Float32frombits(sign | (exp+112)<<23 | mant<<13)
}

// decodePixels unpacks a row-pitched copy into tightly packed RGBA floats.
func decodePixels(raw []byte, w, h uint32, f device.Format) []float32 {
	pitch := rowPitch(w, f)
	out := make([]float32, int(w*h)*4)
	for y := uint32(0); y < h; y++ {
		row := raw[y*pitch:]
		for x := uint32(0); x < w; x++ {
			o := int(y*w+x) * 4
			switch f {
			case device.FormatRGBA16Float:
				for c := 0; c < 4; c++ {
					out[o+c] = halfToFloat(binary.LittleEndian.Uint16(row[x*8+uint32(c)*2:]))
				}
			case device.FormatBGRA8Unorm:
				p := row[x*4:]
				out[o], out[o+1], out[o+2], out[o+3] = float32(p[2])/255, float32(p[1])/255, float32(p[0])/255, float32(p[3])/255
			default:
				p := row[x*4:]
				out[o], out[o+1], out[o+2], out[o+3] = float32(p[0])/255, float32(p[1])/255, float32(p[2])/255, float32(p[3])/255
			}
		}
	}
	return out
}
