package shader

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// FrameConstants is the per-frame constant block every ray tracing stage reads.
//
//	struct FrameConstants {
//	  inv_view_proj, view, proj, inv_view, inv_proj, prev_view_proj: mat4x4<f32>; -- 0..384
//	  camera_position: vec3<f32>; time: f32;                        -- 400
//	  sun_direction: vec3<f32>; sun_intensity: f32;                 -- 416
//	  sun_color: vec3<f32>; frame_number: u32;                      -- 432
//	  gi/reflection/shadow/ao intensity: f32 x4;                    -- 448
//	  gi_bounces, gi_samples, reflection_samples, shadow_samples: u32 -- 464
//	  ao_radius: f32; ao_samples: u32; rough_cutoff, shadow_distance: f32 -- 480
//	  screen_width, screen_height: u32; inv_width, inv_height: f32 -- 496
//	  enable_gi, enable_reflections, enable_shadows, enable_ao: u32 -- 512
//	  emissive_color: vec3<f32>; emissive_nits: f32;                -- 528
//	  env_intensity: f32; use_emissive: u32; pad: vec2<f32>;        -- 544
//	  stats_enabled: u32; pad: vec3<u32>;                           -- 560
//	  reset_accumulation: u32; pad: vec3<u32>;                      -- 576
//	  max_ray_distance: f32; bootstrap_gi_spp, bootstrap_refl_spp: u32; exp_blend_early: f32 -- 592
//	  exp_blend_frames, rough_refl_env_cutoff: f32; pad: vec2<f32>; -- 608
//	} -> 768 bytes (padded to the constant buffer alignment)
type FrameConstants struct {
	InvViewProj  mgl32.Mat4
	View         mgl32.Mat4
	Proj         mgl32.Mat4
	InvView      mgl32.Mat4
	InvProj      mgl32.Mat4
	PrevViewProj mgl32.Mat4

	CameraPosition mgl32.Vec3
	Time           float32
	SunDirection   mgl32.Vec3
	SunIntensity   float32
	SunColor       mgl32.Vec3
	FrameNumber    uint32

	GIIntensity         float32
	ReflectionIntensity float32
	ShadowIntensity     float32
	AOIntensity         float32

	GIBounces         uint32
	GISamples         uint32
	ReflectionSamples uint32
	ShadowSamples     uint32

	AORadius                  float32
	AOSamples                 uint32
	ReflectionRoughnessCutoff float32
	ShadowDistance            float32

	ScreenWidth     uint32
	ScreenHeight    uint32
	InvScreenWidth  float32
	InvScreenHeight float32

	EnableGI          bool
	EnableReflections bool
	EnableShadows     bool
	EnableAO          bool

	EmissiveColor         mgl32.Vec3
	EmissiveLuminanceNits float32
	EnvIntensity          float32
	UseEmissive           bool

	StatsEnabled      bool
	ResetAccumulation bool

	MaxRayDistance     float32
	BootstrapGISpp     uint32
	BootstrapReflSpp   uint32
	ExpBlendEarly      float32
	ExpBlendFrames     float32
	RoughReflEnvCutoff float32
}

const (
	// ConstantsSize is the padded size of the marshalled FrameConstants.
	ConstantsSize = 768
	constantsUsed = 608
)

type cwriter struct {
	buf []byte
	off int
}

func (w *cwriter) u32(v uint32) {
	binary.LittleEndian.PutUint32(w.buf[w.off:], v)
	w.off += 4
}

func (w *cwriter) f32(v float32) { w.u32(math.Float32bits(v)) }

func (w *cwriter) flag(v bool) {
	if v {
		w.u32(1)
	} else {
		w.u32(0)
	}
}

func (w *cwriter) mat(m mgl32.Mat4) {
	for _, v := range m {
		w.f32(v)
	}
}

func (w *cwriter) vec3(v mgl32.Vec3) {
	w.f32(v[0])
	w.f32(v[1])
	w.f32(v[2])
}

func (w *cwriter) pad(n int) { w.off += 4 * n }

func (c *FrameConstants) Marshal() []byte {
	w := &cwriter{buf: make([]byte, ConstantsSize)}
	for _, m := range []mgl32.Mat4{c.InvViewProj, c.View, c.Proj, c.InvView, c.InvProj, c.PrevViewProj} {
		w.mat(m)
	}
	w.vec3(c.CameraPosition)
	w.f32(c.Time)
	w.vec3(c.SunDirection)
	w.f32(c.SunIntensity)
	w.vec3(c.SunColor)
	w.u32(c.FrameNumber)

	w.f32(c.GIIntensity)
	w.f32(c.ReflectionIntensity)
	w.f32(c.ShadowIntensity)
	w.f32(c.AOIntensity)

	w.u32(c.GIBounces)
	w.u32(c.GISamples)
	w.u32(c.ReflectionSamples)
	w.u32(c.ShadowSamples)

	w.f32(c.AORadius)
	w.u32(c.AOSamples)
	w.f32(c.ReflectionRoughnessCutoff)
	w.f32(c.ShadowDistance)

	w.u32(c.ScreenWidth)
	w.u32(c.ScreenHeight)
	w.f32(c.InvScreenWidth)
	w.f32(c.InvScreenHeight)

	w.flag(c.EnableGI)
	w.flag(c.EnableReflections)
	w.flag(c.EnableShadows)
	w.flag(c.EnableAO)

	w.vec3(c.EmissiveColor)
	w.f32(c.EmissiveLuminanceNits)
	w.f32(c.EnvIntensity)
	w.flag(c.UseEmissive)
	w.pad(2)

	w.flag(c.StatsEnabled)
	w.pad(3)
	w.flag(c.ResetAccumulation)
	w.pad(3)

	w.f32(c.MaxRayDistance)
	w.u32(c.BootstrapGISpp)
	w.u32(c.BootstrapReflSpp)
	w.f32(c.ExpBlendEarly)
	w.f32(c.ExpBlendFrames)
	w.f32(c.RoughReflEnvCutoff)
	w.pad(2)

	if w.off != constantsUsed {
		panic(fmt.Sprintf("frame constants layout drift: wrote %d bytes, want %d", w.off, constantsUsed))
	}
	return w.buf
}

type creader struct {
	buf []byte
	off int
}

func (r *creader) u32() uint32 {
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *creader) f32() float32 { return math.Float32frombits(r.u32()) }
func (r *creader) flag() bool   { return r.u32() != 0 }

func (r *creader) mat() mgl32.Mat4 {
	var m mgl32.Mat4
	for i := range m {
		m[i] = r.f32()
	}
	return m
}

func (r *creader) vec3() mgl32.Vec3 { return mgl32.Vec3{r.f32(), r.f32(), r.f32()} }
func (r *creader) pad(n int)        { r.off += 4 * n }

// UnmarshalFrameConstants decodes a constant block written by Marshal.
func UnmarshalFrameConstants(buf []byte) (FrameConstants, error) {
	var c FrameConstants
	if len(buf) < constantsUsed {
		return c, fmt.Errorf("frame constants: %d bytes, need %d", len(buf), constantsUsed)
	}
	r := &creader{buf: buf}
	c.InvViewProj = r.mat()
	c.View = r.mat()
	c.Proj = r.mat()
	c.InvView = r.mat()
	c.InvProj = r.mat()
	c.PrevViewProj = r.mat()
	c.CameraPosition, c.Time = r.vec3(), r.f32()
	c.SunDirection, c.SunIntensity = r.vec3(), r.f32()
	c.SunColor, c.FrameNumber = r.vec3(), r.u32()
	c.GIIntensity, c.ReflectionIntensity, c.ShadowIntensity, c.AOIntensity = r.f32(), r.f32(), r.f32(), r.f32()
	c.GIBounces, c.GISamples, c.ReflectionSamples, c.ShadowSamples = r.u32(), r.u32(), r.u32(), r.u32()
	c.AORadius, c.AOSamples, c.ReflectionRoughnessCutoff, c.ShadowDistance = r.f32(), r.u32(), r.f32(), r.f32()
	c.ScreenWidth, c.ScreenHeight, c.InvScreenWidth, c.InvScreenHeight = r.u32(), r.u32(), r.f32(), r.f32()
	c.EnableGI, c.EnableReflections, c.EnableShadows, c.EnableAO = r.flag(), r.flag(), r.flag(), r.flag()
	c.EmissiveColor, c.EmissiveLuminanceNits = r.vec3(), r.f32()
	c.EnvIntensity, c.UseEmissive = r.f32(), r.flag()
	r.pad(2)
	c.StatsEnabled = r.flag()
	r.pad(3)
	c.ResetAccumulation = r.flag()
	r.pad(3)
	c.MaxRayDistance, c.BootstrapGISpp, c.BootstrapReflSpp, c.ExpBlendEarly = r.f32(), r.u32(), r.u32(), r.f32()
	c.ExpBlendFrames, c.RoughReflEnvCutoff = r.f32(), r.f32()
	return c, nil
}
