package dispatch

import (
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/rtas/rt/core"
	"github.com/gekko3d/rtas/rt/shader"
)

// Features toggles the ray tracing passes.
type Features struct {
	GI          bool
	Reflections bool
	Shadows     bool
	AO          bool
}

func AllFeatures() Features {
	return Features{GI: true, Reflections: true, Shadows: true, AO: true}
}

// Knobs are the per-feature intensities and sample counts.
type Knobs struct {
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

	EnvIntensity       float32
	MaxRayDistance     float32
	RoughReflEnvCutoff float32
}

func DefaultKnobs() Knobs {
	return Knobs{
		GIIntensity:               1,
		ReflectionIntensity:       1,
		ShadowIntensity:           1,
		AOIntensity:               1,
		GIBounces:                 1,
		GISamples:                 5,
		ReflectionSamples:         5,
		ShadowSamples:             1,
		AORadius:                  2,
		AOSamples:                 5,
		ReflectionRoughnessCutoff: 0.6,
		ShadowDistance:            500,
		EnvIntensity:              0.8,
		MaxRayDistance:            10000,
		RoughReflEnvCutoff:        0.8,
	}
}

// Sun describes the directional light.
type Sun struct {
	Direction mgl32.Vec3
	Color     mgl32.Vec3
	// Intensity in lux. Zero derives it from the color luma.
	Intensity float32
}

func DefaultSun() Sun {
	return Sun{Direction: mgl32.Vec3{0, 1, 1}.Normalize(), Color: mgl32.Vec3{1, 1, 1}, Intensity: 120000}
}

// FrameParams is everything the orchestrator needs to fill the frame constants.
type FrameParams struct {
	Camera            core.Camera
	Time              float32
	FrameNumber       uint32
	Sun               Sun
	Features          Features
	Knobs             Knobs
	ResetAccumulation bool
}

// DefaultFrameParams returns params for cam with every feature enabled.
func DefaultFrameParams(cam core.Camera) FrameParams {
	return FrameParams{Camera: cam, Sun: DefaultSun(), Features: AllFeatures(), Knobs: DefaultKnobs()}
}

// constantsBuilder keeps the previous view-projection for reprojection.
type constantsBuilder struct {
	prevViewProj mgl32.Mat4
	hasPrev      bool
}

func (b *constantsBuilder) build(p FrameParams, width, height uint32, stats bool) shader.FrameConstants {
	view := p.Camera.ViewMatrix()
	proj := p.Camera.ProjectionMatrix(width, height)
	viewProj := proj.Mul4(view)
	prev := viewProj
	if b.hasPrev {
		prev = b.prevViewProj
	}
	b.prevViewProj, b.hasPrev = viewProj, true

	sunIntensity := p.Sun.Intensity
	if sunIntensity == 0 {
		sunIntensity = max(0, p.Sun.Color.Dot(mgl32.Vec3{0.2126, 0.7152, 0.0722})*100000)
	}
	sunDir := p.Sun.Direction
	if sunDir.Len() > 0 {
		sunDir = sunDir.Normalize()
	}

	var invW, invH float32
	if width > 0 {
		invW = 1 / float32(width)
	}
	if height > 0 {
		invH = 1 / float32(height)
	}

	k := p.Knobs
	gi := k.GIIntensity
	if gi <= 0 {
		gi = 1
	}
	return shader.FrameConstants{
		InvViewProj:  viewProj.Inv(),
		View:         view,
		Proj:         proj,
		InvView:      view.Inv(),
		InvProj:      proj.Inv(),
		PrevViewProj: prev,

		CameraPosition: p.Camera.Position,
		Time:           p.Time,
		SunDirection:   sunDir,
		SunIntensity:   sunIntensity,
		SunColor:       p.Sun.Color,
		FrameNumber:    p.FrameNumber,

		GIIntensity:         gi,
		ReflectionIntensity: k.ReflectionIntensity,
		ShadowIntensity:     k.ShadowIntensity,
		AOIntensity:         k.AOIntensity,

		GIBounces:         min(k.GIBounces, 4),
		GISamples:         k.GISamples,
		ReflectionSamples: k.ReflectionSamples,
		ShadowSamples:     k.ShadowSamples,

		AORadius:                  k.AORadius,
		AOSamples:                 k.AOSamples,
		ReflectionRoughnessCutoff: k.ReflectionRoughnessCutoff,
		ShadowDistance:            k.ShadowDistance,

		ScreenWidth:     width,
		ScreenHeight:    height,
		InvScreenWidth:  invW,
		InvScreenHeight: invH,

		EnableGI:          p.Features.GI,
		EnableReflections: p.Features.Reflections,
		EnableShadows:     p.Features.Shadows,
		EnableAO:          p.Features.AO,

		EmissiveColor: mgl32.Vec3{1, 1, 1},
		EnvIntensity:  k.EnvIntensity,

		StatsEnabled:      stats,
		ResetAccumulation: p.ResetAccumulation,

		MaxRayDistance:     k.MaxRayDistance,
		BootstrapGISpp:     1,
		BootstrapReflSpp:   1,
		RoughReflEnvCutoff: k.RoughReflEnvCutoff,
	}
}
