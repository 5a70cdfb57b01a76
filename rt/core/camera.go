package core

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Viewpoint is the position and viewing direction geometry selection is
// anchored to.
type Viewpoint struct {
	Position mgl32.Vec3
	Forward  mgl32.Vec3
}

// Camera is a Z-up yaw/pitch camera with a perspective projection.
type Camera struct {
	Position mgl32.Vec3
	Yaw      float32
	Pitch    float32
	FovY     float32 // radians
	Near     float32
	Far      float32
}

func NewCamera() *Camera {
	return &Camera{
		Position: mgl32.Vec3{0, -20, 2},
		FovY:     mgl32.DegToRad(60),
		Near:     0.1,
		Far:      1000.0,
	}
}

func (c *Camera) Forward() mgl32.Vec3 {
	// Z-up: yaw turns in the XY plane, pitch lifts toward +Z
	return mgl32.Vec3{
		float32(math.Cos(float64(c.Pitch)) * math.Sin(float64(c.Yaw))),
		float32(math.Cos(float64(c.Pitch)) * math.Cos(float64(c.Yaw))),
		float32(math.Sin(float64(c.Pitch))),
	}
}

func (c *Camera) Viewpoint() Viewpoint {
	return Viewpoint{Position: c.Position, Forward: c.Forward()}
}

func (c *Camera) ViewMatrix() mgl32.Mat4 {
	eye := c.Position
	return mgl32.LookAtV(eye, eye.Add(c.Forward()), mgl32.Vec3{0, 0, 1})
}

func (c *Camera) ProjectionMatrix(width, height uint32) mgl32.Mat4 {
	aspect := float32(1)
	if width > 0 && height > 0 {
		aspect = float32(width) / float32(height)
	}
	return mgl32.Perspective(c.FovY, aspect, c.Near, c.Far)
}
