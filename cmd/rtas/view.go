package main

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/cogentcore/webgpu/wgpuglfw"
	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/urfave/cli"

	"github.com/gekko3d/rtas"
	"github.com/gekko3d/rtas/rt/core"
	"github.com/gekko3d/rtas/rt/device"
	"github.com/gekko3d/rtas/rt/wgpudev"
)

const (
	cameraMoveSpeed float32 = 0.2
	cameraTurnSpeed float32 = 0.02
)

func init() {
	// glfw calls must stay on the main thread
	runtime.LockOSThread()
}

type window struct {
	win     *glfw.Window
	surface *wgpu.Surface
	dev     *wgpudev.Device
	config  *wgpu.SurfaceConfiguration
	alloc   device.Allocator
}

// View traces a built-in scene into a window until it is closed.
func View(ctx *cli.Context) error {
	log, devLog := setupLogging(ctx)

	cam, ex, err := loadScene(ctx.String("scene"))
	if err != nil {
		return err
	}
	if ctx.Int("rebuild-every") < 0 {
		return errors.New("rebuild-every must not be negative")
	}

	if err := glfw.Init(); err != nil {
		return err
	}
	defer glfw.Terminate()
	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI)
	win, err := glfw.CreateWindow(ctx.Int("width"), ctx.Int("height"), "rtas", nil, nil)
	if err != nil {
		return err
	}
	defer win.Destroy()

	instance := wgpu.CreateInstance(nil)
	defer instance.Release()
	surface := instance.CreateSurface(wgpuglfw.GetSurfaceDescriptor(win))
	defer surface.Release()

	dev, err := wgpudev.New(wgpudev.Options{Instance: instance, Surface: surface, Logger: devLog})
	if err != nil {
		return err
	}
	defer dev.Close()

	w := &window{win: win, surface: surface, dev: dev}
	if err := w.configure(); err != nil {
		return err
	}
	w.alloc, err = dev.CreateAllocator("present")
	if err != nil {
		return err
	}
	defer w.alloc.Release()

	cfg := rtas.DefaultConfig()
	cfg.Build.Interval = uint64(ctx.Int("rebuild-every"))
	sub, err := rtas.NewSubsystemBuilder().
		UseProvider(dev).
		UseExtractor(ex).
		UseShaderBundle(wgpudev.DefaultBundle()).
		UseConfig(cfg).
		UseLogger(log).
		Build()
	if err != nil {
		return err
	}

	c := context.Background()
	if err := sub.Init(c, w.config.Width, w.config.Height); err != nil {
		return err
	}
	defer func() {
		if err := sub.Shutdown(c); err != nil {
			log.Errorf("shutdown: %v", err)
		}
	}()

	var frame uint64
	for !win.ShouldClose() {
		glfw.PollEvents()

		fw, fh := win.GetFramebufferSize()
		if fw == 0 || fh == 0 {
			// minimized
			continue
		}
		if uint32(fw) != w.config.Width || uint32(fh) != w.config.Height {
			w.config.Width, w.config.Height = uint32(fw), uint32(fh)
			adapter, raw := dev.Raw()
			surface.Configure(adapter, raw, w.config)
			if err := sub.Resize(c, w.config.Width, w.config.Height); err != nil {
				return err
			}
		}

		steer(win, &cam)
		err := sub.Execute(c, rtas.FrameInput{Camera: cam, Time: float32(glfw.GetTime())})
		if err != nil && !device.IsSkip(err) {
			return err
		}
		if err := w.present(c, sub, frame); err != nil {
			return err
		}
		frame++
	}
	return nil
}

func (w *window) configure() error {
	adapter, raw := w.dev.Raw()
	caps := w.surface.GetCapabilities(adapter)
	if len(caps.Formats) == 0 {
		return errors.New("surface reports no formats")
	}
	format := caps.Formats[0]
	if _, err := wgpudev.FormatOf(format); err != nil {
		return fmt.Errorf("surface format: %w", err)
	}
	fw, fh := w.win.GetFramebufferSize()
	w.config = &wgpu.SurfaceConfiguration{
		Usage:       wgpu.TextureUsageRenderAttachment,
		Format:      format,
		Width:       uint32(fw),
		Height:      uint32(fh),
		PresentMode: wgpu.PresentModeFifo,
		AlphaMode:   caps.AlphaModes[0],
	}
	w.surface.Configure(adapter, raw, w.config)
	return nil
}

// present clears the current surface texture, composes the outputs onto it
// and presents it.
func (w *window) present(ctx context.Context, sub *rtas.Subsystem, frame uint64) error {
	tex, err := w.surface.GetCurrentTexture()
	if err != nil {
		return fmt.Errorf("current surface texture: %w", err)
	}
	defer tex.Release()

	dst, err := w.dev.WrapTexture(tex, w.config.Format, "swapchain")
	if err != nil {
		return err
	}
	defer dst.Release()

	cl, err := w.dev.CreateCommandList(w.alloc, "present-clear")
	if err != nil {
		return err
	}
	cl.Transition(dst, device.StateRenderTarget)
	cl.ClearImage(dst, [4]float32{0.02, 0.02, 0.03, 1})
	cl.Transition(dst, device.StatePresent)
	if err := cl.Close(); err != nil {
		return err
	}
	if err := w.dev.Submit(cl); err != nil {
		return err
	}

	if _, err := sub.Compose(ctx, dst, frame); err != nil {
		return err
	}
	w.surface.Present()
	return nil
}

func steer(win *glfw.Window, cam *core.Camera) {
	pressed := func(k glfw.Key) bool { return win.GetKey(k) == glfw.Press }
	fwd := cam.Forward()
	right := fwd.Cross(mgl32.Vec3{0, 0, 1}).Normalize()
	if pressed(glfw.KeyW) {
		cam.Position = cam.Position.Add(fwd.Mul(cameraMoveSpeed))
	}
	if pressed(glfw.KeyS) {
		cam.Position = cam.Position.Sub(fwd.Mul(cameraMoveSpeed))
	}
	if pressed(glfw.KeyD) {
		cam.Position = cam.Position.Add(right.Mul(cameraMoveSpeed))
	}
	if pressed(glfw.KeyA) {
		cam.Position = cam.Position.Sub(right.Mul(cameraMoveSpeed))
	}
	if pressed(glfw.KeyLeft) {
		cam.Yaw -= cameraTurnSpeed
	}
	if pressed(glfw.KeyRight) {
		cam.Yaw += cameraTurnSpeed
	}
	if pressed(glfw.KeyUp) {
		cam.Pitch = mgl32.Clamp(cam.Pitch+cameraTurnSpeed, -1.5, 1.5)
	}
	if pressed(glfw.KeyDown) {
		cam.Pitch = mgl32.Clamp(cam.Pitch-cameraTurnSpeed, -1.5, 1.5)
	}
}
