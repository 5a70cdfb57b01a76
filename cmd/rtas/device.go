package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/gekko3d/rtas"
	"github.com/gekko3d/rtas/rt/device"
	"github.com/gekko3d/rtas/rt/shader"
	"github.com/gekko3d/rtas/rt/simgpu"
	"github.com/gekko3d/rtas/rt/swrt"
	"github.com/gekko3d/rtas/rt/wgpudev"
)

// headless is a provider whose images can be read back on the CPU.
type headless interface {
	device.Provider
	ReadImage(ctx context.Context, img *device.Image) (*swrt.Target, error)
}

type simDevice struct {
	*simgpu.Device
}

func (d simDevice) ReadImage(ctx context.Context, img *device.Image) (*swrt.Target, error) {
	if err := d.WaitIdle(ctx); err != nil {
		return nil, err
	}
	t := d.Target(img)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", device.ErrReleased, img.Label())
	}
	return t, nil
}

func openDevice(name string, log rtas.Logger) (headless, func(), error) {
	switch name {
	case "sim":
		d := simgpu.New(simgpu.Options{AutoComplete: true, Logger: log})
		return simDevice{d}, func() {}, nil
	case "wgpu":
		d, err := wgpudev.New(wgpudev.Options{Logger: log})
		if err != nil {
			return nil, nil, err
		}
		return d, d.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown device %q (want sim or wgpu)", name)
}

// loadBundle returns the built-in bundle, with the ray generation stage
// replaced when --raygen names a WGSL file.
func loadBundle(ctx *cli.Context, log rtas.Logger) (*shader.Bundle, error) {
	b := wgpudev.DefaultBundle()
	path := ctx.String("raygen")
	if path == "" {
		return b, nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b.RayGen = shader.Module{
		Code:       shader.Pack(1, shader.NewPart(wgpudev.SourcePart, src)),
		EntryPoint: ctx.String("entry"),
	}
	if ctx.String("device") == "sim" {
		log.Warnf("the sim device traces on the CPU; %s is only validated", path)
	}
	return b, nil
}
