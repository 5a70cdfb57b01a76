package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "rtas"
	app.Usage = "build ray tracing acceleration structures and trace frames against them"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "v",
			Usage: "enable verbose logging",
		},
		cli.BoolFlag{
			Name:  "vv",
			Usage: "also log device provider internals",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:  "simulate",
			Usage: "run frames headless and write the composed result",
			Description: `
Extract a built-in scene, build the acceleration structures, dispatch rays for
the requested number of frames and compose the outputs into an image.

The sim device runs entirely on the CPU. The wgpu device needs a WebGPU
adapter but no window.`,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "device, d",
					Value: "sim",
					Usage: "device provider: sim or wgpu",
				},
				cli.StringFlag{
					Name:  "scene, s",
					Value: "terrain",
					Usage: "built-in scene: " + sceneNames(),
				},
				cli.IntFlag{
					Name:  "width",
					Value: 320,
					Usage: "frame width",
				},
				cli.IntFlag{
					Name:  "height",
					Value: 180,
					Usage: "frame height",
				},
				cli.IntFlag{
					Name:  "frames, n",
					Value: 60,
					Usage: "number of frames to execute",
				},
				cli.IntFlag{
					Name:  "rebuild-every",
					Value: 30,
					Usage: "rebuild cadence in frames; 0 builds once",
				},
				cli.IntFlag{
					Name:  "contexts",
					Value: 3,
					Usage: "frame contexts in flight",
				},
				cli.Float64Flag{
					Name:  "exposure",
					Value: 1.0,
					Usage: "exposure for tone-mapping",
				},
				cli.StringFlag{
					Name:  "raygen",
					Usage: "WGSL file that replaces the built-in ray generation kernel",
				},
				cli.StringFlag{
					Name:  "entry",
					Value: "RayGenMain",
					Usage: "entry point of the --raygen kernel",
				},
				cli.StringFlag{
					Name:  "out, o",
					Value: "frame.bmp",
					Usage: "image filename for the composed frame",
				},
			},
			Action: Simulate,
		},
		{
			Name:  "view",
			Usage: "trace a built-in scene into a window",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "scene, s",
					Value: "terrain",
					Usage: "built-in scene: " + sceneNames(),
				},
				cli.IntFlag{
					Name:  "width",
					Value: 1280,
					Usage: "window width",
				},
				cli.IntFlag{
					Name:  "height",
					Value: 720,
					Usage: "window height",
				},
				cli.IntFlag{
					Name:  "rebuild-every",
					Value: 120,
					Usage: "rebuild cadence in frames; 0 builds once",
				},
			},
			Action: View,
		},
		{
			Name:      "inspect",
			Usage:     "validate shader containers and list their parts",
			ArgsUsage: "raygen.dxbc miss.dxbc closesthit.dxbc",
			Action:    Inspect,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "rtas: %v\n", err)
		os.Exit(1)
	}
}
