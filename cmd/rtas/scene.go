package main

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/rtas/rt/core"
	"github.com/gekko3d/rtas/rt/geometry"
)

type scene struct {
	camera  core.Camera
	records func(cam core.Camera) []geometry.Record
}

var scenes = map[string]scene{
	"wall": {
		camera: *core.NewCamera(),
		records: func(core.Camera) []geometry.Record {
			return []geometry.Record{{
				Label:     "wall",
				Vertices:  []mgl32.Vec3{{-8, 0, -4}, {8, 0, -4}, {8, 0, 8}, {-8, 0, 8}},
				Indices:   []uint32{0, 1, 2, 0, 2, 3},
				Transform: mgl32.Ident4(),
			}}
		},
	},
	"quad": {
		camera: *core.NewCamera(),
		records: func(cam core.Camera) []geometry.Record {
			return []geometry.Record{geometry.FallbackQuad(cam.Viewpoint(), 4, 10)}
		},
	},
	"terrain": {
		camera: core.Camera{
			Position: mgl32.Vec3{0, -24, 6},
			Pitch:    mgl32.DegToRad(-12),
			FovY:     mgl32.DegToRad(60),
			Near:     0.1,
			Far:      1000,
		},
		records: func(core.Camera) []geometry.Record {
			hills := func(x, y float32) float32 {
				return 1.5 * float32(math.Sin(float64(x)*0.3)*math.Cos(float64(y)*0.25))
			}
			terrain := geometry.TerrainPatch(mgl32.Vec3{0, 0, 0}, 48, 1, hills)
			pillar := geometry.Record{
				Label:     "pillar",
				Vertices:  []mgl32.Vec3{{-1, 4, 0}, {1, 4, 0}, {1, 4, 10}, {-1, 4, 10}},
				Indices:   []uint32{0, 1, 2, 0, 2, 3},
				Transform: mgl32.Ident4(),
			}
			return []geometry.Record{terrain, pillar}
		},
	},
}

func sceneNames() string {
	names := make([]string, 0, len(scenes))
	for name := range scenes {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func loadScene(name string) (core.Camera, *geometry.StaticExtractor, error) {
	sc, ok := scenes[name]
	if !ok {
		return core.Camera{}, nil, fmt.Errorf("unknown scene %q (want one of %s)", name, sceneNames())
	}
	return sc.camera, &geometry.StaticExtractor{Records: sc.records(sc.camera)}, nil
}

// orbit turns the camera a little every frame so rebuilds see a moving
// viewpoint.
func orbit(cam core.Camera, frame int) core.Camera {
	cam.Yaw += float32(frame) * 0.002
	return cam
}
