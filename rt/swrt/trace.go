package swrt

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Carmen-Shannon/automation/tools/worker"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/rtas/rt/bvh"
	"github.com/gekko3d/rtas/rt/device"
	"github.com/gekko3d/rtas/rt/shader"
)

// Target is a CPU RGBA float image written by Dispatch.
type Target struct {
	Width  int
	Height int
	Pix    []float32
}

func NewTarget(w, h int) *Target {
	return &Target{Width: w, Height: h, Pix: make([]float32, w*h*4)}
}

func (t *Target) Set(x, y int, c mgl32.Vec4) {
	if x >= t.Width || y >= t.Height {
		return
	}
	i := (y*t.Width + x) * 4
	copy(t.Pix[i:i+4], c[:])
}

func (t *Target) At(x, y int) mgl32.Vec4 {
	i := (y*t.Width + x) * 4
	return mgl32.Vec4{t.Pix[i], t.Pix[i+1], t.Pix[i+2], t.Pix[i+3]}
}

// Fill sets every pixel to c.
func (t *Target) Fill(c mgl32.Vec4) {
	for i := 0; i < len(t.Pix); i += 4 {
		copy(t.Pix[i:i+4], c[:])
	}
}

type DispatchRequest struct {
	TLAS      device.GPUAddress
	Constants shader.FrameConstants
	Width     uint32
	Height    uint32
	// GI, reflection and optional AO, in that order.
	Outputs []*Target
}

type Stats struct {
	Hits   uint64
	Misses uint64
}

// CameraRay builds the primary ray through the center of pixel (x, y).
func CameraRay(c *shader.FrameConstants, x, y, w, h uint32) bvh.Ray {
	ndcX := (float32(x)+0.5)/float32(w)*2 - 1
	ndcY := 1 - (float32(y)+0.5)/float32(h)*2
	p := c.InvViewProj.Mul4x1(mgl32.Vec4{ndcX, ndcY, 1, 1})
	if p.W() != 0 {
		p = p.Mul(1 / p.W())
	}
	dir := p.Vec3().Sub(c.CameraPosition)
	if dir.Len() > 0 {
		dir = dir.Normalize()
	}
	tmax := c.MaxRayDistance
	if tmax <= 0 {
		tmax = 1e30
	}
	return bvh.Ray{Origin: c.CameraPosition, Dir: dir, TMin: 1e-3, TMax: tmax}
}

// Dispatch traces one primary ray per pixel against the TLAS at req.TLAS,
// rows fanned out on the worker pool.
func (e *Engine) Dispatch(req DispatchRequest) (Stats, error) {
	s, ok := e.Lookup(req.TLAS)
	if !ok || s.Type != device.TopLevel {
		return Stats{}, fmt.Errorf("%w: no top-level structure at 0x%x", device.ErrInvalidArgument, req.TLAS)
	}
	if req.Width == 0 || req.Height == 0 {
		return Stats{}, nil
	}

	var hits, misses atomic.Uint64
	var wg sync.WaitGroup
	for y := uint32(0); y < req.Height; y++ {
		wg.Add(1)
		e.mu.Lock()
		id := e.taskID
		e.taskID++
		e.mu.Unlock()

		row := y
		e.pool.SubmitTask(worker.Task{
			ID: id,
			Do: func() (any, error) {
				defer wg.Done()
				var h, m uint64
				for x := uint32(0); x < req.Width; x++ {
					if shadePixel(s.TLAS, &req, x, row) {
						h++
					} else {
						m++
					}
				}
				hits.Add(h)
				misses.Add(m)
				return nil, nil
			},
		})
	}
	wg.Wait()
	return Stats{Hits: hits.Load(), Misses: misses.Load()}, nil
}

func shadePixel(tlas *bvh.TLAS, req *DispatchRequest, x, y uint32) bool {
	c := &req.Constants
	ray := CameraRay(c, x, y, req.Width, req.Height)
	hit, ok := tlas.Intersect(ray, 0xFF)

	var gi, refl, ao mgl32.Vec4
	if ok {
		n := hit.Normal
		if n.Dot(ray.Dir) > 0 {
			n = n.Mul(-1)
		}
		sun := c.SunDirection
		if sun.Len() > 0 {
			sun = sun.Normalize()
		}
		ndl := max(n.Dot(sun.Mul(-1)), 0)
		lit := c.SunColor.Mul(ndl * c.SunIntensity * c.GIIntensity)
		gi = lit.Vec4(1)

		r := ray.Dir.Sub(n.Mul(2 * ray.Dir.Dot(n)))
		refl = mgl32.Vec4{r.X()*0.5 + 0.5, r.Y()*0.5 + 0.5, r.Z()*0.5 + 0.5, 1}.Mul(c.ReflectionIntensity)

		occ := float32(1)
		if c.AORadius > 0 {
			occ = min(hit.T/c.AORadius, 1)
		}
		ao = mgl32.Vec4{occ, occ, occ, 1}
	} else {
		sky := mgl32.Vec3{0.5, 0.7, 1.0}.Mul(c.EnvIntensity)
		gi = sky.Vec4(0)
		refl = sky.Vec4(0)
		ao = mgl32.Vec4{1, 1, 1, 0}
	}

	outs := [3]mgl32.Vec4{gi, refl, ao}
	enabled := [3]bool{c.EnableGI, c.EnableReflections, c.EnableAO}
	for i, t := range req.Outputs {
		if i >= len(outs) || t == nil || !enabled[i] {
			continue
		}
		t.Set(int(x), int(y), outs[i])
	}
	return ok
}
