package wgpudev

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/gekko3d/rtas/rt/bvh"
	"github.com/gekko3d/rtas/rt/device"
	"github.com/gekko3d/rtas/rt/swrt"
)

// maxComposeSources matches the three source bindings of compose.wgsl.
const maxComposeSources = 3

// CommandList records ops for replay into a command encoder at Submit.
type CommandList struct {
	*device.Recorder
	dev   *Device
	alloc *allocator
}

// memView reads shadow contents while Submit holds the device lock.
type memView struct{ d *Device }

func (m memView) Bytes(buf *device.Buffer) []byte {
	if buf == nil {
		return nil
	}
	st, ok := m.d.buffers[buf.ID()]
	if !ok {
		return nil
	}
	return st.shadow
}

func (d *Device) Submit(lists ...device.CommandList) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost != nil {
		return d.lost
	}

	cmds := make([]*wgpu.CommandBuffer, 0, len(lists))
	defer func() {
		for _, c := range cmds {
			c.Release()
		}
	}()
	var errs []error
	for _, l := range lists {
		cl, ok := l.(*CommandList)
		if !ok || cl.dev != d {
			return fmt.Errorf("%w: foreign command list", device.ErrInvalidArgument)
		}
		if err := cl.MarkSubmitted(); err != nil {
			return err
		}
		d.submits++
		for id := range cl.Refs {
			d.unstamped[id] = struct{}{}
		}

		cmd, err := d.encode(cl)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cl.Label(), err))
			continue
		}
		cmds = append(cmds, cmd)
	}
	if len(cmds) > 0 {
		d.queue.Submit(cmds...)
	}
	return errors.Join(errs...)
}

// encode replays cl. Acceleration structure builds and CPU-side copies run
// immediately; everything else goes into the returned command buffer.
func (d *Device) encode(cl *CommandList) (*wgpu.CommandBuffer, error) {
	enc, err := d.dev.CreateCommandEncoder(&wgpu.CommandEncoderDescriptor{Label: cl.Label()})
	if err != nil {
		return nil, err
	}
	defer enc.Release()

	mem := memView{d}
	var builds []device.BuildDesc
	flush := func() error {
		if len(builds) == 0 {
			return nil
		}
		err := d.engine.Build(builds, mem)
		builds = builds[:0]
		return err
	}

	for _, o := range cl.Ops {
		switch o.Kind {
		case device.OpBuild:
			builds = append(builds, o.Build)
			continue
		case device.OpBarrier:
			// WebGPU orders passes itself
			continue
		}
		if err := flush(); err != nil {
			return nil, err
		}

		switch o.Kind {
		case device.OpCopy:
			err = d.copyBuffer(enc, o)
		case device.OpClear:
			err = d.clear(enc, o)
		case device.OpDispatch:
			err = d.dispatch(enc, o, mem)
		case device.OpDraw:
			err = d.draw(enc, o.Pass)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return enc.Finish(nil)
}

func (d *Device) copyBuffer(enc *wgpu.CommandEncoder, o device.Op) error {
	src, dst := d.buffers[o.Src.ID()], d.buffers[o.Dst.ID()]
	if src == nil || dst == nil {
		return fmt.Errorf("%w: copy %s -> %s", device.ErrReleased, o.Src.Label(), o.Dst.Label())
	}
	switch {
	case src.gpu != nil && dst.gpu != nil:
		enc.CopyBufferToBuffer(src.gpu, o.SrcOffset, dst.gpu, o.DstOffset, o.Size)
		return nil
	case src.gpu != nil:
		return fmt.Errorf("%w: copy from GPU-only %s into CPU-only %s", device.ErrInvalidArgument, o.Src.Label(), o.Dst.Label())
	}
	data := src.shadow[o.SrcOffset : o.SrcOffset+o.Size]
	copy(dst.shadow[o.DstOffset:], data)
	if dst.gpu != nil {
		d.queue.WriteBuffer(dst.gpu, o.DstOffset, data)
	}
	return nil
}

func (d *Device) clear(enc *wgpu.CommandEncoder, o device.Op) error {
	st := d.images[o.Image.ID()]
	if st == nil {
		return fmt.Errorf("%w: clear %s", device.ErrReleased, o.Image.Label())
	}
	c := o.Color
	pass := enc.BeginRenderPass(&wgpu.RenderPassDescriptor{
		ColorAttachments: []wgpu.RenderPassColorAttachment{{
			View:       st.view,
			LoadOp:     wgpu.LoadOpClear,
			StoreOp:    wgpu.StoreOpStore,
			ClearValue: wgpu.Color{R: float64(c[0]), G: float64(c[1]), B: float64(c[2]), A: float64(c[3])},
		}},
	})
	return pass.End()
}

func (d *Device) dropScene() {
	for _, b := range d.sceneBufs {
		b.Release()
	}
	d.sceneBufs = nil
	d.scene = sceneKey{}
}

// sceneBuffers uploads the flattened structure at addr, reusing the previous
// upload while neither the address nor the engine's build count changed.
func (d *Device) sceneBuffers(addr device.GPUAddress) ([]*wgpu.Buffer, error) {
	key := sceneKey{addr: addr, builds: d.engine.Builds()}
	if key == d.scene && d.sceneBufs != nil {
		return d.sceneBufs, nil
	}
	flat, err := d.engine.Flatten(addr)
	if err != nil {
		return nil, err
	}
	d.dropScene()

	parts := []struct {
		label string
		data  []byte
	}{
		{"tlas-nodes", flat.TLASNodes},
		{"scene-instances", flat.Instances},
		{"blas-nodes", flat.BLASNodes},
		{"scene-triangles", flat.Triangles},
	}
	bufs := make([]*wgpu.Buffer, 0, len(parts))
	for _, p := range parts {
		b, err := d.dev.CreateBufferInit(&wgpu.BufferInitDescriptor{
			Label:    p.label,
			Contents: p.data,
			Usage:    wgpu.BufferUsageStorage,
		})
		if err != nil {
			for _, made := range bufs {
				made.Release()
			}
			return nil, fmt.Errorf("%w: %s: %v", device.ErrOutOfMemory, p.label, err)
		}
		bufs = append(bufs, b)
	}
	d.scene, d.sceneBufs = key, bufs
	d.log.Debugf("wgpu: uploaded scene 0x%x: %d tlas nodes, %d blas nodes", addr,
		len(flat.TLASNodes)/bvh.NodeSize, len(flat.BLASNodes)/bvh.NodeSize)
	return bufs, nil
}

func (d *Device) dispatch(enc *wgpu.CommandEncoder, o device.Op, mem memView) error {
	ps := d.pipelines[o.Pipeline.ID()]
	if ps == nil {
		return fmt.Errorf("%w: pipeline %s", device.ErrReleased, o.Pipeline.Label())
	}
	consts := d.buffers[o.Constants.ID()]
	if consts == nil || consts.gpu == nil {
		return fmt.Errorf("%w: constants %s have no GPU copy", device.ErrInvalidArgument, o.Constants.Label())
	}
	scene, err := d.sceneBuffers(o.TLAS)
	if err != nil {
		return err
	}
	d.queue.WriteBuffer(consts.gpu, 0, mem.Bytes(o.Constants))

	stats := d.dummyStats
	if o.Stats != nil {
		st := d.buffers[o.Stats.ID()]
		if st == nil || st.gpu == nil {
			return fmt.Errorf("%w: stats %s have no GPU copy", device.ErrInvalidArgument, o.Stats.Label())
		}
		stats = st.gpu
		enc.ClearBuffer(stats, 0, 8)
	}

	entries := []wgpu.BindGroupEntry{
		{Binding: 0, Buffer: consts.gpu, Size: wgpu.WholeSize},
		{Binding: 1, Buffer: scene[0], Size: wgpu.WholeSize},
		{Binding: 2, Buffer: scene[1], Size: wgpu.WholeSize},
		{Binding: 3, Buffer: scene[2], Size: wgpu.WholeSize},
		{Binding: 4, Buffer: scene[3], Size: wgpu.WholeSize},
		{Binding: 5, Buffer: stats, Size: wgpu.WholeSize},
	}
	for i := 0; i < 3; i++ {
		view := d.dummyView
		if i < len(o.Outputs) && o.Outputs[i] != nil {
			st := d.images[o.Outputs[i].ID()]
			if st == nil {
				return fmt.Errorf("%w: output %s", device.ErrReleased, o.Outputs[i].Label())
			}
			view = st.view
		}
		entries = append(entries, wgpu.BindGroupEntry{Binding: uint32(6 + i), TextureView: view})
	}

	layout := ps.compute.GetBindGroupLayout(0)
	defer layout.Release()
	bg, err := d.dev.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   "rt-dispatch",
		Layout:  layout,
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("%w: dispatch bindings: %v", device.ErrInvalidArgument, err)
	}
	defer bg.Release()

	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(ps.compute)
	pass.SetBindGroup(0, bg, nil)
	pass.DispatchWorkgroups((o.Width+7)/8, (o.Height+7)/8, 1)
	return pass.End()
}

func (d *Device) composePipeline(format wgpu.TextureFormat) (*wgpu.RenderPipeline, error) {
	if p, ok := d.composePipelines[format]; ok {
		return p, nil
	}
	additive := wgpu.BlendComponent{
		Operation: wgpu.BlendOperationAdd,
		SrcFactor: wgpu.BlendFactorOne,
		DstFactor: wgpu.BlendFactorOne,
	}
	p, err := d.dev.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label: "compose",
		Vertex: wgpu.VertexState{
			Module:     d.composeModule,
			EntryPoint: "vs_main",
		},
		Fragment: &wgpu.FragmentState{
			Module:     d.composeModule,
			EntryPoint: "fs_main",
			Targets: []wgpu.ColorTargetState{{
				Format:    format,
				Blend:     &wgpu.BlendState{Color: additive, Alpha: additive},
				WriteMask: wgpu.ColorWriteMaskAll,
			}},
		},
		Primitive: wgpu.PrimitiveState{
			Topology: wgpu.PrimitiveTopologyTriangleList,
		},
		Multisample: wgpu.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: compose pipeline for %v: %v", device.ErrInvalidArgument, format, err)
	}
	d.composePipelines[format] = p
	return p, nil
}

// composeParams packs the uniform block of compose.wgsl.
func composeParams(weights []float32, n int, w, h uint32) []byte {
	buf := make([]byte, 32)
	for i := 0; i < maxComposeSources; i++ {
		v := float32(0)
		if i < n {
			v = 1
			if i < len(weights) {
				v = weights[i]
			}
		}
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	binary.LittleEndian.PutUint32(buf[16:], math.Float32bits(float32(w)))
	binary.LittleEndian.PutUint32(buf[20:], math.Float32bits(float32(h)))
	return buf
}

func (d *Device) draw(enc *wgpu.CommandEncoder, pass device.FullscreenPass) error {
	if len(pass.Sources) > maxComposeSources {
		return fmt.Errorf("%w: %d compose sources, at most %d", device.ErrInvalidArgument, len(pass.Sources), maxComposeSources)
	}
	dst := d.images[pass.Target.ID()]
	if dst == nil {
		return fmt.Errorf("%w: compose target %s", device.ErrReleased, pass.Target.Label())
	}
	pipeline, err := d.composePipeline(dst.format)
	if err != nil {
		return err
	}

	params, err := d.dev.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    "compose-params",
		Contents: composeParams(pass.Weights, len(pass.Sources), pass.Target.Width, pass.Target.Height),
		Usage:    wgpu.BufferUsageUniform,
	})
	if err != nil {
		return fmt.Errorf("%w: compose params: %v", device.ErrOutOfMemory, err)
	}
	defer params.Release()

	entries := []wgpu.BindGroupEntry{{Binding: 0, Buffer: params, Size: wgpu.WholeSize}}
	for i := 0; i < maxComposeSources; i++ {
		view := d.dummyView
		if i < len(pass.Sources) && pass.Sources[i] != nil {
			st := d.images[pass.Sources[i].ID()]
			if st == nil {
				return fmt.Errorf("%w: compose source %s", device.ErrReleased, pass.Sources[i].Label())
			}
			view = st.view
		}
		entries = append(entries, wgpu.BindGroupEntry{Binding: uint32(1 + i), TextureView: view})
	}
	layout := pipeline.GetBindGroupLayout(0)
	defer layout.Release()
	bg, err := d.dev.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   "compose",
		Layout:  layout,
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("%w: compose bindings: %v", device.ErrInvalidArgument, err)
	}
	defer bg.Release()

	rp := enc.BeginRenderPass(&wgpu.RenderPassDescriptor{
		ColorAttachments: []wgpu.RenderPassColorAttachment{{
			View:    dst.view,
			LoadOp:  wgpu.LoadOpLoad,
			StoreOp: wgpu.StoreOpStore,
		}},
	})
	rp.SetPipeline(pipeline)
	rp.SetBindGroup(0, bg, nil)
	rp.Draw(3, 1, 0, 0)
	return rp.End()
}

// ReadImage copies img back to the CPU as RGBA floats. It blocks until the
// copy lands, so it is meant for tools and tests rather than the frame loop.
func (d *Device) ReadImage(ctx context.Context, img *device.Image) (*swrt.Target, error) {
	d.mu.Lock()
	st := d.images[img.ID()]
	d.mu.Unlock()
	if st == nil {
		return nil, fmt.Errorf("%w: %s", device.ErrReleased, img.Label())
	}
	if err := d.Status(); err != nil {
		return nil, err
	}

	pitch := rowPitch(img.Width, img.Format)
	size := uint64(pitch) * uint64(img.Height)
	rb, err := d.dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: img.Label() + "-readback",
		Size:  size,
		Usage: wgpu.BufferUsageCopyDst | wgpu.BufferUsageMapRead,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: readback of %s: %v", device.ErrOutOfMemory, img.Label(), err)
	}
	defer rb.Release()

	enc, err := d.dev.CreateCommandEncoder(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Release()
	enc.CopyTextureToBuffer(
		&wgpu.ImageCopyTexture{Texture: st.tex, MipLevel: 0, Origin: wgpu.Origin3D{X: 0, Y: 0, Z: 0}},
		&wgpu.ImageCopyBuffer{
			Buffer: rb,
			Layout: wgpu.TextureDataLayout{Offset: 0, BytesPerRow: pitch, RowsPerImage: img.Height},
		},
		&wgpu.Extent3D{Width: img.Width, Height: img.Height, DepthOrArrayLayers: 1},
	)
	cmd, err := enc.Finish(nil)
	if err != nil {
		return nil, err
	}
	defer cmd.Release()
	d.queue.Submit(cmd)

	done := make(chan wgpu.BufferMapAsyncStatus, 1)
	rb.MapAsync(wgpu.MapModeRead, 0, size, func(status wgpu.BufferMapAsyncStatus) {
		done <- status
	})
	for {
		d.dev.Poll(true, nil)
		select {
		case status := <-done:
			if status != wgpu.BufferMapAsyncStatusSuccess {
				return nil, fmt.Errorf("wgpu: map readback of %s: status %v", img.Label(), status)
			}
			raw := rb.GetMappedRange(0, uint(size))
			t := swrt.NewTarget(int(img.Width), int(img.Height))
			copy(t.Pix, decodePixels(raw, img.Width, img.Height, img.Format))
			rb.Unmap()
			return t, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
}
