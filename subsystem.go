// Package rtas maintains ray tracing acceleration structures for a renderer and
// coordinates their GPU lifetime: periodic rebuilds from extracted geometry,
// a per-frame ray dispatch, a compose pass and fence-driven deferred release.
package rtas

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gekko3d/rtas/rt/accel"
	"github.com/gekko3d/rtas/rt/app"
	"github.com/gekko3d/rtas/rt/compose"
	"github.com/gekko3d/rtas/rt/core"
	"github.com/gekko3d/rtas/rt/device"
	"github.com/gekko3d/rtas/rt/dispatch"
	"github.com/gekko3d/rtas/rt/geometry"
	"github.com/gekko3d/rtas/rt/shader"
	"github.com/gekko3d/rtas/rt/timeline"
)

// FrameInput is what Execute needs from the host each frame.
type FrameInput struct {
	Camera core.Camera
	Time   float32
	// Params overrides the default sun, features and knobs when set. Its
	// camera, time and frame number are replaced.
	Params *dispatch.FrameParams
}

// Stats is a snapshot of the subsystem counters.
type Stats struct {
	Frames          uint64
	Dispatched      uint64
	Skipped         uint64
	Rebuilds        uint64
	RebuildFailures uint64
	Generation      uint64
	BLASCount       int
	TLASAddress     device.GPUAddress
	PendingReleases int
	Freed           uint64
	RiskyResets     uint64
	Signaled        uint64
	Completed       uint64
	Rays            dispatch.RayStats
	Failure         error
}

type Subsystem struct {
	provider  device.Provider
	extractor geometry.Extractor
	bundle    *shader.Bundle
	cfg       Config
	log       Logger
	profiler  *app.Profiler

	lc     Lifecycle
	execMu sync.Mutex

	tl        *timeline.Timeline
	queue     *timeline.ReleaseQueue
	ring      *timeline.FrameRing
	builder   *accel.Builder
	scheduler *accel.Scheduler
	selector  *geometry.Selector
	orch      *dispatch.Orchestrator
	composer  *compose.Stage

	frames          uint64
	rebuilds        uint64
	rebuildFailures uint64
	wasBusy         bool
	lastReport      accel.Report
}

func newSubsystem(p device.Provider, ex geometry.Extractor, bundle *shader.Bundle, cfg Config, log Logger) *Subsystem {
	return &Subsystem{
		provider:  p,
		extractor: ex,
		bundle:    bundle,
		cfg:       cfg,
		log:       log,
		profiler:  app.NewProfiler(),
	}
}

// Init creates the timeline, frame ring, pipeline and outputs sized to the
// compose target. It may be called again after a latched failure or a
// shutdown; the previous state is torn down first.
func (s *Subsystem) Init(ctx context.Context, composeWidth, composeHeight uint32) (err error) {
	if err := s.lc.TryBeginInit(); err != nil {
		return err
	}
	defer func() { s.lc.EndInit(err) }()

	s.execMu.Lock()
	defer s.execMu.Unlock()

	if err := s.teardownLocked(ctx); err != nil {
		return fmt.Errorf("retire previous state: %w", err)
	}
	if err := s.provider.Status(); err != nil {
		return device.Fatal("init", err)
	}
	if err := shader.Validate(s.bundle, s.log); err != nil {
		s.log.Errorf("shader bundle rejected, ray tracing disabled: %v", err)
		return device.Invariant("init", err)
	}

	s.tl = timeline.NewTimeline(s.provider.Fence(), s.log)
	s.queue = timeline.NewReleaseQueue(s.tl, s.log)
	s.ring, err = timeline.NewFrameRing(s.provider, s.tl, s.cfg.Ring.Contexts, s.cfg.Ring.WaitTimeout, s.log)
	if err != nil {
		return err
	}

	s.builder = accel.NewBuilder(s.provider, s.tl, s.queue, s.cfg.accel(), s.log)
	s.builder.Profiler = s.profiler
	s.scheduler = accel.NewScheduler(s.cfg.Build.Interval)
	s.selector = geometry.NewSelector(s.cfg.Selection, s.cfg.Build.Limits, s.log)
	if hs, ok := s.extractor.(geometry.HeightSampler); ok {
		s.selector.Height = hs.TerrainHeight
	}

	s.orch = dispatch.NewOrchestrator(s.provider, s.ring, s.tl, s.queue, s.cfg.Dispatch, s.log)
	s.orch.Profiler = s.profiler
	if err := s.orch.Init(s.bundle, composeWidth, composeHeight); err != nil {
		s.orch.Release()
		return err
	}
	s.composer = compose.NewStage(s.provider, s.ring, s.tl, s.cfg.Compose, s.log)
	s.composer.Profiler = s.profiler

	s.frames, s.rebuilds, s.rebuildFailures, s.wasBusy = 0, 0, 0, false
	out := s.orch.Outputs()
	s.log.Infof("ray tracing ready on %s: %d frame contexts, outputs %dx%d, rebuild every %d frames",
		s.provider.Name(), s.ring.Size(), out.Width, out.Height, s.cfg.Build.Interval)
	return nil
}

// fail latches device-fatal errors and passes every error through.
func (s *Subsystem) fail(err error) error {
	if device.IsFatal(err) {
		s.lc.Latch(err)
		s.log.Errorf("ray tracing disabled after device failure: %v", err)
	}
	return err
}

func (s *Subsystem) params(in FrameInput) dispatch.FrameParams {
	p := dispatch.DefaultFrameParams(in.Camera)
	if in.Params != nil {
		p = *in.Params
		p.Camera = in.Camera
	}
	p.Time = in.Time
	p.FrameNumber = uint32(s.frames)
	return p
}

// Execute runs one frame: device probe, streaming gate, scheduled rebuild and
// ray dispatch. Skipped frames return a transient-skip error.
func (s *Subsystem) Execute(ctx context.Context, in FrameInput) error {
	if err := s.lc.TryBeginExecute(); err != nil {
		return err
	}
	defer s.lc.EndExecute()

	s.execMu.Lock()
	defer s.execMu.Unlock()

	if err := s.provider.Status(); err != nil {
		return s.fail(device.Fatal("device status", err))
	}

	frame := s.frames
	busy := s.extractor.StreamingBusy()
	if busy != s.wasBusy {
		if busy {
			s.log.Infof("frame %d: streaming busy, ray tracing paused", frame)
		} else {
			s.log.Infof("frame %d: streaming idle, ray tracing resumed", frame)
		}
		s.wasBusy = busy
	}
	if busy {
		s.orch.Skip()
		return device.Skip("execute", accel.ErrStreamingBusy)
	}

	if s.scheduler.Due(frame, s.builder.Installed() != nil, busy) {
		if err := s.rebuild(ctx, in.Camera.Viewpoint(), frame); device.IsFatal(err) || device.KindOf(err) == device.KindInvariant {
			return s.fail(err)
		}
	}

	res, err := s.orch.Dispatch(ctx, s.builder.Installed(), s.params(in))
	s.frames++
	s.profiler.SetCount("risky_resets", int(s.ring.RiskyResets()))
	if err != nil {
		return s.fail(err)
	}

	if s.cfg.HealthInterval > 0 && s.frames%s.cfg.HealthInterval == 0 {
		st := s.statsLocked()
		s.log.Infof("health frame %d: gen %d, %d BLAS, TLAS 0x%x, fence %d/%d, %d pending releases, %d risky resets, last dispatch %v",
			st.Frames, st.Generation, st.BLASCount, st.TLASAddress, st.Completed, st.Signaled, st.PendingReleases, st.RiskyResets, res.Dispatched)
	}
	return nil
}

func (s *Subsystem) rebuild(ctx context.Context, vp core.Viewpoint, frame uint64) error {
	s.scheduler.MarkAttempt(frame)
	s.rebuilds++
	_, rep, err := s.builder.Run(ctx, s.extractor, s.selector, vp)
	s.lastReport = rep
	switch {
	case err == nil:
		s.log.Infof("rebuild %s at frame %d: %d/%d BLAS in %v", rep.ID, frame, rep.BLASBuilt, rep.Requested, rep.Duration)
	case device.IsSkip(err):
		s.log.Debugf("rebuild at frame %d skipped: %v", frame, err)
	default:
		s.rebuildFailures++
		var gen uint64
		if cur := s.builder.Installed(); cur != nil {
			gen = cur.Generation
		}
		s.log.Warnf("rebuild at frame %d failed, keeping generation %d: %v", frame, gen, err)
	}
	return err
}

// Rebuild runs a rebuild now regardless of the cadence.
func (s *Subsystem) Rebuild(ctx context.Context, vp core.Viewpoint) (accel.Report, error) {
	if err := s.lc.TryBeginExecute(); err != nil {
		return accel.Report{}, err
	}
	defer s.lc.EndExecute()

	s.execMu.Lock()
	defer s.execMu.Unlock()
	if err := s.provider.Status(); err != nil {
		return accel.Report{}, s.fail(device.Fatal("device status", err))
	}
	err := s.rebuild(ctx, vp, s.frames)
	return s.lastReport, s.fail(err)
}

// Compose blends the outputs onto dst. It never fails because ray tracing is
// unavailable; that case reports NothingToDo.
func (s *Subsystem) Compose(ctx context.Context, dst *device.Image, frameID uint64) (compose.Status, error) {
	if err := s.lc.TryBeginExecute(); err != nil {
		return compose.NothingToDo, nil
	}
	defer s.lc.EndExecute()

	s.execMu.Lock()
	defer s.execMu.Unlock()

	out := s.orch.Outputs()
	in := compose.Inputs{
		GI:         out.GI.Get(),
		Reflection: out.Reflection.Get(),
		AO:         out.AO.Get(),
		Installed:  s.builder.Installed() != nil && s.orch.Dispatched() > 0,
	}
	st, err := s.composer.Compose(ctx, in, dst, frameID)
	if err != nil {
		return st, s.fail(err)
	}
	return st, nil
}

// Resize recreates the outputs for a new compose target size.
func (s *Subsystem) Resize(ctx context.Context, width, height uint32) error {
	if err := s.lc.TryBeginExecute(); err != nil {
		return err
	}
	defer s.lc.EndExecute()

	s.execMu.Lock()
	defer s.execMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.fail(s.orch.Resize(width, height))
}

// Shutdown retires everything, drains the release queue without a time bound
// and releases the frame contexts.
func (s *Subsystem) Shutdown(ctx context.Context) error {
	if err := s.lc.TryBeginShutdown(); err != nil {
		return err
	}
	defer s.lc.EndShutdown()

	s.execMu.Lock()
	defer s.execMu.Unlock()
	if s.tl == nil {
		return nil
	}

	var errs []error
	if err := s.teardownLocked(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.cfg.Shutdown.WaitIdle && s.provider.Status() == nil {
		if err := s.provider.WaitIdle(ctx); err != nil {
			errs = append(errs, fmt.Errorf("wait idle: %w", err))
		}
	}
	err := errors.Join(errs...)
	s.log.Infof("ray tracing shut down after %d frames: %d resources freed, %d pending, fence %d/%d",
		s.frames, s.queue.Freed(), s.queue.Pending(), s.tl.Completed(), s.tl.Signaled())
	return err
}

// teardownLocked retires the installed scene, outputs and pipeline, releases
// the frame contexts and drains the release queue. A lost device is not
// waited on; everything it held is freed at once.
func (s *Subsystem) teardownLocked(ctx context.Context) error {
	if s.tl == nil {
		return nil
	}
	if s.builder != nil {
		s.builder.Uninstall()
	}
	if s.orch != nil {
		s.orch.Release()
	}

	if err := s.provider.Status(); err != nil {
		if s.ring != nil {
			s.ring.Abandon()
		}
		n := s.queue.Abandon()
		s.log.Warnf("device lost (%v): freed %d pending resources without waiting", err, n)
		return nil
	}

	var errs []error
	if s.ring != nil {
		if err := s.ring.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.queue.Drain(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Installed returns the active scene state, or nil.
func (s *Subsystem) Installed() *accel.SceneState {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	if s.builder == nil {
		return nil
	}
	return s.builder.Installed()
}

// LastReport is the report of the latest rebuild attempt.
func (s *Subsystem) LastReport() accel.Report {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	return s.lastReport
}

func (s *Subsystem) Stats() Stats {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	return s.statsLocked()
}

func (s *Subsystem) statsLocked() Stats {
	st := Stats{Frames: s.frames, Rebuilds: s.rebuilds, RebuildFailures: s.rebuildFailures, Failure: s.lc.Failed()}
	if s.orch == nil || s.builder == nil {
		return st
	}
	if cur := s.builder.Installed(); cur != nil {
		st.Generation = cur.Generation
		st.BLASCount = cur.BLASCount()
		st.TLASAddress = cur.TLASAddress()
	}
	st.Dispatched = s.orch.Dispatched()
	st.Skipped = s.orch.Skipped()
	st.PendingReleases = s.queue.Pending()
	st.Freed = s.queue.Freed()
	st.RiskyResets = s.ring.RiskyResets()
	st.Signaled = s.tl.Signaled()
	st.Completed = s.tl.Completed()
	if rs := s.orch.Stats(); rs != nil {
		st.Rays, _ = rs.Last()
	}
	return st
}

func (s *Subsystem) Profiler() *app.Profiler { return s.profiler }

func (s *Subsystem) Lifecycle() *Lifecycle { return &s.lc }

func (s *Subsystem) Config() Config { return s.cfg }
