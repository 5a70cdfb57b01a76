package dispatch

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/gekko3d/rtas/rt/core"
	"github.com/gekko3d/rtas/rt/device"
	"github.com/gekko3d/rtas/rt/timeline"
)

// StatsSize is the size of the hit/miss counter buffer.
const StatsSize = 64

const (
	statsIdle    = 0 // readback buffer free
	statsCopying = 1 // copy recorded, waiting for the GPU
)

// RayStats is one readback of the counter buffer.
type RayStats struct {
	Frame  uint64
	Hits   uint32
	Misses uint32
}

func (s RayStats) Total() uint32 { return s.Hits + s.Misses }

// HitRatio is the hit percentage, zero when nothing was counted.
func (s RayStats) HitRatio() float32 {
	if s.Total() == 0 {
		return 0
	}
	return float32(s.Hits) / float32(s.Total()) * 100
}

// StatsReader copies the GPU counter buffer into a readback buffer and maps it
// frames later. Poll never blocks; a readback that is not ready is retried on
// the next frame.
type StatsReader struct {
	p        device.Provider
	log      core.Logger
	interval uint64

	mu         sync.Mutex
	counters   *timeline.Owned[*device.Buffer]
	readback   *timeline.Owned[*device.Buffer]
	state      int
	copiedAt   uint64
	last       RayStats
	haveLast   bool
	lastLogged uint64
	loggedOnce bool
	readbacks  uint64
	raysTotal  uint64
}

func NewStatsReader(p device.Provider, interval uint64, log core.Logger) (*StatsReader, error) {
	counters, err := p.CreateBuffer(device.BufferDesc{Label: "ray-stats", Size: StatsSize, Usage: device.UsageStorage | device.UsageCopySrc})
	if err != nil {
		return nil, err
	}
	readback, err := p.CreateBuffer(device.BufferDesc{Label: "ray-stats-readback", Size: StatsSize, Heap: device.HeapReadback, Usage: device.UsageCopyDst})
	if err != nil {
		counters.Release()
		return nil, err
	}
	return &StatsReader{
		p:        p,
		log:      core.OrNop(log),
		interval: interval,
		counters: timeline.Own(counters, "ray-stats"),
		readback: timeline.Own(readback, "ray-stats-readback"),
	}, nil
}

// Counters is the buffer the dispatch writes hits and misses into.
func (r *StatsReader) Counters() *device.Buffer { return r.counters.Get() }

// Schedule records a copy of the counters into the readback buffer unless a
// previous copy is still pending. It reports whether a copy was recorded.
func (r *StatsReader) Schedule(cl device.CommandList, frame uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != statsIdle {
		return false
	}
	src, dst := r.counters.Get(), r.readback.Get()
	if src == nil || dst == nil {
		return false
	}
	cl.UAVBarrier(src)
	cl.CopyBuffer(dst, 0, src, 0, StatsSize)
	r.state = statsCopying
	r.copiedAt = frame
	return true
}

// Poll maps the readback buffer if the copy has landed. It returns the latest
// stats and whether they changed on this call.
func (r *StatsReader) Poll(frame uint64, raysThisFrame uint64) (RayStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raysTotal += raysThisFrame
	if r.state != statsCopying {
		return r.last, false
	}
	buf := r.readback.Get()
	if buf == nil {
		r.state = statsIdle
		return r.last, false
	}

	var raw [8]byte
	err := r.p.ReadBuffer(buf, 0, raw[:])
	if errors.Is(err, device.ErrNotReady) {
		return r.last, false
	}
	r.state = statsIdle
	if err != nil {
		r.log.Warnf("ray stats readback copied at frame %d failed: %v", r.copiedAt, err)
		return r.last, false
	}

	r.last = RayStats{
		Frame:  r.copiedAt,
		Hits:   binary.LittleEndian.Uint32(raw[0:]),
		Misses: binary.LittleEndian.Uint32(raw[4:]),
	}
	r.haveLast = true
	r.readbacks++
	if !r.loggedOnce || frame-r.lastLogged >= r.interval {
		r.loggedOnce = true
		r.lastLogged = frame
		r.logStats(frame, raysThisFrame)
	}
	return r.last, true
}

func (r *StatsReader) logStats(frame, rays uint64) {
	s := r.last
	avg := float64(0)
	if frame > 0 {
		avg = float64(r.raysTotal) / float64(frame)
	}
	r.log.Infof("ray stats frame %d: %d rays dispatched, %d total (avg %.0f/frame)", frame, rays, r.raysTotal, avg)
	r.log.Infof("ray stats frame %d: %d hits (%.1f%%), %d misses, %d counted (copied at %d)",
		frame, s.Hits, s.HitRatio(), s.Misses, s.Total(), s.Frame)
}

// Last returns the most recent readback.
func (r *StatsReader) Last() (RayStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.haveLast
}

func (r *StatsReader) Readbacks() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readbacks
}

// Retire hands both buffers to q.
func (r *StatsReader) Retire(q *timeline.ReleaseQueue) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters.Retire(q)
	r.readback.Retire(q)
	r.state = statsIdle
}
