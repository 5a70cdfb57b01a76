package rtas

import (
	"errors"
	"fmt"
	"time"

	"github.com/gekko3d/rtas/rt/accel"
	"github.com/gekko3d/rtas/rt/compose"
	"github.com/gekko3d/rtas/rt/dispatch"
	"github.com/gekko3d/rtas/rt/geometry"
)

var ErrInvalidConfig = errors.New("rtas: invalid config")

type RingConfig struct {
	// Contexts is the number of frame contexts in flight.
	Contexts    int
	WaitTimeout time.Duration
}

type BuildConfig struct {
	// Interval is the rebuild cadence in executed frames. Zero builds once.
	Interval    uint64
	WaitTimeout time.Duration
	MaxVertices int
	MaxIndices  int
	// Limits apply to every candidate before selection.
	Limits geometry.Limits
}

type ShutdownConfig struct {
	// WaitIdle also waits for the provider queue to go idle after the drain.
	WaitIdle bool
}

type Config struct {
	Ring      RingConfig
	Build     BuildConfig
	Selection geometry.SelectionConfig
	Dispatch  dispatch.Config
	Compose   compose.Weights
	Shutdown  ShutdownConfig
	// HealthInterval is the number of executed frames between health logs.
	HealthInterval uint64
}

func DefaultConfig() Config {
	ac := accel.DefaultConfig()
	return Config{
		Ring: RingConfig{Contexts: 15, WaitTimeout: 10 * time.Second},
		Build: BuildConfig{
			Interval:    3600,
			WaitTimeout: ac.WaitTimeout,
			MaxVertices: ac.MaxVertices,
			MaxIndices:  ac.MaxIndices,
			Limits:      geometry.DefaultLimits(),
		},
		Selection:      geometry.DefaultSelectionConfig(),
		Dispatch:       dispatch.DefaultConfig(),
		Compose:        compose.DefaultWeights(),
		Shutdown:       ShutdownConfig{WaitIdle: true},
		HealthInterval: 1000,
	}
}

func (c Config) accel() accel.Config {
	return accel.Config{MaxVertices: c.Build.MaxVertices, MaxIndices: c.Build.MaxIndices, WaitTimeout: c.Build.WaitTimeout}
}

// Validate rejects configurations the subsystem cannot run with.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
		}
	}
	check(c.Ring.Contexts > 0, "ring contexts %d", c.Ring.Contexts)
	check(c.Ring.WaitTimeout > 0, "ring wait timeout %v", c.Ring.WaitTimeout)
	check(c.Build.WaitTimeout > 0, "build wait timeout %v", c.Build.WaitTimeout)
	check(c.Build.MaxVertices > 0, "max vertices %d", c.Build.MaxVertices)
	check(c.Build.MaxIndices > 0, "max indices %d", c.Build.MaxIndices)
	check(c.Build.Limits.MaxIndices > 0, "validation index limit %d", c.Build.Limits.MaxIndices)
	check(c.Selection.MaxObjects > 0, "max objects %d", c.Selection.MaxObjects)
	check(c.Selection.NearRadius >= 0, "near radius %v", c.Selection.NearRadius)
	check(!c.Selection.TerrainPatch || (c.Selection.TerrainCells > 0 && c.Selection.TerrainStep > 0),
		"terrain patch %d cells of %v", c.Selection.TerrainCells, c.Selection.TerrainStep)
	check(c.Dispatch.MaxOutputDim > 0, "max output dim %d", c.Dispatch.MaxOutputDim)
	check(!c.Dispatch.StatsEnabled || c.Dispatch.StatsInterval > 0, "stats interval %d", c.Dispatch.StatsInterval)
	return errors.Join(errs...)
}
