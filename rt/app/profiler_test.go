package app

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProfilerScopesAndCounts(t *testing.T) {
	p := NewProfiler()
	end := p.Scope("rebuild")
	p.BeginScope("dispatch")
	p.EndScope("dispatch")
	end()
	p.BeginScope("rebuild")
	p.EndScope("rebuild")

	assert.Equal(t, []string{"rebuild", "dispatch"}, p.Order)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.AddCount("blas_built", 1)
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, p.Count("blas_built"))

	p.SetCount("deferred_pending", 3)
	s := p.GetStatsString()
	assert.Contains(t, s, "rebuild")
	assert.Contains(t, s, "deferred_pending")

	p.Reset()
	assert.Zero(t, p.Duration("rebuild"))

	var nilProf *Profiler
	nilProf.AddCount("x", 1)
	nilProf.Scope("y")()
	assert.Zero(t, nilProf.Count("x"))
}
