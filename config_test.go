package rtas

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 15, cfg.Ring.Contexts)
	assert.Equal(t, uint64(3600), cfg.Build.Interval)
	assert.Equal(t, 8, cfg.Selection.MaxObjects)
	assert.Equal(t, uint32(4096), cfg.Dispatch.MaxOutputDim)
}

func TestConfigValidateCollectsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ring.Contexts = 0
	cfg.Selection.MaxObjects = 0
	cfg.Selection.TerrainPatch = true
	cfg.Selection.TerrainCells = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	for _, want := range []string{"ring contexts 0", "max objects 0", "terrain patch"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestDefaultLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, "rtas-test", false)
	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown 2")
	assert.Contains(t, buf.String(), "[rtas-test]")

	l.SetDebug(true)
	assert.True(t, l.DebugEnabled())
	l.Debugf("visible %d", 3)
	assert.Contains(t, buf.String(), "visible 3")
}
