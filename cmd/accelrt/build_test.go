package main

import (
	"testing"

	"github.com/gomlx/accelrt/pkg/rts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParams(t *testing.T) {
	cfg := rts.NewConfig(builtinProgram())
	require.NoError(t, parseParams(cfg, []string{"main.segred_group_size_2=128", " default_tile_size = 8"}))
	value, found := cfg.TuningParam("main.segred_group_size_2")
	assert.True(t, found)
	assert.Equal(t, int64(128), value)
	_, found = cfg.TuningParam("default_tile_size")
	assert.False(t, found, "defaults are not program parameters")

	require.Error(t, parseParams(cfg, []string{"main.segred_group_size_2"}))
	require.Error(t, parseParams(cfg, []string{"main.segred_group_size_2=many"}))
	require.Error(t, parseParams(cfg, []string{"no_such_param=1"}))
}
