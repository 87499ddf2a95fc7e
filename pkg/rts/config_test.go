package rts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/accelrt/pkg/devices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "accelrt.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestConfigFile(t *testing.T) {
	path := writeConfigFile(t, `
debugging = true
profiling = true
device = "#1 Tesla"
cache_file = "/tmp/kernels/"
compiler_options = ["-DFAST_MATH"]
include_paths = ["/opt/cuda/include"]

[tuning]
default_group_size = 128
"main.tile_size_4" = 16

[limits]
max_group_size = 512
lockstep_width = 64
`)
	cfg, err := LoadConfigFile(testProgram(), path)
	require.NoError(t, err)
	assert.True(t, cfg.debugging)
	assert.True(t, cfg.profiling)
	assert.False(t, cfg.logging)
	assert.Equal(t, devices.Preference{Substring: "Tesla", Index: 1}, cfg.device)
	assert.Equal(t, "/tmp/kernels/", cfg.cacheFile)
	assert.Equal(t, []string{"-DFAST_MATH"}, cfg.compilerOptions)
	assert.Equal(t, []string{"/opt/cuda/include"}, cfg.includePaths)
	assert.Equal(t, int64(128), cfg.defaultGroupSize)
	tile, found := cfg.TuningParam("main.tile_size_4")
	require.True(t, found)
	assert.Equal(t, int64(16), tile)
	assert.Equal(t, devices.Limits{MaxGroupSize: 512, LockstepWidth: 64}, cfg.limitOverrides)

	// Applying on top of an existing configuration keeps what the file doesn't set.
	cfg = NewConfig(testProgram()).SetLogging(true).AddCompilerOption("-DFIRST")
	require.NoError(t, cfg.ApplyFile(writeConfigFile(t, `compiler_options = ["-DSECOND"]`)))
	assert.True(t, cfg.logging)
	assert.Equal(t, []string{"-DFIRST", "-DSECOND"}, cfg.compilerOptions)
	assert.Equal(t, DefaultIncludePaths, cfg.includePaths)
}

func TestConfigFileErrors(t *testing.T) {
	_, err := LoadConfigFile(testProgram(), writeConfigFile(t, `debuging = true`))
	require.ErrorContains(t, err, "debuging")

	_, err = LoadConfigFile(testProgram(), writeConfigFile(t, "[tuning]\n\"main.nope\" = 3\n"))
	require.ErrorContains(t, err, "main.nope")

	_, err = LoadConfigFile(testProgram(), writeConfigFile(t, `debugging = "yes"`))
	require.Error(t, err)

	_, err = LoadConfigFile(testProgram(), filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestSetTuningParam(t *testing.T) {
	cfg := NewConfig(testProgram())
	value, found := cfg.TuningParam("main.bespoke_7")
	require.True(t, found)
	assert.Equal(t, int64(7), value)

	for _, name := range []string{"default_group_size", "default_num_groups", "default_tile_size",
		"default_reg_tile_size", "default_threshold"} {
		require.NoError(t, cfg.SetTuningParam(name, 3), name)
	}
	assert.Equal(t, int64(3), cfg.defaultGroupSize)
	assert.Equal(t, int64(3), cfg.defaultNumGroups)
	assert.Equal(t, int64(3), cfg.defaultTileSize)
	assert.Equal(t, int64(3), cfg.defaultRegTileSize)
	assert.Equal(t, int64(3), cfg.defaultThreshold)
	assert.False(t, cfg.groupSizeChanged)
	require.Error(t, cfg.SetTuningParam("default_something", 1))
}

func TestEventSinkSelection(t *testing.T) {
	cfg := NewConfig(testProgram())
	assert.IsType(t, NopSink{}, cfg.eventSink())
	cfg.SetLogging(true)
	assert.IsType(t, KlogSink{}, cfg.eventSink())
	sink := &recordingSink{}
	cfg.SetEventSink(sink)
	assert.Same(t, sink, cfg.eventSink())
}
