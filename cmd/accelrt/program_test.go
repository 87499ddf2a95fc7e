package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/accelrt/pkg/rts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadProgramFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.cu"), []byte("kernel a\n"), 0o644))
	descr := `
name = "demo"
sources = ["a.cu"]
source = "kernel b\n"
max_failure_args = 1

[[tuning]]
name = "main.gs"
var = "gs"
class = "group_size"

[[tuning]]
name = "main.tile"
var = "tile"
class = "tile_size"
default = 8

[[failures]]
format = "bad index %d"
args = 1
`
	path := filepath.Join(dir, "demo.toml")
	require.NoError(t, os.WriteFile(path, []byte(descr), 0o644))

	program, err := LoadProgramFile(path)
	require.NoError(t, err)
	assert.Equal(t, "demo", program.Name)
	assert.Equal(t, "kernel a\nkernel b\n", program.Source())
	assert.Equal(t, []rts.TuningParam{
		{Name: "main.gs", Var: "gs", Class: rts.ClassGroupSize},
		{Name: "main.tile", Var: "tile", Class: rts.ClassTileSize, Default: 8},
	}, program.TuningParams)
	assert.Equal(t, "bad index 3", program.FailureMessage(0, []int64{3}))

	// Failures with more arguments than allowed.
	require.NoError(t, os.WriteFile(path, []byte("max_failure_args = 0\n[[failures]]\nformat = \"%d\"\nargs = 1\n"), 0o644))
	_, err = LoadProgramFile(path)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("name = \"x\"\ncolour = \"blue\"\n"), 0o644))
	_, err = LoadProgramFile(path)
	require.ErrorContains(t, err, "colour")

	require.NoError(t, os.WriteFile(path, []byte("sources = [\"missing.cu\"]\n"), 0o644))
	_, err = LoadProgramFile(path)
	require.Error(t, err)
}

func TestBuiltinProgram(t *testing.T) {
	require.NoError(t, builtinProgram().Validate())
}
