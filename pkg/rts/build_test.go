package rts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/accelrt/backends/fakedevice"
	"github.com/gomlx/accelrt/pkg/devices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizes(t *testing.T) {
	fake := newFake(t, "")
	sink := &recordingSink{}
	cfg := NewConfig(testProgram()).SetEventSink(sink)
	ctx := MustNew(cfg, fake)
	// 16 multiprocessors x 2048 threads / 256 threads per group.
	assert.Equal(t, Sizes{GroupSize: 256, NumGroups: 128, TileSize: 32, RegTileSize: 2, Threshold: 32 * 1024}, ctx.Sizes())
	assert.Equal(t, []int64{256, 128, 256, 32, 2, 32 * 1024, 7}, ctx.TuningParams())
	assert.Zero(t, sink.count(EventLimitClamped))
	require.NoError(t, ctx.Free())

	// Changed defaults above the device limits are clamped and reported.
	sink = &recordingSink{}
	cfg = NewConfig(testProgram()).SetEventSink(sink).
		SetDefaultGroupSize(4096).
		SetDefaultTileSize(64).
		SetDefaultThreshold(1000)
	require.NoError(t, cfg.SetTuningParam("main.tile_size_4", 100))
	require.NoError(t, cfg.SetTuningParam("main.reg_tile_size_5", 1000))
	ctx = MustNew(cfg, fake)
	sizes := ctx.Sizes()
	assert.Equal(t, int64(1024), sizes.GroupSize)
	assert.Equal(t, int64(32), sizes.NumGroups)
	assert.Equal(t, int64(32), sizes.TileSize)
	assert.Equal(t, int64(1000), sizes.Threshold)
	tile, _ := ctx.TuningParam("main.tile_size_4")
	assert.Equal(t, int64(32), tile)
	regTile, _ := ctx.TuningParam("main.reg_tile_size_5")
	assert.Equal(t, int64(1000), regTile, "register tile size has no limit")
	assert.Equal(t, 3, sink.count(EventLimitClamped))
	_, found := ctx.TuningParam("unknown")
	assert.False(t, found)
	require.NoError(t, ctx.Free())

	// The configuration is not modified by the clamping.
	assert.Equal(t, int64(4096), cfg.defaultGroupSize)

	// Set by name: not reported.
	sink = &recordingSink{}
	cfg = NewConfig(testProgram()).SetEventSink(sink).SetDefaultNumGroups(50)
	require.NoError(t, cfg.SetTuningParam("default_group_size", 2048))
	ctx = MustNew(cfg, fake)
	assert.Equal(t, int64(1024), ctx.Sizes().GroupSize)
	assert.Equal(t, int64(50), ctx.Sizes().NumGroups, "number of groups set explicitly is not derived")
	seghist, _ := ctx.TuningParam("main.seghist_num_groups_3")
	assert.Equal(t, int64(100), seghist)
	assert.Zero(t, sink.count(EventLimitClamped))
	require.NoError(t, ctx.Free())
}

func TestLimitOverrides(t *testing.T) {
	fake := newFake(t, "")
	cfg := NewConfig(testProgram()).LimitOverrides(devices.Limits{MaxGroupSize: 128, MaxBespoke: 5})
	ctx := MustNew(cfg, fake)
	defer func() { require.NoError(t, ctx.Free()) }()
	assert.Equal(t, int64(128), ctx.Limits().MaxGroupSize)
	assert.Equal(t, int64(32), ctx.Limits().LockstepWidth)
	bespoke, _ := ctx.TuningParam("main.bespoke_7")
	assert.Equal(t, int64(5), bespoke)

	ctx.SetLimits(devices.Limits{MaxGroupSize: 64})
	assert.Equal(t, int64(64), ctx.Limits().MaxGroupSize)
}

func TestBuildOptions(t *testing.T) {
	fake := newFake(t, "")
	cfg := NewConfig(testProgram())
	ctx := MustNew(cfg, fake)
	opts, err := ctx.BuildOptions()
	require.NoError(t, err)
	want := []string{
		"-arch", "compute_86",
		"-default-device",
		"--disable-warnings",
		"-Dmax_group_size=1024",
		"-Dsegmap_group_size_1=256",
		"-Dsegmap_num_groups_2=128",
		"-Dseghist_num_groups_3=256",
		"-Dtile_size_4=32",
		"-Dreg_tile_size_5=2",
		"-Dsuff_outer_par_6=32768",
		"-Dbespoke_7=7",
		"-DLOCKSTEP_WIDTH=32",
		"-DMAX_THREADS_PER_BLOCK=1024",
		"-I/usr/local/cuda/include",
		"-I/usr/include",
	}
	assert.Equal(t, want, opts)
	assert.Equal(t, want, ctx.Module().(*fakedevice.Module).Options)
	require.NoError(t, ctx.Free())

	// Caller's architecture, debugging and include paths.
	cfg.SetDebugging(true).AddCompilerOption("--gpu-architecture=compute_80").SetIncludePaths("/opt/include")
	ctx = MustNew(cfg, fake)
	opts, err = ctx.BuildOptions()
	require.NoError(t, err)
	assert.Equal(t, []string{"-default-device", "-G", "-lineinfo"}, opts[:3])
	assert.Equal(t, []string{"-I/opt/include", "--gpu-architecture=compute_80"}, opts[len(opts)-2:])
	require.NoError(t, ctx.Free())
}

func TestDumpAndLoadFiles(t *testing.T) {
	fake := newFake(t, "")
	dir := t.TempDir()
	programPath := filepath.Join(dir, "program.cu")
	artifactPath := filepath.Join(dir, "program.bin")

	cfg := NewConfig(testProgram()).DumpProgramTo(programPath).DumpArtifactTo(artifactPath)
	ctx := MustNew(cfg, fake)
	require.NoError(t, ctx.Free())
	source, err := os.ReadFile(programPath)
	require.NoError(t, err)
	assert.Equal(t, testProgram().Source(), string(source))
	artifact, err := os.ReadFile(artifactPath)
	require.NoError(t, err)
	assert.Equal(t, ctx.BuildResult().Artifact, artifact)

	// Program from a file.
	edited := filepath.Join(dir, "edited.cu")
	require.NoError(t, os.WriteFile(edited, []byte("// edited\n"), 0o644))
	ctx = MustNew(NewConfig(testProgram()).LoadProgramFrom(edited), fake)
	assert.Equal(t, "// edited\n", ctx.Module().(*fakedevice.Module).Source)
	require.NoError(t, ctx.Free())

	// Artifact from a file: no compilation.
	compiles := fake.Stats().Compiles
	ctx = MustNew(NewConfig(testProgram()).LoadProgramFrom(edited).LoadArtifactFrom(artifactPath), fake)
	assert.Equal(t, compiles, fake.Stats().Compiles)
	assert.Equal(t, testProgram().Source(), ctx.Module().(*fakedevice.Module).Source)
	require.NoError(t, ctx.Free())

	// Missing files are fatal.
	_, err = New(NewConfig(testProgram()).LoadArtifactFrom(filepath.Join(dir, "missing.bin")), fake)
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
