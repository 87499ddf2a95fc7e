package fakedevice

import (
	"testing"
	"time"

	"github.com/gomlx/accelrt/backends"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions("")
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions(), opts)

	opts, err = ParseOptions("devices=A@3.0, Bx@7.5 ,By@7!; capacity=16MiB; warp=16; maxthreads=512; sharedmem=32KiB; sms=4; threadspersm=1024; maxgrid=65535")
	require.NoError(t, err)
	assert.Equal(t, []DeviceSpec{
		{Name: "A", Capability: backends.Capability{Major: 3}},
		{Name: "Bx", Capability: backends.Capability{Major: 7, Minor: 5}},
		{Name: "By", Capability: backends.Capability{Major: 7}, Prohibited: true},
	}, opts.Devices)
	assert.Equal(t, uint64(16<<20), opts.Capacity)
	assert.Equal(t, 16, opts.WarpSize)
	assert.Equal(t, 512, opts.MaxThreadsPerBlock)
	assert.Equal(t, 32<<10, opts.MaxSharedMemoryPerBlock)
	assert.Equal(t, 4, opts.MultiprocessorCount)
	assert.Equal(t, 1024, opts.MaxThreadsPerMultiprocessor)
	assert.Equal(t, 65535, opts.MaxGridDimX)

	for _, config := range []string{"capacity", "unknown=1", "devices=A", "devices=A@x.1", "devices=", "warp=many"} {
		_, err := ParseOptions(config)
		assert.Error(t, err, "config %q should fail", config)
	}
}

func TestDevices(t *testing.T) {
	b := must.M1(New("devices=A@3.5,B@8.6!"))
	devs := must.M1(b.Devices())
	require.Len(t, devs, 2)
	assert.Equal(t, backends.DeviceInfo{Num: 1, Name: "B", Capability: backends.Capability{Major: 8, Minor: 6}, Prohibited: true}, devs[1])

	assert.Equal(t, 3, must.M1(b.Attribute(0, backends.AttrComputeCapabilityMajor)))
	assert.Equal(t, 5, must.M1(b.Attribute(0, backends.AttrComputeCapabilityMinor)))
	assert.Equal(t, backends.ComputeModeDefault, must.M1(b.Attribute(0, backends.AttrComputeMode)))
	assert.Equal(t, backends.ComputeModeProhibited, must.M1(b.Attribute(1, backends.AttrComputeMode)))
	assert.Equal(t, 32, must.M1(b.Attribute(0, backends.AttrWarpSize)))
	_, err := b.Attribute(2, backends.AttrWarpSize)
	require.Error(t, err)
	_, err = b.Attribute(0, backends.NumAttributes)
	require.Error(t, err)

	require.NoError(t, b.RetainContext(1))
	assert.Equal(t, 1, b.Stats().RetainedDevices)
	require.NoError(t, b.ReleaseContext(1))
	require.Error(t, b.ReleaseContext(1))
	assert.Zero(t, b.Stats().RetainedDevices)

	b.Finalize()
	_, err = b.Devices()
	require.Error(t, err)
}

func TestMemory(t *testing.T) {
	b := must.M1(New("capacity=1000"))
	p0 := must.M1(b.Alloc(600, "a"))
	assert.NotZero(t, p0)
	tag, found := b.Tag(p0)
	assert.True(t, found)
	assert.Equal(t, "a", tag)

	_, err := b.Alloc(500, "b")
	require.ErrorIs(t, err, backends.ErrOutOfMemory)
	_, err = b.Alloc(0, "b")
	require.ErrorIs(t, err, backends.ErrOutOfMemory)
	p1 := must.M1(b.Alloc(400, "b"))
	assert.NotEqual(t, p0, p1)

	require.NoError(t, b.Poke(p0.Offset(8), []byte{1, 2, 3}))
	assert.Equal(t, []byte{0, 1, 2, 3}, must.M1(b.Peek(p0.Offset(7), 4)))
	_, err = b.Peek(p0.Offset(598), 4)
	require.Error(t, err, "read past the end of the allocation")
	_, err = b.Peek(backends.DevicePtr(1), 1)
	require.Error(t, err)

	stats := b.Stats()
	assert.Equal(t, 2, stats.Allocs)
	assert.Equal(t, 2, stats.FailedAllocs)
	assert.Equal(t, uint64(1000), stats.BytesInUse)
	assert.Equal(t, 2, stats.LiveAllocations)

	require.NoError(t, b.Free(p0))
	require.Error(t, b.Free(p0), "double free")
	assert.Equal(t, uint64(400), b.Stats().BytesInUse)
	assert.Equal(t, uint64(1000), b.Stats().PeakBytesInUse)

	// Injected failures are consumed by the next call only.
	injected := errors.New("device lost")
	b.InjectAllocError(injected)
	_, err = b.Alloc(4, "c")
	require.ErrorIs(t, err, injected)
	b.InjectFreeError(injected)
	require.ErrorIs(t, b.Free(p1), injected)
	require.NoError(t, b.Free(p1))

	b.SetCapacity(10)
	_, err = b.Alloc(20, "d")
	require.ErrorIs(t, err, backends.ErrOutOfMemory)

	b.UnifyTags("x", "y")
	assert.Equal(t, [][2]string{{"x", "y"}}, b.Unifications())
	require.NoError(t, b.Synchronize())
	assert.Equal(t, 1, b.Stats().Synchronizations)
}

func TestToolchain(t *testing.T) {
	b := NewWithOptions(DefaultOptions())
	artifact := must.M1(b.Compile("kernel void f() {}", []string{"-arch", "compute_86"}))
	module := must.M1(b.LoadModule(artifact))
	m := module.(*Module)
	assert.Equal(t, "kernel void f() {}", m.Source)
	assert.Equal(t, []string{"-arch", "compute_86"}, m.Options)
	assert.Equal(t, "fake-module-1", m.Name())
	assert.Equal(t, 1, b.LoadedModules())
	require.NoError(t, b.UnloadModule(module))
	require.Error(t, b.UnloadModule(module))
	assert.Zero(t, b.LoadedModules())

	_, err := b.Compile("ok\n  #error missing semicolon\n", nil)
	var compileErr *backends.CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, "program.cu(2): error: missing semicolon", compileErr.Log)

	_, err = b.LoadModule([]byte("garbage"))
	require.Error(t, err)
	_, err = b.LoadModule([]byte(ArtifactMagic + "no newline"))
	require.Error(t, err)

	stats := b.Stats()
	assert.Equal(t, 2, stats.Compiles)
	assert.Equal(t, 1, stats.FailedCompiles)
	assert.Equal(t, 1, stats.Loads)
	assert.Equal(t, 2, stats.FailedLoads)
	assert.Equal(t, 1, stats.Unloads)
}

func TestEvents(t *testing.T) {
	b := NewWithOptions(DefaultOptions())
	start := must.M1(b.NewEvent())
	end := must.M1(b.NewEvent())
	_, err := b.ElapsedTime(start, end)
	require.Error(t, err, "events not recorded yet")

	require.NoError(t, b.RecordEvent(start))
	b.Advance(3 * time.Millisecond)
	require.NoError(t, b.RecordEvent(end))
	assert.Equal(t, 3*time.Millisecond, must.M1(b.ElapsedTime(start, end)))

	require.NoError(t, b.DestroyEvent(start))
	require.NoError(t, b.DestroyEvent(end))
	require.Error(t, b.DestroyEvent("not an event"))
	assert.Equal(t, 2, b.Stats().EventsCreated)
	assert.Equal(t, 2, b.Stats().EventsDestroyed)
}
