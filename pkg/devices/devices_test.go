package devices

import (
	"testing"

	"github.com/gomlx/accelrt/backends"
	"github.com/gomlx/accelrt/backends/fakedevice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeDevices(specs ...any) []backends.DeviceInfo {
	var devs []backends.DeviceInfo
	for ii := 0; ii < len(specs); ii += 2 {
		devs = append(devs, backends.DeviceInfo{
			Num:        backends.DeviceNum(len(devs)),
			Name:       specs[ii].(string),
			Capability: specs[ii+1].(backends.Capability),
		})
	}
	return devs
}

func TestSelect(t *testing.T) {
	cc10 := backends.Capability{Major: 1, Minor: 0}
	cc35 := backends.Capability{Major: 3, Minor: 5}
	devs := makeDevices("A", cc10, "Bx", cc35, "By", cc35)

	// No preference: first of the most capable.
	dev, err := Select(devs, Preference{})
	require.NoError(t, err)
	assert.Equal(t, "Bx", dev.Name)

	// Second match of "B".
	dev, err = Select(devs, Preference{Substring: "B", Index: 1})
	require.NoError(t, err)
	assert.Equal(t, "By", dev.Name)

	// Preference for a less capable device wins over capability.
	dev, err = Select(devs, Preference{Substring: "A"})
	require.NoError(t, err)
	assert.Equal(t, "A", dev.Name)

	// Preference not satisfiable: fallback to the best.
	dev, err = Select(devs, Preference{Substring: "B", Index: 2})
	require.NoError(t, err)
	assert.Equal(t, "Bx", dev.Name)
	dev, err = Select(devs, Preference{Substring: "Z"})
	require.NoError(t, err)
	assert.Equal(t, "Bx", dev.Name)

	// Index only: n-th usable device.
	dev, err = Select(devs, Preference{Index: 2})
	require.NoError(t, err)
	assert.Equal(t, "By", dev.Name)
}

func TestSelectProhibited(t *testing.T) {
	cc10 := backends.Capability{Major: 1, Minor: 0}
	cc70 := backends.Capability{Major: 7, Minor: 0}
	devs := makeDevices("A", cc10, "B", cc70, "C", cc10)
	devs[1].Prohibited = true

	dev, err := Select(devs, Preference{})
	require.NoError(t, err)
	assert.Equal(t, "A", dev.Name)

	// Prohibited devices are not counted as matches.
	dev, err = Select(devs, Preference{Index: 1})
	require.NoError(t, err)
	assert.Equal(t, "C", dev.Name)

	for ii := range devs {
		devs[ii].Prohibited = true
	}
	_, err = Select(devs, Preference{})
	require.ErrorIs(t, err, ErrNoUsableDevice)
	_, err = Select(nil, Preference{Substring: "A"})
	require.ErrorIs(t, err, ErrNoUsableDevice)
}

func TestParsePreference(t *testing.T) {
	assert.Equal(t, Preference{}, ParsePreference(""))
	assert.False(t, ParsePreference("").IsSet())
	assert.Equal(t, Preference{Substring: "Tesla"}, ParsePreference("Tesla"))
	assert.Equal(t, Preference{Substring: "Tesla V100", Index: 12}, ParsePreference("#12  Tesla V100"))
	assert.Equal(t, Preference{Index: 3}, ParsePreference("#3"))
	assert.Equal(t, "#1 B", Preference{Substring: "B", Index: 1}.String())
}

func TestArch(t *testing.T) {
	arch, err := Arch(backends.Capability{Major: 7, Minor: 5})
	require.NoError(t, err)
	assert.Equal(t, "compute_75", arch)

	// In between known architectures: the older one.
	arch, err = Arch(backends.Capability{Major: 6, Minor: 5})
	require.NoError(t, err)
	assert.Equal(t, "compute_62", arch)

	// Newer than the table: the newest known.
	arch, err = Arch(backends.Capability{Major: 9, Minor: 0})
	require.NoError(t, err)
	assert.Equal(t, "compute_87", arch)

	_, err = Arch(backends.Capability{Major: 2, Minor: 1})
	require.Error(t, err)
}

func TestQueryLimits(t *testing.T) {
	opts := fakedevice.DefaultOptions()
	opts.MaxThreadsPerBlock = 256
	backend := fakedevice.NewWithOptions(opts)
	limits, err := QueryLimits(backend, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(256), limits.MaxGroupSize)
	assert.Equal(t, int64(16), limits.MaxTileSize)
	assert.Equal(t, int64(32), limits.LockstepWidth)
	assert.Equal(t, int64(opts.MaxSharedMemoryPerBlock), limits.MaxSharedMemory)
	assert.Zero(t, limits.MaxThreshold)

	overridden := limits.Override(Limits{MaxGroupSize: 64})
	assert.Equal(t, int64(64), overridden.MaxGroupSize)
	assert.Equal(t, limits.LockstepWidth, overridden.LockstepWidth)

	_, err = QueryLimits(backend, 7)
	require.Error(t, err)
}
