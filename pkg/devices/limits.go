package devices

import (
	"math"

	"github.com/gomlx/accelrt/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Limits of a device that bound the tuning parameters and the generated code.
//
// A zero value in a field means "no limit" for MaxThreshold and MaxBespoke.
type Limits struct {
	MaxGroupSize    int64
	MaxNumGroups    int64
	MaxTileSize     int64
	MaxThreshold    int64
	MaxSharedMemory int64
	MaxBespoke      int64
	LockstepWidth   int64

	// MultiprocessorCount and MaxThreadsPerMultiprocessor derive the default number of groups.
	MultiprocessorCount         int64
	MaxThreadsPerMultiprocessor int64
}

// Override returns l with every non-zero field of o replacing the corresponding one.
func (l Limits) Override(o Limits) Limits {
	pick := func(dst *int64, v int64) {
		if v != 0 {
			*dst = v
		}
	}
	pick(&l.MaxGroupSize, o.MaxGroupSize)
	pick(&l.MaxNumGroups, o.MaxNumGroups)
	pick(&l.MaxTileSize, o.MaxTileSize)
	pick(&l.MaxThreshold, o.MaxThreshold)
	pick(&l.MaxSharedMemory, o.MaxSharedMemory)
	pick(&l.MaxBespoke, o.MaxBespoke)
	pick(&l.LockstepWidth, o.LockstepWidth)
	pick(&l.MultiprocessorCount, o.MultiprocessorCount)
	pick(&l.MaxThreadsPerMultiprocessor, o.MaxThreadsPerMultiprocessor)
	return l
}

// QueryLimits reads the limits of device from the backend.
// The maximum tile size is the square root of the maximum group size.
func QueryLimits(backend backends.DeviceInterface, device backends.DeviceNum) (Limits, error) {
	var l Limits
	queries := []struct {
		attr backends.Attribute
		dst  *int64
	}{
		{backends.AttrMaxSharedMemoryPerBlock, &l.MaxSharedMemory},
		{backends.AttrMaxThreadsPerBlock, &l.MaxGroupSize},
		{backends.AttrMaxGridDimX, &l.MaxNumGroups},
		{backends.AttrWarpSize, &l.LockstepWidth},
		{backends.AttrMultiprocessorCount, &l.MultiprocessorCount},
		{backends.AttrMaxThreadsPerMultiprocessor, &l.MaxThreadsPerMultiprocessor},
	}
	for _, q := range queries {
		v, err := backend.Attribute(device, q.attr)
		if err != nil {
			return l, errors.WithMessagef(err, "querying attribute %s of device #%d", q.attr, device)
		}
		*q.dst = int64(v)
	}
	l.MaxTileSize = int64(math.Sqrt(float64(l.MaxGroupSize)))
	return l, nil
}

// Capability reads the compute capability of device from the backend.
func Capability(backend backends.DeviceInterface, device backends.DeviceNum) (backends.Capability, error) {
	major, err := backend.Attribute(device, backends.AttrComputeCapabilityMajor)
	if err != nil {
		return backends.Capability{}, err
	}
	minor, err := backend.Attribute(device, backends.AttrComputeCapabilityMinor)
	if err != nil {
		return backends.Capability{}, err
	}
	return backends.Capability{Major: major, Minor: minor}, nil
}

// archTable lists the known virtual architectures, in increasing order.
var archTable = []struct {
	cc   backends.Capability
	arch string
}{
	{backends.Capability{Major: 3, Minor: 0}, "compute_30"},
	{backends.Capability{Major: 3, Minor: 2}, "compute_32"},
	{backends.Capability{Major: 3, Minor: 5}, "compute_35"},
	{backends.Capability{Major: 3, Minor: 7}, "compute_37"},
	{backends.Capability{Major: 5, Minor: 0}, "compute_50"},
	{backends.Capability{Major: 5, Minor: 2}, "compute_52"},
	{backends.Capability{Major: 5, Minor: 3}, "compute_53"},
	{backends.Capability{Major: 6, Minor: 0}, "compute_60"},
	{backends.Capability{Major: 6, Minor: 1}, "compute_61"},
	{backends.Capability{Major: 6, Minor: 2}, "compute_62"},
	{backends.Capability{Major: 7, Minor: 0}, "compute_70"},
	{backends.Capability{Major: 7, Minor: 2}, "compute_72"},
	{backends.Capability{Major: 7, Minor: 5}, "compute_75"},
	{backends.Capability{Major: 8, Minor: 0}, "compute_80"},
	{backends.Capability{Major: 8, Minor: 6}, "compute_86"},
	{backends.Capability{Major: 8, Minor: 7}, "compute_87"},
}

// Arch returns the newest known virtual architecture not newer than cc.
//
// It logs a warning if cc is newer than any known architecture, and fails if it is older than all of them.
func Arch(cc backends.Capability) (string, error) {
	chosen := -1
	for ii, entry := range archTable {
		if cc.Less(entry.cc) {
			break
		}
		chosen = ii
	}
	if chosen == -1 {
		return "", errors.Errorf("unsupported compute capability %s", cc)
	}
	if archTable[chosen].cc != cc {
		klog.Warningf("device compute capability is %s, but newest supported is %s", cc, archTable[chosen].cc)
	}
	return archTable[chosen].arch, nil
}
