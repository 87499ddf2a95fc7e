package backends

import "fmt"

// DeviceNum represents which device holds memory, or should execute a module.
// It's up to the backend to interpret it, but it is the index of the device in the list returned by Devices.
type DeviceNum int

// Capability is the compute capability of a device: a (major, minor) pair ranking hardware feature levels.
type Capability struct {
	Major, Minor int
}

// Less returns whether c is a lower feature level than other.
func (c Capability) Less(other Capability) bool {
	return c.Major < other.Major || (c.Major == other.Major && c.Minor < other.Minor)
}

// String implements fmt.Stringer, e.g. "8.6".
func (c Capability) String() string {
	return fmt.Sprintf("%d.%d", c.Major, c.Minor)
}

// DeviceInfo describes one enumerated device.
type DeviceInfo struct {
	Num        DeviceNum
	Name       string
	Capability Capability

	// Prohibited is set for devices that are administratively excluded from use (compute-prohibited mode).
	Prohibited bool
}

// String implements fmt.Stringer.
func (d DeviceInfo) String() string {
	return fmt.Sprintf("#%d %q (compute capability %s)", d.Num, d.Name, d.Capability)
}

// Attribute identifies a per-device integer attribute.
type Attribute int

const (
	AttrComputeCapabilityMajor Attribute = iota
	AttrComputeCapabilityMinor
	AttrComputeMode
	AttrMaxThreadsPerBlock
	AttrMaxGridDimX
	AttrMaxSharedMemoryPerBlock
	AttrWarpSize
	AttrMultiprocessorCount
	AttrMaxThreadsPerMultiprocessor
	NumAttributes
)

var attributeNames = [...]string{
	AttrComputeCapabilityMajor:      "ComputeCapabilityMajor",
	AttrComputeCapabilityMinor:      "ComputeCapabilityMinor",
	AttrComputeMode:                 "ComputeMode",
	AttrMaxThreadsPerBlock:          "MaxThreadsPerBlock",
	AttrMaxGridDimX:                 "MaxGridDimX",
	AttrMaxSharedMemoryPerBlock:     "MaxSharedMemoryPerBlock",
	AttrWarpSize:                    "WarpSize",
	AttrMultiprocessorCount:         "MultiprocessorCount",
	AttrMaxThreadsPerMultiprocessor: "MaxThreadsPerMultiprocessor",
}

// String implements fmt.Stringer.
func (a Attribute) String() string {
	if a < 0 || a >= NumAttributes {
		return fmt.Sprintf("Attribute(%d)", int(a))
	}
	return attributeNames[a]
}

// Values of AttrComputeMode.
const (
	ComputeModeDefault    = 0
	ComputeModeProhibited = 2
)

// DeviceInterface is the sub-interface of Backend that enumerates devices and manages their contexts.
type DeviceInterface interface {
	// Devices enumerates the devices, in the order the driver reports them.
	// The order matters: it is the tie-break used by device selection.
	Devices() ([]DeviceInfo, error)

	// Attribute returns the value of the attribute for the given device.
	Attribute(device DeviceNum, attr Attribute) (int, error)

	// RetainContext makes the device current and retains its primary context.
	RetainContext(device DeviceNum) error

	// ReleaseContext releases the primary context retained by RetainContext.
	ReleaseContext(device DeviceNum) error
}
