package backends

import "fmt"

// DevicePtr is an opaque handle to a region of device memory.
type DevicePtr uint64

// String implements fmt.Stringer.
func (p DevicePtr) String() string {
	return fmt.Sprintf("0x%016x", uint64(p))
}

// Offset returns the handle of the address n bytes into the region.
func (p DevicePtr) Offset(n uint64) DevicePtr {
	return p + DevicePtr(n)
}

// MemoryInterface is the sub-interface of Backend that manages raw device memory.
//
// Allocation failures because the device is out of memory must return an error matching ErrOutOfMemory
// (errors.Is): it is the only failure the allocator recovers from.
type MemoryInterface interface {
	// Alloc allocates exactly size bytes of device memory. The tag is a provenance label, it can be used by the
	// backend for diagnostics.
	Alloc(size uint64, tag string) (DevicePtr, error)

	// Free returns the memory to the device.
	Free(ptr DevicePtr) error

	// CopyToDevice copies src into device memory starting at dst.
	CopyToDevice(dst DevicePtr, src []byte) error

	// CopyFromDevice copies len(dst) bytes of device memory starting at src into dst.
	CopyFromDevice(dst []byte, src DevicePtr) error

	// Synchronize blocks until all work previously issued to the device is finished.
	Synchronize() error

	// UnifyTags is an observability hook called whenever memory freed under one tag is reused under another
	// (or the same) tag. It may be a no-op.
	UnifyTags(lhs, rhs string)
}
