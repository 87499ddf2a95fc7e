package fakedevice

import (
	"fortio.org/safecast"
	"github.com/gomlx/accelrt/backends"
	"github.com/pkg/errors"
)

// basePtr is the address of the first simulated allocation, so that a zero DevicePtr is never valid.
const basePtr backends.DevicePtr = 0x7f00_0000_0000

// allocationAlignment of the simulated addresses.
const allocationAlignment = 256

type allocation struct {
	ptr  backends.DevicePtr
	data []byte
	tag  string
}

// Alloc implements backends.MemoryInterface.
func (b *Backend) Alloc(size uint64, tag string) (backends.DevicePtr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return 0, errFinalized
	}
	if b.allocErr != nil {
		err := b.allocErr
		b.allocErr = nil
		b.stats.FailedAllocs++
		return 0, err
	}
	if size == 0 || b.bytesInUse+size > b.opts.Capacity {
		b.stats.FailedAllocs++
		return 0, &backends.Error{Code: codeOutOfMemory, Description: "out of memory", OutOfMemory: true}
	}
	n, err := safecast.Conv[int](size)
	if err != nil {
		b.stats.FailedAllocs++
		return 0, &backends.Error{Code: codeInvalidValue, Description: err.Error()}
	}
	ptr := b.nextPtr
	b.nextPtr += backends.DevicePtr((size + allocationAlignment - 1) / allocationAlignment * allocationAlignment)
	b.allocations[ptr] = &allocation{ptr: ptr, data: make([]byte, n), tag: tag}
	b.bytesInUse += size
	b.stats.PeakBytesInUse = max(b.stats.PeakBytesInUse, b.bytesInUse)
	b.stats.Allocs++
	return ptr, nil
}

// Free implements backends.MemoryInterface.
func (b *Backend) Free(ptr backends.DevicePtr) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freeErr != nil {
		err := b.freeErr
		b.freeErr = nil
		return err
	}
	alloc, found := b.allocations[ptr]
	if !found {
		return &backends.Error{Code: codeInvalidValue, Description: "free of unknown device pointer " + ptr.String()}
	}
	delete(b.allocations, ptr)
	b.bytesInUse -= uint64(len(alloc.data))
	b.stats.Frees++
	return nil
}

// Tag returns the tag the allocation at ptr was created with.
func (b *Backend) Tag(ptr backends.DevicePtr) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	alloc, found := b.allocations[ptr]
	if !found {
		return "", false
	}
	return alloc.tag, true
}

// locate returns the allocation holding [ptr, ptr+n) and the offset of ptr into it.
// It must be called with b.mu held.
func (b *Backend) locate(ptr backends.DevicePtr, n int) (*allocation, int, error) {
	for base, alloc := range b.allocations {
		if ptr < base || ptr >= base+backends.DevicePtr(len(alloc.data)) {
			continue
		}
		offset, err := safecast.Conv[int](uint64(ptr - base))
		if err != nil {
			return nil, 0, err
		}
		if offset+n > len(alloc.data) {
			return nil, 0, &backends.Error{Code: codeInvalidValue,
				Description: "access past the end of allocation " + base.String()}
		}
		return alloc, offset, nil
	}
	return nil, 0, &backends.Error{Code: codeInvalidValue, Description: "invalid device pointer " + ptr.String()}
}

// CopyToDevice implements backends.MemoryInterface.
func (b *Backend) CopyToDevice(dst backends.DevicePtr, src []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	alloc, offset, err := b.locate(dst, len(src))
	if err != nil {
		return err
	}
	copy(alloc.data[offset:], src)
	return nil
}

// CopyFromDevice implements backends.MemoryInterface.
func (b *Backend) CopyFromDevice(dst []byte, src backends.DevicePtr) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	alloc, offset, err := b.locate(src, len(dst))
	if err != nil {
		return err
	}
	copy(dst, alloc.data[offset:])
	return nil
}

// Synchronize implements backends.MemoryInterface. The simulated device executes nothing asynchronously.
func (b *Backend) Synchronize() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return errFinalized
	}
	b.stats.Synchronizations++
	return nil
}

// UnifyTags implements backends.MemoryInterface: it records the pair, see Unifications.
func (b *Backend) UnifyTags(lhs, rhs string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unifications = append(b.unifications, [2]string{lhs, rhs})
}

// Poke writes data into device memory, as a dispatched kernel would. Used by tests.
func (b *Backend) Poke(dst backends.DevicePtr, data []byte) error {
	return errors.WithMessagef(b.CopyToDevice(dst, data), "Poke(%s)", dst)
}

// Peek reads n bytes of device memory. Used by tests.
func (b *Backend) Peek(src backends.DevicePtr, n int) ([]byte, error) {
	data := make([]byte, n)
	if err := b.CopyFromDevice(data, src); err != nil {
		return nil, errors.WithMessagef(err, "Peek(%s)", src)
	}
	return data, nil
}
