// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package memory implements the device memory allocator of an execution context.
//
// Freed blocks are not returned to the device: they are kept in a FreeList and reused by later allocations,
// preferably by allocations with the same tag. Memory only goes back to the device in bulk (ReleaseAll), when a
// same-tag block turns out too small, or when the device runs out of memory and free blocks are evicted to make
// room.
//
// The Allocator is not safe for concurrent use: an execution context is driven by one goroutine at a time.
package memory

import (
	"github.com/gomlx/accelrt/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MinAllocSize is the smallest allocation requested from the device: smaller requests are rounded up.
const MinAllocSize = 4

// ErrOutOfMemory is matched (errors.Is) by the error returned by Allocate when the device is out of memory
// even after the free list was emptied.
var ErrOutOfMemory = backends.ErrOutOfMemory

// DeviceError is a failure of the device while allocating or freeing memory, other than out-of-memory.
// It indicates a corrupted driver state, and it is not recoverable.
type DeviceError struct {
	Op    string
	Block Block
	Err   error
}

// Error implements the error interface.
func (e *DeviceError) Error() string {
	return e.Op + " " + e.Block.String() + ": " + e.Err.Error()
}

// Unwrap returns the backend error.
func (e *DeviceError) Unwrap() error {
	return e.Err
}

// EventKind classifies the allocator events reported to an EventFunc.
type EventKind int

const (
	// EventReuse is a request satisfied from the free list.
	EventReuse EventKind = iota
	// EventFresh is a request satisfied by a new device allocation.
	EventFresh
	// EventUndersizeEviction is a same-tag free block released because it was too small for the request.
	EventUndersizeEviction
	// EventPressureEviction is the oldest free block released because the device ran out of memory.
	EventPressureEviction
	// EventRelease is a free block released by ReleaseAll.
	EventRelease
	// EventFree is a block returned to the free list by its user.
	EventFree
)

var eventKindNames = [...]string{"reuse", "fresh", "undersize_eviction", "pressure_eviction", "release", "free"}

// String implements fmt.Stringer.
func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventKindNames) {
		return "unknown"
	}
	return eventKindNames[k]
}

// EventFunc is called by the Allocator for every event, with the block involved.
type EventFunc func(kind EventKind, block Block)

// Stats of an Allocator.
type Stats struct {
	FreshAllocations    int
	Reuses              int
	CrossTagReuses      int
	UndersizeEvictions  int
	PressureEvictions   int
	Releases            int
	BytesInUse          uint64
	PeakBytesInUse      uint64
	BytesInFreeList     uint64
	BlocksInFreeList    int
	DeviceBytesReserved uint64
}

// Allocator of device memory backed by a FreeList.
type Allocator struct {
	mem     backends.MemoryInterface
	free    FreeList
	stats   Stats
	onEvent EventFunc

	// reserved is the number of bytes currently allocated from the device by this allocator, lent out or free.
	reserved uint64
}

// New creates an Allocator over the given device memory.
func New(mem backends.MemoryInterface) *Allocator {
	return &Allocator{mem: mem}
}

// SetEventFunc registers fn to be called on every allocator event. nil disables it.
func (a *Allocator) SetEventFunc(fn EventFunc) {
	a.onEvent = fn
}

func (a *Allocator) event(kind EventKind, block Block) {
	if a.onEvent != nil {
		a.onEvent(kind, block)
	}
}

// FreeList returns the allocator's free list. It must not be modified.
func (a *Allocator) FreeList() *FreeList {
	return &a.free
}

// Stats returns a snapshot of the allocator statistics.
func (a *Allocator) Stats() Stats {
	s := a.stats
	s.BytesInFreeList = a.free.Bytes()
	s.BlocksInFreeList = a.free.Len()
	s.DeviceBytesReserved = a.reserved
	return s
}

// Allocate a block of at least minSize bytes, tagged with tag.
//
// The free list is searched first, oldest blocks first: a block with the same tag is reused if large enough,
// otherwise it is released to the device and the search continues. Failing that, the smallest free block of
// any tag that is large enough is reused. Reuses report the (tag, block tag) pair to the device's UnifyTags.
//
// Otherwise exactly minSize bytes are allocated from the device. If the device is out of memory, the oldest
// free block is released and the allocation retried, until it succeeds or the free list is empty -- in which
// case the returned error matches ErrOutOfMemory. Other device failures are returned as *DeviceError.
func (a *Allocator) Allocate(minSize uint64, tag string) (Block, error) {
	if minSize < MinAllocSize {
		minSize = MinAllocSize
	}

	for {
		block, found := a.free.FirstWithTag(tag)
		if !found {
			break
		}
		if block.Size >= minSize {
			klog.V(2).Infof("memory: reusing free block %s for %d bytes", block, minSize)
			return a.lend(block, tag), nil
		}
		klog.V(2).Infof("memory: free block %s too small for %d bytes, releasing it", block, minSize)
		if err := a.release(block); err != nil {
			return Block{}, err
		}
		a.stats.UndersizeEvictions++
		a.event(EventUndersizeEviction, block)
	}
	if block, found := a.free.BestFit(minSize); found {
		klog.V(2).Infof("memory: reusing free block %s for %d bytes of tag %q", block, minSize, tag)
		a.stats.CrossTagReuses++
		return a.lend(block, tag), nil
	}

	block := Block{Size: minSize, Tag: tag}
	var err error
	evicted := 0
	for {
		block.Ptr, err = a.mem.Alloc(minSize, tag)
		if err == nil {
			break
		}
		if !errors.Is(err, backends.ErrOutOfMemory) {
			return Block{}, &DeviceError{Op: "alloc", Block: block, Err: err}
		}
		oldest, found := a.free.PopOldest()
		if !found {
			return Block{}, errors.Wrapf(err, "allocating %d bytes for tag %q (%d free blocks evicted)",
				minSize, tag, evicted)
		}
		klog.V(1).Infof("memory: out of device memory allocating %d bytes, evicting %s", minSize, oldest)
		if err := a.release(oldest); err != nil {
			return Block{}, err
		}
		evicted++
		a.stats.PressureEvictions++
		a.event(EventPressureEviction, oldest)
	}
	a.reserved += block.Size
	a.stats.FreshAllocations++
	a.use(block.Size)
	a.event(EventFresh, block)
	klog.V(2).Infof("memory: allocated fresh block %s", block)
	return block, nil
}

// lend a block taken from the free list to the caller.
func (a *Allocator) lend(block Block, tag string) Block {
	a.mem.UnifyTags(tag, block.Tag)
	lent := Block{Ptr: block.Ptr, Size: block.Size, Tag: tag}
	a.stats.Reuses++
	a.use(block.Size)
	a.event(EventReuse, lent)
	return lent
}

func (a *Allocator) use(size uint64) {
	a.stats.BytesInUse += size
	a.stats.PeakBytesInUse = max(a.stats.PeakBytesInUse, a.stats.BytesInUse)
}

// release block to the device.
func (a *Allocator) release(block Block) error {
	if err := a.mem.Free(block.Ptr); err != nil {
		return &DeviceError{Op: "free", Block: block, Err: err}
	}
	a.reserved -= min(a.reserved, block.Size)
	return nil
}

// Free returns a block to the free list, under the given tag (it needs not be the tag it was allocated with).
// The memory is not returned to the device.
func (a *Allocator) Free(ptr backends.DevicePtr, size uint64, tag string) {
	block := Block{Ptr: ptr, Size: size, Tag: tag}
	a.free.Insert(block)
	a.stats.BytesInUse -= min(a.stats.BytesInUse, size)
	a.event(EventFree, block)
}

// FreeBlock is a shortcut to Free(block.Ptr, block.Size, block.Tag).
func (a *Allocator) FreeBlock(block Block) {
	a.Free(block.Ptr, block.Size, block.Tag)
}

// ReleaseAll returns every block in the free list to the device, one at a time.
//
// It stops at the first device failure, leaving the remaining blocks in the free list.
func (a *Allocator) ReleaseAll() error {
	a.free.Pack()
	for {
		block, found := a.free.PopOldest()
		if !found {
			return nil
		}
		if err := a.release(block); err != nil {
			return err
		}
		a.stats.Releases++
		a.event(EventRelease, block)
	}
}
