// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"fmt"

	"github.com/gomlx/accelrt/backends"
	"github.com/gomlx/accelrt/pkg/support/sets"
)

// Block is a region of device memory: its handle, size in bytes and the tag (provenance label) it is
// currently associated with.
type Block struct {
	Ptr  backends.DevicePtr
	Size uint64
	Tag  string
}

// String implements fmt.Stringer.
func (b Block) String() string {
	return fmt.Sprintf("%s[%d bytes, tag %q]", b.Ptr, b.Size, b.Tag)
}

// FreeList holds blocks that were freed by their users but not returned to the device.
//
// Blocks are kept in insertion order, which is also the eviction order: the oldest block is the first one
// evicted. There are no size classes, a block of any size and tag may be in the list.
type FreeList struct {
	blocks []Block
}

// Len returns the number of blocks in the list.
func (fl *FreeList) Len() int {
	return len(fl.blocks)
}

// Bytes returns the total size of the blocks in the list.
func (fl *FreeList) Bytes() uint64 {
	var total uint64
	for _, b := range fl.blocks {
		total += b.Size
	}
	return total
}

// Blocks returns a copy of the blocks in the list, oldest first.
func (fl *FreeList) Blocks() []Block {
	return append([]Block(nil), fl.blocks...)
}

// Insert block as the newest entry.
func (fl *FreeList) Insert(block Block) {
	fl.blocks = append(fl.blocks, block)
}

// remove entry at index ii, preserving the order of the others.
func (fl *FreeList) remove(ii int) Block {
	block := fl.blocks[ii]
	copy(fl.blocks[ii:], fl.blocks[ii+1:])
	fl.blocks = fl.blocks[:len(fl.blocks)-1]
	return block
}

// FirstWithTag removes and returns the oldest block with the given tag.
func (fl *FreeList) FirstWithTag(tag string) (Block, bool) {
	for ii, b := range fl.blocks {
		if b.Tag == tag {
			return fl.remove(ii), true
		}
	}
	return Block{}, false
}

// BestFit removes and returns the smallest block of at least minSize bytes, the oldest among equals.
func (fl *FreeList) BestFit(minSize uint64) (Block, bool) {
	best := -1
	for ii, b := range fl.blocks {
		if b.Size >= minSize && (best == -1 || b.Size < fl.blocks[best].Size) {
			best = ii
		}
	}
	if best == -1 {
		return Block{}, false
	}
	return fl.remove(best), true
}

// PopOldest removes and returns the oldest block.
func (fl *FreeList) PopOldest() (Block, bool) {
	if len(fl.blocks) == 0 {
		return Block{}, false
	}
	return fl.remove(0), true
}

// Pack removes duplicate entries for the same device handle (keeping the oldest) and releases the spare
// capacity of the underlying storage.
func (fl *FreeList) Pack() {
	seen := sets.Make[backends.DevicePtr](len(fl.blocks))
	packed := make([]Block, 0, len(fl.blocks))
	for _, b := range fl.blocks {
		if !seen.Add(b.Ptr) {
			continue
		}
		packed = append(packed, b)
	}
	fl.blocks = packed
}
