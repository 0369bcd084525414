package shm

import (
	"fmt"
	"sort"
	"sync"
)

// Sentinel is the offset returned by Allocate when no free block is large
// enough to satisfy the request.
const Sentinel = ^uint64(0)

type freeBlock struct {
	offset uint64
	size   uint64
}

// Allocator is a best-fit allocator over a fixed-size byte range (a
// Region's read-direction buffer). It tracks every outstanding allocation
// so that Deallocate can catch double-frees and unknown offsets, which
// would otherwise silently corrupt the free list.
type Allocator struct {
	mu        sync.Mutex
	capacity  uint64
	free      []freeBlock // sorted by offset, no two entries adjacent
	allocated map[uint64]uint64
}

// NewAllocator creates a best-fit allocator over [0, capacity).
func NewAllocator(capacity uint64) *Allocator {
	return &Allocator{
		capacity:  capacity,
		free:      []freeBlock{{offset: 0, size: capacity}},
		allocated: make(map[uint64]uint64),
	}
}

// Allocate reserves size bytes from the best-fitting free block (the
// smallest free block that is still large enough), splitting it if
// bytes remain. Returns Sentinel if no block fits.
func (a *Allocator) Allocate(size uint64) uint64 {
	if size == 0 {
		return Sentinel
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	best := -1
	for i, b := range a.free {
		if b.size < size {
			continue
		}
		if best == -1 || b.size < a.free[best].size {
			best = i
		}
	}
	if best == -1 {
		return Sentinel
	}

	block := a.free[best]
	offset := block.offset

	if block.size == size {
		a.free = append(a.free[:best], a.free[best+1:]...)
	} else {
		a.free[best] = freeBlock{offset: offset + size, size: block.size - size}
	}

	a.allocated[offset] = size
	return offset
}

// Deallocate returns the block at offset to the free list, coalescing
// with adjacent free blocks. Returns an error if offset was never
// allocated or has already been deallocated — every allocated offset must
// be deallocated exactly once.
func (a *Allocator) Deallocate(offset uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	size, ok := a.allocated[offset]
	if !ok {
		return fmt.Errorf("shm: deallocate unknown or already-freed offset %d", offset)
	}
	delete(a.allocated, offset)

	idx := sort.Search(len(a.free), func(i int) bool { return a.free[i].offset >= offset })
	a.free = append(a.free, freeBlock{})
	copy(a.free[idx+1:], a.free[idx:])
	a.free[idx] = freeBlock{offset: offset, size: size}

	a.coalesce(idx)
	return nil
}

// coalesce merges the block at idx with its immediate neighbors if they
// are contiguous, walking outward until no further merge applies.
func (a *Allocator) coalesce(idx int) {
	if idx+1 < len(a.free) {
		cur := a.free[idx]
		next := a.free[idx+1]
		if cur.offset+cur.size == next.offset {
			a.free[idx] = freeBlock{offset: cur.offset, size: cur.size + next.size}
			a.free = append(a.free[:idx+1], a.free[idx+2:]...)
		}
	}
	if idx > 0 {
		prev := a.free[idx-1]
		cur := a.free[idx]
		if prev.offset+prev.size == cur.offset {
			a.free[idx-1] = freeBlock{offset: prev.offset, size: prev.size + cur.size}
			a.free = append(a.free[:idx], a.free[idx+1:]...)
		}
	}
}

// Outstanding returns the number of allocations not yet deallocated.
func (a *Allocator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocated)
}

// FreeBytes returns the total bytes currently available to Allocate.
func (a *Allocator) FreeBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uint64
	for _, b := range a.free {
		total += b.size
	}
	return total
}
