// Package pmm models physical memory. RAM is a word arena indexed by
// physical page number; every typed view of a frame (page table node, trap
// frame, raw bytes) is derived from Memory.Words, the single place where a
// page number is checked against the arena bounds before it is
// reinterpreted.
package pmm

import (
	"math"

	"rvgopher/kernel"
	"rvgopher/kernel/mem"
)

// Frame describes a physical memory page index.
type Frame uint64

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// PPN returns the physical page number of the frame.
func (f Frame) PPN() mem.PhysPageNum {
	return mem.PhysPageNum(f)
}

// Address returns the physical address of the first byte of the frame.
func (f Frame) Address() mem.PhysAddr {
	return f.PPN().Addr()
}

// FrameFromPPN returns the frame backing ppn.
func FrameFromPPN(ppn mem.PhysPageNum) Frame {
	return Frame(ppn)
}

// FrameAllocator is implemented by physical frame allocators. Allocated
// frames are zeroed. A frame stays reserved until it is explicitly returned
// with FreeFrame by its single owner.
type FrameAllocator interface {
	AllocFrame() (Frame, *kernel.Error)
	FreeFrame(Frame) *kernel.Error
}
