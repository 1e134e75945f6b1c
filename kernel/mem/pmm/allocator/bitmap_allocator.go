// Package allocator provides the physical frame allocator used by the
// kernel.
package allocator

import (
	"math/bits"

	"rvgopher/kernel"
	"rvgopher/kernel/kfmt"
	"rvgopher/kernel/mem/pmm"
	"rvgopher/kernel/sync"
)

var (
	// ErrOutOfMemory is returned when every frame in the pool is reserved.
	ErrOutOfMemory = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory"}

	// ErrFrameNotReserved is returned when freeing a frame that is not
	// currently allocated or does not belong to the pool.
	ErrFrameNotReserved = &kernel.Error{Module: "bitmap_alloc", Message: "frame is not reserved"}
)

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame pmm.Frame

	// endFrame tracks the last frame in the pool.
	endFrame pmm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// uses it to fail fast without scanning the free bitmap.
	freeCount uint64

	// freeBitmap tracks used/free pages in the pool. A set bit marks a
	// reserved frame.
	freeBitmap []uint64

	// nextScan is the bitmap block where the next search starts.
	nextScan int
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations with a bitmap. Allocated frames are zeroed before they are
// handed out.
type BitmapAllocator struct {
	mem  *pmm.Memory
	pool framePool
	lock sync.Spinlock
}

// NewBitmapAllocator returns an allocator serving frames [start, end) of m.
func NewBitmapAllocator(m *pmm.Memory, start, end pmm.Frame) *BitmapAllocator {
	if start >= end || !m.Contains(start.PPN()) || !m.Contains((end - 1).PPN()) {
		kfmt.Panic(&kernel.Error{Module: "bitmap_alloc", Message: "frame range outside of memory"})
	}

	pageCount := uint64(end - start)
	alloc := &BitmapAllocator{
		mem: m,
		pool: framePool{
			startFrame: start,
			endFrame:   end - 1,
			freeCount:  pageCount,
			freeBitmap: make([]uint64, (pageCount+63)>>6),
		},
	}

	// Bits past the end of the pool are permanently reserved.
	if tail := pageCount & 63; tail != 0 {
		alloc.pool.freeBitmap[len(alloc.pool.freeBitmap)-1] = ^uint64(0) << tail
	}

	return alloc
}

// AllocFrame reserves the lowest free frame at or after the last allocation
// point, zeroes it and returns it.
func (alloc *BitmapAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	pool := &alloc.pool
	if pool.freeCount == 0 {
		return pmm.InvalidFrame, ErrOutOfMemory
	}

	blocks := len(pool.freeBitmap)
	for i := 0; i < blocks; i++ {
		block := (pool.nextScan + i) % blocks
		if pool.freeBitmap[block] == ^uint64(0) {
			continue
		}

		bit := bits.TrailingZeros64(^pool.freeBitmap[block])
		pool.freeBitmap[block] |= 1 << bit
		pool.freeCount--
		pool.nextScan = block

		frame := pool.startFrame + pmm.Frame(block<<6+bit)
		alloc.mem.Zero(frame.PPN())
		return frame, nil
	}

	return pmm.InvalidFrame, ErrOutOfMemory
}

// FreeFrame returns frame to the pool.
func (alloc *BitmapAllocator) FreeFrame(frame pmm.Frame) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	pool := &alloc.pool
	if frame < pool.startFrame || frame > pool.endFrame {
		return ErrFrameNotReserved
	}

	rel := uint64(frame - pool.startFrame)
	block, mask := rel>>6, uint64(1)<<(rel&63)
	if pool.freeBitmap[block]&mask == 0 {
		return ErrFrameNotReserved
	}

	pool.freeBitmap[block] &^= mask
	pool.freeCount++
	return nil
}

// FreeCount returns the number of frames that can still be allocated.
func (alloc *BitmapAllocator) FreeCount() uint64 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	return alloc.pool.freeCount
}

// TotalFrames returns the size of the pool in frames.
func (alloc *BitmapAllocator) TotalFrames() uint64 {
	return uint64(alloc.pool.endFrame-alloc.pool.startFrame) + 1
}
