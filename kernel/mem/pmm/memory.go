package pmm

import (
	"unsafe"

	"rvgopher/kernel"
	"rvgopher/kernel/kfmt"
	"rvgopher/kernel/mem"
)

const wordsPerPage = uint64(mem.PageSize) >> mem.PointerShift

var (
	errFrameOutOfRange = &kernel.Error{Module: "pmm", Message: "physical page outside of memory"}
)

// Memory is the physical RAM of the machine: a contiguous run of frames
// starting at a base page number.
type Memory struct {
	words  []uint64
	base   mem.PhysPageNum
	frames uint64
}

// NewMemory allocates frames zeroed frames starting at page number base.
func NewMemory(base mem.PhysPageNum, frames uint64) *Memory {
	return &Memory{
		words:  make([]uint64, frames*wordsPerPage),
		base:   base,
		frames: frames,
	}
}

// Base returns the page number of the first frame.
func (m *Memory) Base() mem.PhysPageNum { return m.base }

// End returns the page number following the last frame.
func (m *Memory) End() mem.PhysPageNum { return m.base + mem.PhysPageNum(m.frames) }

// Frames returns the number of frames in the arena.
func (m *Memory) Frames() uint64 { return m.frames }

// Contains reports whether ppn is backed by the arena.
func (m *Memory) Contains(ppn mem.PhysPageNum) bool {
	return ppn >= m.base && ppn < m.End()
}

// Words returns the frame at ppn as a slice of 512 words. Accessing a page
// outside the arena is a kernel bug.
func (m *Memory) Words(ppn mem.PhysPageNum) []uint64 {
	if !m.Contains(ppn) {
		kfmt.Panic(errFrameOutOfRange)
		return nil
	}

	start := uint64(ppn-m.base) * wordsPerPage
	return m.words[start : start+wordsPerPage : start+wordsPerPage]
}

// Bytes returns the frame at ppn as a byte slice. Words are stored in host
// byte order, which is little endian on every supported host and matches
// the simulated machine.
func (m *Memory) Bytes(ppn mem.PhysPageNum) []byte {
	words := m.Words(ppn)
	if words == nil {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), mem.PageSize)
}

// Zero clears the frame at ppn.
func (m *Memory) Zero(ppn mem.PhysPageNum) {
	clear(m.Words(ppn))
}

// Copy copies the contents of frame src into frame dst.
func (m *Memory) Copy(dst, src mem.PhysPageNum) {
	copy(m.Words(dst), m.Words(src))
}
