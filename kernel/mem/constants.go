package mem

import "math"

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uint64)).
	PointerShift = 3

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert an address to a page number (shift right by
	// PageShift) and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)

	// PAWidth and VAWidth are the SV39 physical and virtual address widths.
	PAWidth = 56
	VAWidth = 39

	// PPNWidth and VPNWidth are the widths of the page numbers derived from
	// PAWidth and VAWidth.
	PPNWidth = PAWidth - PageShift
	VPNWidth = VAWidth - PageShift

	// PageLevels is the depth of the page table tree and PageLevelBits the
	// number of VPN bits consumed by each level.
	PageLevels    = 3
	PageLevelBits = 9

	// EntriesPerTable is the number of PTEs stored in one page table node.
	EntriesPerTable = 1 << PageLevelBits
)

// Memory layout shared by every address space.
const (
	// Trampoline is the virtual address of the highest page. It holds the
	// trap entry/return code and is mapped at the same address in the
	// kernel and in every user address space.
	Trampoline = uint64(math.MaxUint64) - uint64(PageSize) + 1

	// TrapContext is the virtual address of the per-task trap frame page,
	// immediately below the trampoline.
	TrapContext = Trampoline - uint64(PageSize)

	// UserSpaceEnd bounds the lower half of the address space. User
	// segments, stacks and heaps live below it.
	UserSpaceEnd = uint64(1) << (VAWidth - 1)

	// PhysBasePPN is the first physical page number backed by RAM.
	PhysBasePPN = PhysPageNum(0x80000)
)

// KernelStackPosition returns the [bottom, top) virtual range of the kernel
// stack for pid. Stacks are stacked downwards from the trampoline and every
// stack is followed by an unmapped guard page.
func KernelStackPosition(pid uint64, stackSize Size) (bottom, top uint64) {
	top = Trampoline - pid*uint64(stackSize+PageSize)
	bottom = top - uint64(stackSize)
	return bottom, top
}
