package vmm

import (
	"unsafe"

	"rvgopher/kernel/mem"
	"rvgopher/kernel/mem/pmm"
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
// Level 0 is the root table and level mem.PageLevels-1 holds the leaves.
type pageTableWalker func(level uint8, pte *PageTableEntry) bool

// entryAt returns a pointer to entry index of the table stored in frame ppn.
func entryAt(m *pmm.Memory, ppn mem.PhysPageNum, index uint64) *PageTableEntry {
	return (*PageTableEntry)(unsafe.Pointer(&m.Words(ppn)[index]))
}

// walk visits the entry that corresponds to vpn at each level of the table
// rooted at root. After the callback returns, the walk descends into the
// table the entry points to, so a callback may install a missing interior
// entry before the walk follows it.
func walk(m *pmm.Memory, root mem.PhysPageNum, vpn mem.VirtPageNum, walkFn pageTableWalker) {
	var (
		indexes = vpn.Indexes()
		table   = root
	)

	for level := uint8(0); level < mem.PageLevels; level++ {
		pte := entryAt(m, table, indexes[level])
		if !walkFn(level, pte) {
			return
		}
		table = pte.PPN()
	}
}
