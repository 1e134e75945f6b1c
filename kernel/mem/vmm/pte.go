package vmm

import (
	"rvgopher/kernel/mem"
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint8

// SV39 page table entry flags.
const (
	FlagValid PageTableEntryFlag = 1 << iota
	FlagRead
	FlagWrite
	FlagExecute
	FlagUser
	FlagGlobal
	FlagAccessed
	FlagDirty
)

const (
	ptePPNShift = 10
	ptePPNMask  = (uint64(1) << mem.PPNWidth) - 1
	pteFlagMask = uint64(0xff)
)

// PageTableEntry is one slot of a page table node: a 44-bit physical page
// number at bit 10 and 8 flag bits.
type PageTableEntry uint64

// NewPTE returns an entry pointing at ppn with the given flags.
func NewPTE(ppn mem.PhysPageNum, flags PageTableEntryFlag) PageTableEntry {
	return PageTableEntry((uint64(ppn)&ptePPNMask)<<ptePPNShift | uint64(flags))
}

// PPN returns the physical page number that this entry points to.
func (pte PageTableEntry) PPN() mem.PhysPageNum {
	return mem.PhysPageNum((uint64(pte) >> ptePPNShift) & ptePPNMask)
}

// Flags returns the flag bits of the entry.
func (pte PageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uint64(pte) & pteFlagMask)
}

// HasFlags returns true if this entry has all the input flags set.
func (pte PageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return pte.Flags()&flags == flags
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *PageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte |= PageTableEntry(flags)
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *PageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte &^= PageTableEntry(flags)
}

// IsValid reports whether the entry is in use.
func (pte PageTableEntry) IsValid() bool { return pte.HasFlags(FlagValid) }

// Readable reports whether the entry allows loads.
func (pte PageTableEntry) Readable() bool { return pte.HasFlags(FlagRead) }

// Writable reports whether the entry allows stores.
func (pte PageTableEntry) Writable() bool { return pte.HasFlags(FlagWrite) }

// Executable reports whether the entry allows instruction fetches.
func (pte PageTableEntry) Executable() bool { return pte.HasFlags(FlagExecute) }

// String renders the flags as "VRWXUGAD" with '-' for cleared bits.
func (f PageTableEntryFlag) String() string {
	const names = "VRWXUGAD"
	var buf [8]byte
	for i := 0; i < 8; i++ {
		if f&(1<<i) != 0 {
			buf[i] = names[i]
		} else {
			buf[i] = '-'
		}
	}
	return string(buf[:])
}
