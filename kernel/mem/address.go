// Package mem defines the SV39 address and page number types, the page
// geometry and the fixed memory layout shared by all address spaces.
package mem

import "rvgopher/kernel"

var (
	// ErrUnaligned is returned when a page number is requested for an
	// address that does not sit on a page boundary.
	ErrUnaligned = &kernel.Error{Module: "mem", Message: "address is not page-aligned"}
)

const (
	paMask  = (uint64(1) << PAWidth) - 1
	vaMask  = (uint64(1) << VAWidth) - 1
	ppnMask = (uint64(1) << PPNWidth) - 1
	vpnMask = (uint64(1) << VPNWidth) - 1

	offsetMask = uint64(PageSize) - 1
	indexMask  = uint64(EntriesPerTable) - 1
)

// PhysAddr is a 56-bit physical byte address.
type PhysAddr uint64

// VirtAddr is a 39-bit virtual byte address.
type VirtAddr uint64

// PhysPageNum is a 44-bit physical page number.
type PhysPageNum uint64

// VirtPageNum is a 27-bit virtual page number.
type VirtPageNum uint64

// NewPhysAddr masks v to the physical address width.
func NewPhysAddr(v uint64) PhysAddr { return PhysAddr(v & paMask) }

// NewVirtAddr masks v to the virtual address width. Canonical high-half
// addresses such as Trampoline lose their sign-extension bits; Uint64
// restores them.
func NewVirtAddr(v uint64) VirtAddr { return VirtAddr(v & vaMask) }

// NewPhysPageNum masks v to the physical page number width.
func NewPhysPageNum(v uint64) PhysPageNum { return PhysPageNum(v & ppnMask) }

// NewVirtPageNum masks v to the virtual page number width.
func NewVirtPageNum(v uint64) VirtPageNum { return VirtPageNum(v & vpnMask) }

// Uint64 widens the address to 64 bits. Addresses with bit 38 set are
// sign-extended so that the upper half of the address space maps to the
// top of the 64-bit range.
func (va VirtAddr) Uint64() uint64 {
	if uint64(va)&(1<<(VAWidth-1)) != 0 {
		return uint64(va) | ^vaMask
	}
	return uint64(va)
}

// PageOffset returns the offset of va inside its page.
func (va VirtAddr) PageOffset() uint64 { return uint64(va) & offsetMask }

// Aligned reports whether va sits on a page boundary.
func (va VirtAddr) Aligned() bool { return va.PageOffset() == 0 }

// Floor returns the number of the page containing va.
func (va VirtAddr) Floor() VirtPageNum { return VirtPageNum(uint64(va) >> PageShift) }

// Ceil returns the number of the first page starting at or after va.
func (va VirtAddr) Ceil() VirtPageNum {
	if va == 0 {
		return 0
	}
	return VirtPageNum((uint64(va) - 1 + uint64(PageSize)) >> PageShift)
}

// PageNum converts a page-aligned address to its page number.
func (va VirtAddr) PageNum() (VirtPageNum, *kernel.Error) {
	if !va.Aligned() {
		return 0, ErrUnaligned
	}
	return va.Floor(), nil
}

// PageOffset returns the offset of pa inside its frame.
func (pa PhysAddr) PageOffset() uint64 { return uint64(pa) & offsetMask }

// Aligned reports whether pa sits on a page boundary.
func (pa PhysAddr) Aligned() bool { return pa.PageOffset() == 0 }

// Floor returns the number of the frame containing pa.
func (pa PhysAddr) Floor() PhysPageNum { return PhysPageNum(uint64(pa) >> PageShift) }

// Ceil returns the number of the first frame starting at or after pa.
func (pa PhysAddr) Ceil() PhysPageNum {
	if pa == 0 {
		return 0
	}
	return PhysPageNum((uint64(pa) - 1 + uint64(PageSize)) >> PageShift)
}

// PageNum converts a page-aligned physical address to its page number.
func (pa PhysAddr) PageNum() (PhysPageNum, *kernel.Error) {
	if !pa.Aligned() {
		return 0, ErrUnaligned
	}
	return pa.Floor(), nil
}

// Addr returns the address of the first byte of the page.
func (vpn VirtPageNum) Addr() VirtAddr { return VirtAddr(uint64(vpn) << PageShift) }

// Indexes splits vpn into its per-level page table indices, root level
// first.
func (vpn VirtPageNum) Indexes() [PageLevels]uint64 {
	var (
		idx [PageLevels]uint64
		v   = uint64(vpn)
	)
	for level := PageLevels - 1; level >= 0; level-- {
		idx[level] = v & indexMask
		v >>= PageLevelBits
	}
	return idx
}

// Addr returns the address of the first byte of the frame.
func (ppn PhysPageNum) Addr() PhysAddr { return PhysAddr(uint64(ppn) << PageShift) }
