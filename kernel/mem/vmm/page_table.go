package vmm

import (
	"rvgopher/kernel"
	"rvgopher/kernel/mem"
	"rvgopher/kernel/mem/pmm"
)

const (
	satpModeShift = 60
	satpModeSV39  = uint64(8)
	satpPPNMask   = (uint64(1) << mem.PPNWidth) - 1
)

var (
	// ErrDuplicateMapping is returned by Map when the page is already mapped.
	ErrDuplicateMapping = &kernel.Error{Module: "vmm", Message: "virtual page is already mapped"}

	// ErrNotMapped is returned by Unmap when the page has no valid mapping.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual page is not mapped"}

	// ErrNoMapping is returned when translating an address that has no
	// leaf mapping.
	ErrNoMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}
)

// PageTable is a 3-level SV39 page table. It owns the root frame and every
// interior frame it allocates; leaf frames belong to the caller.
type PageTable struct {
	mem    *pmm.Memory
	alloc  pmm.FrameAllocator
	root   mem.PhysPageNum
	frames []pmm.Frame
}

// NewPageTable allocates an empty root table.
func NewPageTable(m *pmm.Memory, alloc pmm.FrameAllocator) (*PageTable, *kernel.Error) {
	frame, err := alloc.AllocFrame()
	if err != nil {
		return nil, err
	}

	return &PageTable{
		mem:    m,
		alloc:  alloc,
		root:   frame.PPN(),
		frames: []pmm.Frame{frame},
	}, nil
}

// FromToken returns a view of the table whose root is encoded in the satp
// value token. The view owns no frames and can only be used for lookups.
func FromToken(m *pmm.Memory, token uint64) *PageTable {
	return &PageTable{
		mem:  m,
		root: mem.PhysPageNum(token & satpPPNMask),
	}
}

// Token returns the satp value that activates this table.
func (pt *PageTable) Token() uint64 {
	return satpModeSV39<<satpModeShift | uint64(pt.root)
}

// Root returns the page number of the root table.
func (pt *PageTable) Root() mem.PhysPageNum { return pt.root }

// Frames returns the frames owned by the table, root first.
func (pt *PageTable) Frames() []pmm.Frame {
	return append([]pmm.Frame(nil), pt.frames...)
}

// find returns the leaf entry for vpn. When create is set, missing interior
// tables are allocated on the way down; otherwise a missing interior table
// results in ErrNoMapping. The returned leaf may be invalid.
func (pt *PageTable) find(vpn mem.VirtPageNum, create bool) (*PageTableEntry, *kernel.Error) {
	var (
		leaf *PageTableEntry
		err  *kernel.Error
	)

	walk(pt.mem, pt.root, vpn, func(level uint8, pte *PageTableEntry) bool {
		if level == mem.PageLevels-1 {
			leaf = pte
			return true
		}

		if pte.IsValid() {
			return true
		}

		if !create || pt.alloc == nil {
			err = ErrNoMapping
			return false
		}

		var frame pmm.Frame
		if frame, err = pt.alloc.AllocFrame(); err != nil {
			return false
		}

		*pte = NewPTE(frame.PPN(), FlagValid)
		pt.frames = append(pt.frames, frame)
		return true
	})

	return leaf, err
}

// Map installs a leaf mapping vpn -> ppn with flags|FlagValid.
func (pt *PageTable) Map(vpn mem.VirtPageNum, ppn mem.PhysPageNum, flags PageTableEntryFlag) *kernel.Error {
	pte, err := pt.find(vpn, true)
	if err != nil {
		return err
	}

	if pte.IsValid() {
		return ErrDuplicateMapping
	}

	*pte = NewPTE(ppn, flags|FlagValid)
	return nil
}

// Unmap clears the leaf mapping for vpn.
func (pt *PageTable) Unmap(vpn mem.VirtPageNum) *kernel.Error {
	pte, err := pt.find(vpn, false)
	if err != nil || !pte.IsValid() {
		return ErrNotMapped
	}

	*pte = 0
	return nil
}

// Lookup returns a pointer to the valid leaf entry for vpn so that callers
// can update its accessed and dirty bits.
func (pt *PageTable) Lookup(vpn mem.VirtPageNum) (*PageTableEntry, *kernel.Error) {
	pte, err := pt.find(vpn, false)
	if err != nil || !pte.IsValid() {
		return nil, ErrNoMapping
	}
	return pte, nil
}

// Translate returns the leaf entry for vpn.
func (pt *PageTable) Translate(vpn mem.VirtPageNum) (PageTableEntry, *kernel.Error) {
	pte, err := pt.Lookup(vpn)
	if err != nil {
		return 0, err
	}
	return *pte, nil
}

// TranslateVA returns the physical address that va maps to.
func (pt *PageTable) TranslateVA(va mem.VirtAddr) (mem.PhysAddr, *kernel.Error) {
	pte, err := pt.Translate(va.Floor())
	if err != nil {
		return 0, err
	}
	return mem.PhysAddr(uint64(pte.PPN().Addr()) + va.PageOffset()), nil
}

// Destroy releases every frame owned by the table. The table must not be
// used afterwards.
func (pt *PageTable) Destroy() {
	for _, frame := range pt.frames {
		_ = pt.alloc.FreeFrame(frame)
	}
	pt.frames = nil
}
