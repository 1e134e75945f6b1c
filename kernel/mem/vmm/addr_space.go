package vmm

import (
	"debug/elf"

	"github.com/google/btree"

	"rvgopher/kernel"
	"rvgopher/kernel/loader"
	"rvgopher/kernel/mem"
	"rvgopher/kernel/mem/pmm"
)

const areaTreeDegree = 8

var (
	// ErrRegionOverlap is returned when inserting an area that overlaps an
	// existing one.
	ErrRegionOverlap = &kernel.Error{Module: "vmm", Message: "region overlaps an existing mapping"}

	// ErrNoSuchArea is returned when removing an area that does not exist.
	ErrNoSuchArea = &kernel.Error{Module: "vmm", Message: "no area starts at the requested page"}

	// ErrBadBreak is returned when the program break would move below the
	// heap bottom or into the next area.
	ErrBadBreak = &kernel.Error{Module: "vmm", Message: "invalid program break"}
)

// Physical bundles the physical resources every address space draws from.
type Physical struct {
	Mem    *pmm.Memory
	Frames pmm.FrameAllocator

	// Trampoline is the frame mapped at mem.Trampoline in every address
	// space. No address space owns it.
	Trampoline pmm.Frame
}

// AddressSpace is a page table plus the set of non-overlapping areas mapped
// through it. It owns the frames backing framed areas and, through its
// page table, every interior table frame.
type AddressSpace struct {
	phys  *Physical
	table *PageTable
	areas *btree.BTreeG[*MapArea]

	heapBottom uint64
	brk        uint64
}

func areaLess(a, b *MapArea) bool { return a.start < b.start }

// NewAddressSpace returns an address space with an empty page table.
func NewAddressSpace(phys *Physical) (*AddressSpace, *kernel.Error) {
	table, err := NewPageTable(phys.Mem, phys.Frames)
	if err != nil {
		return nil, err
	}

	return &AddressSpace{
		phys:  phys,
		table: table,
		areas: btree.NewG[*MapArea](areaTreeDegree, areaLess),
	}, nil
}

// NewKernelSpace builds the kernel address space: the trampoline plus an
// identity mapping of physical memory.
func NewKernelSpace(phys *Physical) (*AddressSpace, *kernel.Error) {
	as, err := NewAddressSpace(phys)
	if err != nil {
		return nil, err
	}

	if err = as.mapTrampoline(); err != nil {
		as.Destroy()
		return nil, err
	}

	area := NewMapArea(
		mem.NewVirtAddr(uint64(phys.Mem.Base().Addr())),
		mem.NewVirtAddr(uint64(phys.Mem.End().Addr())),
		MapIdentical,
		PermRead|PermWrite,
	)
	if err = as.Insert(area, nil); err != nil {
		as.Destroy()
		return nil, err
	}

	return as, nil
}

// FromImage builds a user address space from an ELF image. Every loadable
// segment is mapped with user access, followed by a guard page, the user
// stack, an empty heap and the trap context page. It returns the initial
// user stack pointer and the entry point.
func FromImage(phys *Physical, image []byte, userStackSize mem.Size) (*AddressSpace, uint64, uint64, *kernel.Error) {
	img, err := loader.Parse(image)
	if err != nil {
		return nil, 0, 0, err
	}

	as, err := NewAddressSpace(phys)
	if err != nil {
		return nil, 0, 0, err
	}

	if err = as.build(img, userStackSize); err != nil {
		as.Destroy()
		return nil, 0, 0, err
	}

	return as, as.heapBottom, img.Entry, nil
}

func (as *AddressSpace) build(img *loader.Image, userStackSize mem.Size) *kernel.Error {
	if err := as.mapTrampoline(); err != nil {
		return err
	}

	var maxEnd mem.VirtPageNum
	for _, seg := range img.Segments {
		startVA := mem.NewVirtAddr(seg.Vaddr)
		perm := PermUser
		if seg.Flags&elf.PF_R != 0 {
			perm |= PermRead
		}
		if seg.Flags&elf.PF_W != 0 {
			perm |= PermWrite
		}
		if seg.Flags&elf.PF_X != 0 {
			perm |= PermExecute
		}

		area := NewMapArea(startVA, mem.NewVirtAddr(seg.Vaddr+seg.Memsz), MapFramed, perm)
		if err := as.insert(area, startVA.PageOffset(), seg.Data); err != nil {
			return err
		}
		if area.end > maxEnd {
			maxEnd = area.end
		}
	}

	// One unmapped guard page separates the image from the stack.
	stackBottom := uint64(maxEnd.Addr()) + uint64(mem.PageSize)
	stackTop := stackBottom + uint64(userStackSize)
	if stackTop > mem.UserSpaceEnd {
		return loader.ErrBadSegment
	}
	if err := as.InsertFramedArea(mem.NewVirtAddr(stackBottom), mem.NewVirtAddr(stackTop), PermRead|PermWrite|PermUser); err != nil {
		return err
	}

	if err := as.InsertFramedArea(mem.NewVirtAddr(stackTop), mem.NewVirtAddr(stackTop), PermRead|PermWrite|PermUser); err != nil {
		return err
	}
	as.heapBottom, as.brk = stackTop, stackTop

	return as.InsertFramedArea(mem.NewVirtAddr(mem.TrapContext), mem.NewVirtAddr(mem.Trampoline), PermRead|PermWrite)
}

// FromExisting returns an eager copy of src: same areas and permissions,
// new frames holding the same contents.
func FromExisting(src *AddressSpace) (*AddressSpace, *kernel.Error) {
	as, err := NewAddressSpace(src.phys)
	if err != nil {
		return nil, err
	}

	if err = as.mapTrampoline(); err != nil {
		as.Destroy()
		return nil, err
	}

	src.areas.Ascend(func(area *MapArea) bool {
		dup := area.cloneEmpty()
		if err = as.Insert(dup, nil); err != nil {
			return false
		}

		if area.mapType == MapFramed {
			for vpn, frame := range area.frames {
				as.phys.Mem.Copy(dup.frames[vpn].PPN(), frame.PPN())
			}
		}
		return true
	})
	if err != nil {
		as.Destroy()
		return nil, err
	}

	as.heapBottom, as.brk = src.heapBottom, src.brk
	return as, nil
}

func (as *AddressSpace) mapTrampoline() *kernel.Error {
	return as.table.Map(
		mem.NewVirtAddr(mem.Trampoline).Floor(),
		as.phys.Trampoline.PPN(),
		FlagRead|FlagExecute|FlagGlobal,
	)
}

// overlaps reports whether [start, end) intersects an existing area.
func (as *AddressSpace) overlaps(start, end mem.VirtPageNum) bool {
	var (
		probe   = &MapArea{start: start}
		overlap bool
	)

	as.areas.DescendLessOrEqual(probe, func(a *MapArea) bool {
		overlap = a.start == start || a.end > start
		return false
	})
	if overlap {
		return true
	}

	as.areas.AscendGreaterOrEqual(probe, func(a *MapArea) bool {
		overlap = a.start < end
		return false
	})
	return overlap
}

// Insert maps area and copies data to the start of its first page.
func (as *AddressSpace) Insert(area *MapArea, data []byte) *kernel.Error {
	return as.insert(area, 0, data)
}

func (as *AddressSpace) insert(area *MapArea, offset uint64, data []byte) *kernel.Error {
	if as.overlaps(area.start, area.end) {
		return ErrRegionOverlap
	}

	if err := area.mapRange(as.table, as.phys.Frames, area.start, area.end); err != nil {
		return err
	}

	if len(data) != 0 {
		area.copyData(as.phys.Mem, as.table, offset, data)
	}

	as.areas.ReplaceOrInsert(area)
	return nil
}

// InsertFramedArea maps [startVA, endVA) with freshly allocated frames.
func (as *AddressSpace) InsertFramedArea(startVA, endVA mem.VirtAddr, perm MapPermission) *kernel.Error {
	return as.Insert(NewMapArea(startVA, endVA, MapFramed, perm), nil)
}

// RemoveAreaWithStartVPN unmaps the area starting at vpn and releases its
// frames.
func (as *AddressSpace) RemoveAreaWithStartVPN(vpn mem.VirtPageNum) *kernel.Error {
	area, ok := as.areas.Delete(&MapArea{start: vpn})
	if !ok {
		return ErrNoSuchArea
	}

	area.unmapRange(as.table, as.phys.Frames, area.start, area.end)
	return nil
}

// Areas returns the mapped areas ordered by start page.
func (as *AddressSpace) Areas() []*MapArea {
	areas := make([]*MapArea, 0, as.areas.Len())
	as.areas.Ascend(func(a *MapArea) bool {
		areas = append(areas, a)
		return true
	})
	return areas
}

// Translate returns the leaf entry for vpn.
func (as *AddressSpace) Translate(vpn mem.VirtPageNum) (PageTableEntry, *kernel.Error) {
	return as.table.Translate(vpn)
}

// Token returns the satp value that activates this address space.
func (as *AddressSpace) Token() uint64 { return as.table.Token() }

// Table returns the page table of the address space.
func (as *AddressSpace) Table() *PageTable { return as.table }

// HeapBottom returns the lowest address of the heap.
func (as *AddressSpace) HeapBottom() uint64 { return as.heapBottom }

// Brk returns the current program break.
func (as *AddressSpace) Brk() uint64 { return as.brk }

// ChangeProgramBrk moves the program break by delta bytes, mapping or
// unmapping heap pages as needed, and returns the previous break.
func (as *AddressSpace) ChangeProgramBrk(delta int64) (uint64, *kernel.Error) {
	oldBrk := as.brk
	newBrk := uint64(int64(oldBrk) + delta)
	if (delta < 0 && newBrk > oldBrk) || newBrk < as.heapBottom {
		return 0, ErrBadBreak
	}

	heap, ok := as.areas.Get(&MapArea{start: mem.NewVirtAddr(as.heapBottom).Floor()})
	if !ok {
		return 0, ErrBadBreak
	}

	// Not masked: a break past the user half must fail the bounds check
	// below rather than wrap around.
	newEnd := mem.VirtAddr(newBrk).Ceil()
	switch {
	case newEnd < heap.end:
		heap.unmapRange(as.table, as.phys.Frames, newEnd, heap.end)
		heap.end = newEnd
	case newEnd > heap.end:
		if as.nextAreaStart(heap) < newEnd {
			return 0, ErrBadBreak
		}
		if err := heap.mapRange(as.table, as.phys.Frames, heap.end, newEnd); err != nil {
			return 0, err
		}
		heap.end = newEnd
	}

	as.brk = newBrk
	return oldBrk, nil
}

// nextAreaStart returns the start of the area following a, or the end of
// the virtual page space.
func (as *AddressSpace) nextAreaStart(a *MapArea) mem.VirtPageNum {
	next := mem.VirtPageNum(1 << mem.VPNWidth)
	as.areas.AscendGreaterOrEqual(&MapArea{start: a.start + 1}, func(n *MapArea) bool {
		next = n.start
		return false
	})
	return next
}

// RecycleDataPages unmaps every area and frees its frames. The page table
// and its interior frames stay allocated until Destroy.
func (as *AddressSpace) RecycleDataPages() {
	as.areas.Ascend(func(a *MapArea) bool {
		a.unmapRange(as.table, as.phys.Frames, a.start, a.end)
		return true
	})
	as.areas.Clear(false)
}

// Destroy releases every frame owned by the address space.
func (as *AddressSpace) Destroy() {
	as.RecycleDataPages()
	as.table.Destroy()
}
