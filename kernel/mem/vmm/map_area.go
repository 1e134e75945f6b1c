package vmm

import (
	"rvgopher/kernel"
	"rvgopher/kernel/kfmt"
	"rvgopher/kernel/mem"
	"rvgopher/kernel/mem/pmm"
)

// MapType selects how the pages of a MapArea are backed.
type MapType uint8

const (
	// MapIdentical maps each virtual page to the physical page with the
	// same number.
	MapIdentical MapType = iota

	// MapFramed backs each virtual page with a freshly allocated frame that
	// the area owns.
	MapFramed
)

func (t MapType) String() string {
	if t == MapIdentical {
		return "identical"
	}
	return "framed"
}

// MapPermission is the subset of PTE flags an area may request.
type MapPermission uint8

// Area permissions. The values match the PTE flag bits.
const (
	PermRead    = MapPermission(FlagRead)
	PermWrite   = MapPermission(FlagWrite)
	PermExecute = MapPermission(FlagExecute)
	PermUser    = MapPermission(FlagUser)
)

func (p MapPermission) String() string {
	buf := []byte("----")
	for i, c := range "RWXU" {
		if p&MapPermission(1<<(i+1)) != 0 {
			buf[i] = byte(c)
		}
	}
	return string(buf)
}

// MapArea is a contiguous range of virtual pages [Start, End) with uniform
// permissions.
type MapArea struct {
	start, end mem.VirtPageNum
	frames     map[mem.VirtPageNum]pmm.Frame
	mapType    MapType
	perm       MapPermission
}

// NewMapArea returns an area covering every page touched by [startVA, endVA).
func NewMapArea(startVA, endVA mem.VirtAddr, mapType MapType, perm MapPermission) *MapArea {
	return &MapArea{
		start:   startVA.Floor(),
		end:     endVA.Ceil(),
		frames:  make(map[mem.VirtPageNum]pmm.Frame),
		mapType: mapType,
		perm:    perm,
	}
}

// cloneEmpty returns an area with the same range and permissions but no
// backing frames.
func (a *MapArea) cloneEmpty() *MapArea {
	return &MapArea{
		start:   a.start,
		end:     a.end,
		frames:  make(map[mem.VirtPageNum]pmm.Frame),
		mapType: a.mapType,
		perm:    a.perm,
	}
}

// Start returns the first page of the area.
func (a *MapArea) Start() mem.VirtPageNum { return a.start }

// End returns the page following the last page of the area.
func (a *MapArea) End() mem.VirtPageNum { return a.end }

// Type returns how the area is backed.
func (a *MapArea) Type() MapType { return a.mapType }

// Perm returns the area permissions.
func (a *MapArea) Perm() MapPermission { return a.perm }

// Pages returns the number of pages in the area.
func (a *MapArea) Pages() uint64 { return uint64(a.end - a.start) }

func (a *MapArea) mapOne(pt *PageTable, alloc pmm.FrameAllocator, vpn mem.VirtPageNum) *kernel.Error {
	var ppn mem.PhysPageNum

	switch a.mapType {
	case MapIdentical:
		ppn = mem.PhysPageNum(vpn)
	case MapFramed:
		frame, err := alloc.AllocFrame()
		if err != nil {
			return err
		}
		a.frames[vpn] = frame
		ppn = frame.PPN()
	}

	err := pt.Map(vpn, ppn, PageTableEntryFlag(a.perm))
	switch {
	case err == ErrDuplicateMapping:
		// A page inside a non-overlapping area can only be mapped twice if
		// the area set and the page table disagree.
		kfmt.Panic(err)
		return err
	case err != nil:
		if frame, ok := a.frames[vpn]; ok {
			_ = alloc.FreeFrame(frame)
			delete(a.frames, vpn)
		}
		return err
	}
	return nil
}

func (a *MapArea) unmapOne(pt *PageTable, alloc pmm.FrameAllocator, vpn mem.VirtPageNum) {
	if a.mapType == MapFramed {
		if frame, ok := a.frames[vpn]; ok {
			_ = alloc.FreeFrame(frame)
			delete(a.frames, vpn)
		}
	}

	if err := pt.Unmap(vpn); err != nil {
		kfmt.Panic(err)
	}
}

func (a *MapArea) mapRange(pt *PageTable, alloc pmm.FrameAllocator, from, to mem.VirtPageNum) *kernel.Error {
	for vpn := from; vpn < to; vpn++ {
		if err := a.mapOne(pt, alloc, vpn); err != nil {
			a.unmapRange(pt, alloc, from, vpn)
			return err
		}
	}
	return nil
}

func (a *MapArea) unmapRange(pt *PageTable, alloc pmm.FrameAllocator, from, to mem.VirtPageNum) {
	for vpn := from; vpn < to; vpn++ {
		a.unmapOne(pt, alloc, vpn)
	}
}

// copyData writes data into the area starting offset bytes into its first
// page.
func (a *MapArea) copyData(m *pmm.Memory, pt *PageTable, offset uint64, data []byte) {
	vpn := a.start
	for len(data) != 0 {
		pte, err := pt.Translate(vpn)
		if err != nil {
			kfmt.Panic(err)
			return
		}

		n := copy(m.Bytes(pte.PPN())[offset:], data)
		data = data[n:]
		offset = 0
		vpn++
	}
}
