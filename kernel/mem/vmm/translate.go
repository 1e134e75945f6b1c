package vmm

import (
	"rvgopher/kernel"
	"rvgopher/kernel/mem"
	"rvgopher/kernel/mem/pmm"
)

// maxStrLen bounds TranslatedStr so that a missing terminator cannot walk
// the whole address space.
const maxStrLen = 4096

var (
	// ErrStrTooLong is returned by TranslatedStr when no terminator is
	// found within maxStrLen bytes.
	ErrStrTooLong = &kernel.Error{Module: "vmm", Message: "string is not terminated"}

	// ErrCrossPage is returned by TranslatedRefMut for an object that
	// straddles a page boundary.
	ErrCrossPage = &kernel.Error{Module: "vmm", Message: "object crosses a page boundary"}

	// ErrPermission is returned when a user buffer touches a page that the
	// task could not access itself with the same kind of access.
	ErrPermission = &kernel.Error{Module: "vmm", Message: "page is not accessible from user mode"}

	// ErrBadRange is returned for a buffer that wraps around the end of the
	// address space.
	ErrBadRange = &kernel.Error{Module: "vmm", Message: "buffer wraps around the address space"}
)

// userPage returns the frame behind the page holding va, provided that the
// leaf grants user access together with every flag in need. Non-canonical
// addresses have no mapping.
func userPage(pt *PageTable, va uint64, need PageTableEntryFlag) (mem.PhysPageNum, *kernel.Error) {
	if top := int64(va) >> (mem.VAWidth - 1); top != 0 && top != -1 {
		return 0, ErrNoMapping
	}

	pte, err := pt.Translate(mem.NewVirtAddr(va).Floor())
	if err != nil {
		return 0, err
	}
	if !pte.HasFlags(FlagUser | need) {
		return 0, ErrPermission
	}
	return pte.PPN(), nil
}

// TranslatedByteBuffer returns the physical byte ranges that back the
// user-readable virtual range [ptr, ptr+length) of the address space
// identified by token. The range may span several pages, hence several
// slices.
func TranslatedByteBuffer(m *pmm.Memory, token, ptr, length uint64) ([][]byte, *kernel.Error) {
	if ptr+length < ptr {
		return nil, ErrBadRange
	}

	var (
		pt      = FromToken(m, token)
		start   = ptr
		end     = ptr + length
		buffers [][]byte
	)

	for start < end {
		ppn, err := userPage(pt, start, FlagRead)
		if err != nil {
			return nil, err
		}

		off := mem.NewVirtAddr(start).PageOffset()
		chunkEnd := min(start-off+uint64(mem.PageSize), end)

		buffers = append(buffers, m.Bytes(ppn)[off:off+(chunkEnd-start)])
		start = chunkEnd
	}

	return buffers, nil
}

// TranslatedStr reads a NUL-terminated string at ptr in the address space
// identified by token. Every byte must be readable from user mode.
func TranslatedStr(m *pmm.Memory, token, ptr uint64) (string, *kernel.Error) {
	var (
		pt  = FromToken(m, token)
		buf []byte
	)

	for len(buf) < maxStrLen {
		ppn, err := userPage(pt, ptr, FlagRead)
		if err != nil {
			return "", err
		}

		ch := m.Bytes(ppn)[mem.NewVirtAddr(ptr).PageOffset()]
		if ch == 0 {
			return string(buf), nil
		}
		buf = append(buf, ch)
		ptr++
	}

	return "", ErrStrTooLong
}

// TranslatedRefMut returns a writable view of the size bytes at ptr in the
// address space identified by token. The object must not cross a page
// boundary and its page must be writable from user mode.
func TranslatedRefMut(m *pmm.Memory, token, ptr, size uint64) ([]byte, *kernel.Error) {
	off := mem.NewVirtAddr(ptr).PageOffset()
	if size > uint64(mem.PageSize) || off+size > uint64(mem.PageSize) {
		return nil, ErrCrossPage
	}

	ppn, err := userPage(FromToken(m, token), ptr, FlagWrite)
	if err != nil {
		return nil, err
	}

	return m.Bytes(ppn)[off : off+size], nil
}
