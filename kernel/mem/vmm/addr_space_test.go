package vmm

import (
	"debug/elf"
	"testing"

	"github.com/google/go-cmp/cmp"

	"rvgopher/kernel/loader"
	"rvgopher/kernel/mem"
	"rvgopher/kernel/mem/pmm"
	"rvgopher/kernel/mem/pmm/allocator"
)

func newTestPhysical(t *testing.T, frames uint64) (*Physical, *allocator.BitmapAllocator) {
	t.Helper()
	m, alloc := newTestMemory(t, frames)
	trampoline, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	return &Physical{Mem: m, Frames: alloc, Trampoline: trampoline}, alloc
}

func testProgram() []byte {
	return loader.Build(&loader.Image{
		Entry: 0x10000,
		Segments: []loader.Segment{
			{Vaddr: 0x10000, Memsz: 0x1000, Flags: elf.PF_R | elf.PF_X, Data: []byte{0x73, 0, 0, 0}},
			{Vaddr: 0x11000, Memsz: 0x1800, Flags: elf.PF_R | elf.PF_W, Data: []byte("data!")},
		},
	})
}

type areaSummary struct {
	Start, End mem.VirtPageNum
	Perm       string
}

func summarize(as *AddressSpace) []areaSummary {
	var out []areaSummary
	for _, a := range as.Areas() {
		out = append(out, areaSummary{a.Start(), a.End(), a.Perm().String()})
	}
	return out
}

func TestFromImage(t *testing.T) {
	phys, _ := newTestPhysical(t, 64)

	as, sp, entry, err := FromImage(phys, testProgram(), 2*mem.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	if entry != 0x10000 {
		t.Fatalf("expected entry 0x10000; got %x", entry)
	}
	// data ends at page 0x13, guard page 0x13, stack 0x14-0x15
	if sp != 0x16000 {
		t.Fatalf("expected user sp 0x16000; got %x", sp)
	}

	exp := []areaSummary{
		{0x10, 0x11, "R-XU"},
		{0x11, 0x13, "RW-U"},
		{0x14, 0x16, "RW-U"},
		{0x16, 0x16, "RW-U"},
		{0x7fffffe, 0x7ffffff, "RW--"},
	}
	if diff := cmp.Diff(exp, summarize(as)); diff != "" {
		t.Fatalf("area layout mismatch (-want +got):\n%s", diff)
	}

	// Guard page below the stack stays unmapped.
	if _, err := as.Translate(0x13); err != ErrNoMapping {
		t.Fatalf("expected guard page to be unmapped; got %v", err)
	}

	tramp, err := as.Translate(mem.NewVirtAddr(mem.Trampoline).Floor())
	if err != nil {
		t.Fatal(err)
	}
	if tramp.PPN() != phys.Trampoline.PPN() || !tramp.HasFlags(FlagGlobal|FlagExecute) || tramp.HasFlags(FlagUser) {
		t.Fatalf("unexpected trampoline mapping: ppn %x flags %s", tramp.PPN(), tramp.Flags())
	}

	data, err := TranslatedByteBuffer(phys.Mem, as.Token(), 0x11000, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 1 || string(data[0]) != "data!" {
		t.Fatalf("expected segment data to be copied; got %q", data)
	}

	code, err := as.Translate(0x10)
	if err != nil {
		t.Fatal(err)
	}
	if got := phys.Mem.Bytes(code.PPN())[0]; got != 0x73 {
		t.Fatalf("expected code byte 0x73; got %x", got)
	}
}

func TestFromImageBadImage(t *testing.T) {
	phys, alloc := newTestPhysical(t, 16)
	free := alloc.FreeCount()

	if _, _, _, err := FromImage(phys, []byte("junk"), mem.PageSize); err != loader.ErrBadImage {
		t.Fatalf("expected ErrBadImage; got %v", err)
	}
	if got := alloc.FreeCount(); got != free {
		t.Fatalf("expected no frames to leak; free count %d -> %d", free, got)
	}
}

func TestFromImageNoRoomForStack(t *testing.T) {
	phys, alloc := newTestPhysical(t, 16)
	free := alloc.FreeCount()

	image := loader.Build(&loader.Image{
		Entry: mem.UserSpaceEnd - 0x1000,
		Segments: []loader.Segment{
			{Vaddr: mem.UserSpaceEnd - 0x1000, Memsz: 0x1000, Flags: elf.PF_R | elf.PF_X},
		},
	})
	if _, _, _, err := FromImage(phys, image, mem.PageSize); err != loader.ErrBadSegment {
		t.Fatalf("expected ErrBadSegment; got %v", err)
	}
	if got := alloc.FreeCount(); got != free {
		t.Fatalf("expected a failed build to release its frames; free count %d -> %d", free, got)
	}
}

func TestFromImageOutOfMemory(t *testing.T) {
	phys, alloc := newTestPhysical(t, 8)
	free := alloc.FreeCount()

	if _, _, _, err := FromImage(phys, testProgram(), 2*mem.PageSize); err != allocator.ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}
	if got := alloc.FreeCount(); got != free {
		t.Fatalf("expected a failed build to release its frames; free count %d -> %d", free, got)
	}
}

func TestAddressSpaceIsolation(t *testing.T) {
	phys, _ := newTestPhysical(t, 64)

	a, _, _, err := FromImage(phys, testProgram(), mem.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	b, _, _, err := FromImage(phys, testProgram(), mem.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	if a.Table().Root() == b.Table().Root() {
		t.Fatal("expected distinct root tables")
	}

	owned := make(map[pmm.Frame]bool)
	for _, f := range a.Table().Frames() {
		owned[f] = true
	}
	for _, f := range b.Table().Frames() {
		if owned[f] {
			t.Fatalf("frame %x is owned by both page tables", f)
		}
	}

	bufA, err := TranslatedRefMut(phys.Mem, a.Token(), 0x11000, 1)
	if err != nil {
		t.Fatal(err)
	}
	bufA[0] = 'X'

	bufB, err := TranslatedRefMut(phys.Mem, b.Token(), 0x11000, 1)
	if err != nil {
		t.Fatal(err)
	}
	if bufB[0] != 'd' {
		t.Fatalf("expected write through one space to be invisible in the other; got %q", bufB[0])
	}
}

func TestFromExisting(t *testing.T) {
	phys, _ := newTestPhysical(t, 64)

	parent, _, _, err := FromImage(phys, testProgram(), mem.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := parent.ChangeProgramBrk(100); err != nil {
		t.Fatal(err)
	}

	child, err := FromExisting(parent)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(summarize(parent), summarize(child)); diff != "" {
		t.Fatalf("child layout mismatch (-parent +child):\n%s", diff)
	}
	if child.Brk() != parent.Brk() || child.HeapBottom() != parent.HeapBottom() {
		t.Fatal("expected child to inherit the program break")
	}

	for _, area := range parent.Areas() {
		for vpn := area.Start(); vpn < area.End(); vpn++ {
			pp, err := parent.Translate(vpn)
			if err != nil {
				t.Fatal(err)
			}
			cp, err := child.Translate(vpn)
			if err != nil {
				t.Fatal(err)
			}
			if pp.PPN() == cp.PPN() {
				t.Fatalf("expected page %x to be copied, not shared", vpn)
			}
			if pp.Flags() != cp.Flags() {
				t.Fatalf("expected page %x flags %s; got %s", vpn, pp.Flags(), cp.Flags())
			}
			if diff := cmp.Diff(phys.Mem.Bytes(pp.PPN()), phys.Mem.Bytes(cp.PPN())); diff != "" {
				t.Fatalf("page %x contents differ", vpn)
			}
		}
	}
}

func TestInsertOverlap(t *testing.T) {
	phys, _ := newTestPhysical(t, 32)
	as, err := NewAddressSpace(phys)
	if err != nil {
		t.Fatal(err)
	}

	if err := as.InsertFramedArea(0x10000, 0x13000, PermRead); err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		start, end mem.VirtAddr
		expErr     bool
	}{
		{0x10000, 0x11000, true},
		{0x12000, 0x14000, true},
		{0x0f000, 0x10001, true},
		{0x11000, 0x11000, true},
		{0x0f000, 0x10000, false},
		{0x13000, 0x14000, false},
	}

	for specIndex, spec := range specs {
		err := as.InsertFramedArea(spec.start, spec.end, PermRead)
		if spec.expErr && err != ErrRegionOverlap {
			t.Errorf("[spec %d] expected ErrRegionOverlap; got %v", specIndex, err)
		}
		if !spec.expErr && err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
		}
	}
}

func TestRemoveArea(t *testing.T) {
	phys, alloc := newTestPhysical(t, 32)
	as, err := NewAddressSpace(phys)
	if err != nil {
		t.Fatal(err)
	}

	if err := as.InsertFramedArea(0x10000, 0x12000, PermRead|PermWrite); err != nil {
		t.Fatal(err)
	}
	free := alloc.FreeCount()

	if err := as.RemoveAreaWithStartVPN(0x10); err != nil {
		t.Fatal(err)
	}
	if got := alloc.FreeCount(); got != free+2 {
		t.Fatalf("expected 2 frames to be released; free count %d -> %d", free, got)
	}
	if _, err := as.Translate(0x10); err != ErrNoMapping {
		t.Fatalf("expected page to be unmapped; got %v", err)
	}
	if err := as.RemoveAreaWithStartVPN(0x10); err != ErrNoSuchArea {
		t.Fatalf("expected ErrNoSuchArea; got %v", err)
	}
}

func TestChangeProgramBrk(t *testing.T) {
	phys, _ := newTestPhysical(t, 64)
	as, sp, _, err := FromImage(phys, testProgram(), mem.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	if as.HeapBottom() != sp || as.Brk() != sp {
		t.Fatalf("expected heap to start at the stack top %x", sp)
	}

	old, err := as.ChangeProgramBrk(int64(mem.PageSize) + 16)
	if err != nil {
		t.Fatal(err)
	}
	if old != sp {
		t.Fatalf("expected old break %x; got %x", sp, old)
	}

	heapVPN := mem.NewVirtAddr(sp).Floor()
	for _, vpn := range []mem.VirtPageNum{heapVPN, heapVPN + 1} {
		if pte, err := as.Translate(vpn); err != nil || !pte.HasFlags(FlagUser|FlagWrite) {
			t.Fatalf("expected heap page %x to be mapped RW for user; got %v", vpn, err)
		}
	}

	if _, err := as.ChangeProgramBrk(-16); err != nil {
		t.Fatal(err)
	}
	if _, err := as.Translate(heapVPN + 1); err != ErrNoMapping {
		t.Fatalf("expected shrink to unmap page %x; got %v", heapVPN+1, err)
	}
	if as.Brk() != sp+uint64(mem.PageSize) {
		t.Fatalf("expected break %x; got %x", sp+uint64(mem.PageSize), as.Brk())
	}

	if _, err := as.ChangeProgramBrk(-2 * int64(mem.PageSize)); err != ErrBadBreak {
		t.Fatalf("expected ErrBadBreak below the heap bottom; got %v", err)
	}

	if _, err := as.ChangeProgramBrk(1 << 40); err != ErrBadBreak {
		t.Fatalf("expected ErrBadBreak when growing into the trap context; got %v", err)
	}
}

func TestRecycleAndDestroy(t *testing.T) {
	phys, alloc := newTestPhysical(t, 64)
	free := alloc.FreeCount()

	as, _, _, err := FromImage(phys, testProgram(), 2*mem.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	tables := len(as.Table().Frames())
	as.RecycleDataPages()
	if got := alloc.FreeCount(); got != free-uint64(tables) {
		t.Fatalf("expected only the %d table frames to remain allocated; free count %d -> %d", tables, free, got)
	}
	if len(as.Areas()) != 0 {
		t.Fatal("expected no areas after RecycleDataPages")
	}

	as.Destroy()
	if got := alloc.FreeCount(); got != free {
		t.Fatalf("expected every frame to be released; free count %d -> %d", free, got)
	}
}

func TestKernelSpace(t *testing.T) {
	phys, _ := newTestPhysical(t, 64)
	ks, err := NewKernelSpace(phys)
	if err != nil {
		t.Fatal(err)
	}

	for ppn := phys.Mem.Base(); ppn < phys.Mem.End(); ppn += 7 {
		pte, err := ks.Translate(mem.VirtPageNum(ppn))
		if err != nil {
			t.Fatal(err)
		}
		if pte.PPN() != ppn || pte.HasFlags(FlagUser) {
			t.Fatalf("expected identity mapping for %x; got ppn %x flags %s", ppn, pte.PPN(), pte.Flags())
		}
	}
}
