package syscall

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"

	"rvgopher/kernel/loader"
	"rvgopher/kernel/mem"
	"rvgopher/kernel/mem/pmm"
	"rvgopher/kernel/mem/pmm/allocator"
	"rvgopher/kernel/mem/vmm"
	"rvgopher/kernel/task"
)

const dataVA = 0x11000

type fakeClock uint64

func (c fakeClock) GetTimeMs() uint64 { return uint64(c) }

func program(entry uint64) []byte {
	return loader.Build(&loader.Image{
		Entry: entry,
		Segments: []loader.Segment{
			{Vaddr: 0x10000, Memsz: 0x1000, Flags: elf.PF_R | elf.PF_X, Data: []byte{0x73, 0, 0, 0}},
			{Vaddr: dataVA, Memsz: 0x1000, Flags: elf.PF_R | elf.PF_W},
		},
	})
}

type harness struct {
	kernel  *task.Kernel
	mem     *pmm.Memory
	handler *Handler
	console bytes.Buffer
	apps    *loader.Apps
	scripts map[task.PID]func(*task.Task)
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	m := pmm.NewMemory(mem.PhysBasePPN, 256)
	start := pmm.FrameFromPPN(mem.PhysBasePPN)
	alloc := allocator.NewBitmapAllocator(m, start, start+256)
	tramp, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	phys := &vmm.Physical{Mem: m, Frames: alloc, Trampoline: tramp}
	ks, err := vmm.NewKernelSpace(phys)
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{mem: m, apps: loader.NewApps(), scripts: make(map[task.PID]func(*task.Task))}
	if err := h.apps.Add("other", program(0x10004)); err != nil {
		t.Fatal(err)
	}

	layout := task.Layout{UserStackSize: mem.PageSize, KernelStackSize: mem.PageSize}
	h.kernel = task.NewKernel(phys, ks, task.NewManager(), layout, func() {
		cur := h.kernel.Current()
		h.scripts[cur.PID()](cur)
		h.handler.Dispatch(SysExit, [3]uint64{0})
	})
	h.handler = NewHandler(h.kernel, m, &h.console, fakeClock(1234), h.apps)
	return h
}

func (h *harness) spawn(t *testing.T, script func(*task.Task)) *task.Task {
	t.Helper()
	tsk, err := h.kernel.NewTask(program(0x10000))
	if err != nil {
		t.Fatal(err)
	}
	h.scripts[tsk.PID()] = script
	if err = h.kernel.Add(tsk); err != nil {
		t.Fatal(err)
	}
	return tsk
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	if err := h.kernel.RunTasks(); err != nil {
		t.Fatal(err)
	}
}

// poke copies data into the user memory of tsk at va.
func (h *harness) poke(t *testing.T, tsk *task.Task, va uint64, data []byte) {
	t.Helper()
	buf, err := vmm.TranslatedRefMut(h.mem, tsk.Token(), va, uint64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	copy(buf, data)
}

func TestSimpleCalls(t *testing.T) {
	h := newHarness(t)

	var got []int64
	h.spawn(t, func(cur *task.Task) {
		h.poke(t, cur, dataVA, []byte("hello, world"))
		got = append(got,
			h.handler.Dispatch(SysWrite, [3]uint64{FdStdout, dataVA, 5}),
			h.handler.Dispatch(SysWrite, [3]uint64{2, dataVA, 5}),
			h.handler.Dispatch(SysWrite, [3]uint64{FdStdout, 0x40000000, 5}),
			h.handler.Dispatch(SysGetPid, [3]uint64{}),
			h.handler.Dispatch(SysGetTime, [3]uint64{}),
			h.handler.Dispatch(SysYield, [3]uint64{}),
			h.handler.Dispatch(999, [3]uint64{}),
		)
	})
	h.run(t)

	exp := []int64{5, -1, -1, 0, 1234, 0, -1}
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Fatalf("unexpected syscall results (-want +got):\n%s", diff)
	}
	if out := h.console.String(); out != "hello" {
		t.Fatalf("expected console output %q; got %q", "hello", out)
	}
}

func TestWriteAcrossPages(t *testing.T) {
	h := newHarness(t)

	var ret int64
	h.spawn(t, func(cur *task.Task) {
		heap := cur.Space().HeapBottom()
		if h.handler.Dispatch(SysSbrk, [3]uint64{2 * uint64(mem.PageSize)}) != int64(heap) {
			t.Error("expected sbrk to return the old break")
		}
		h.poke(t, cur, heap+uint64(mem.PageSize)-3, []byte("abc"))
		h.poke(t, cur, heap+uint64(mem.PageSize), []byte("def"))
		ret = h.handler.Dispatch(SysWrite, [3]uint64{FdStdout, heap + uint64(mem.PageSize) - 3, 6})
	})
	h.run(t)

	if ret != 6 {
		t.Fatalf("expected write to return 6; got %d", ret)
	}
	if out := h.console.String(); out != "abcdef" {
		t.Fatalf("expected console output %q; got %q", "abcdef", out)
	}
}

func TestSbrk(t *testing.T) {
	h := newHarness(t)

	var (
		heap uint64
		got  []int64
	)
	h.spawn(t, func(cur *task.Task) {
		heap = cur.Space().HeapBottom()
		got = append(got,
			h.handler.Dispatch(SysSbrk, [3]uint64{100}),
			h.handler.Dispatch(SysSbrk, [3]uint64{0}),
			h.handler.Dispatch(SysSbrk, [3]uint64{uint64(1) << 63}),
		)

		shrink := int64(-100)
		got = append(got, h.handler.Dispatch(SysSbrk, [3]uint64{uint64(shrink)}))
		got = append(got, h.handler.Dispatch(SysSbrk, [3]uint64{uint64(shrink)}))
	})
	h.run(t)

	exp := []int64{int64(heap), int64(heap) + 100, -1, int64(heap) + 100, -1}
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Fatalf("unexpected sbrk results (-want +got):\n%s", diff)
	}
}

func TestForkWaitPid(t *testing.T) {
	h := newHarness(t)

	var (
		childPid int64
		waits    []int64
		code     uint32
	)
	h.spawn(t, func(parent *task.Task) {
		if ret := h.handler.Dispatch(SysWaitPid, [3]uint64{^uint64(0), 0}); ret != -1 {
			t.Errorf("expected -1 without children; got %d", ret)
		}

		childPid = h.handler.Dispatch(SysFork, [3]uint64{})
		h.scripts[task.PID(childPid)] = func(*task.Task) {
			h.handler.Dispatch(SysExit, [3]uint64{3})
		}

		for {
			ret := h.handler.Dispatch(SysWaitPid, [3]uint64{uint64(childPid), dataVA + 8})
			waits = append(waits, ret)
			if ret != -2 {
				break
			}
			h.handler.Dispatch(SysYield, [3]uint64{})
		}

		buf, err := vmm.TranslatedRefMut(h.mem, parent.Token(), dataVA+8, 4)
		if err != nil {
			t.Error(err)
			return
		}
		code = binary.LittleEndian.Uint32(buf)
	})
	h.run(t)

	if childPid != 1 {
		t.Fatalf("expected child pid 1; got %d", childPid)
	}
	if diff := cmp.Diff([]int64{-2, 1}, waits); diff != "" {
		t.Fatalf("unexpected waitpid results (-want +got):\n%s", diff)
	}
	if code != 3 {
		t.Fatalf("expected exit code 3; got %d", code)
	}
}

func TestExec(t *testing.T) {
	h := newHarness(t)

	var (
		rets      []int64
		sepc      uint64
		sameToken bool
	)
	h.spawn(t, func(cur *task.Task) {
		h.poke(t, cur, dataVA, []byte("missing\x00other\x00"))
		rets = append(rets,
			h.handler.Dispatch(SysExec, [3]uint64{dataVA}),
			h.handler.Dispatch(SysExec, [3]uint64{0x40000000}),
		)

		token := cur.Token()
		rets = append(rets, h.handler.Dispatch(SysExec, [3]uint64{dataVA + 8}))
		sameToken = token == cur.Token()
		sepc = cur.TrapFrame(h.mem).Sepc
	})
	h.run(t)

	if diff := cmp.Diff([]int64{-1, -1, 0}, rets); diff != "" {
		t.Fatalf("unexpected exec results (-want +got):\n%s", diff)
	}
	if sameToken {
		t.Fatal("expected exec to replace the address space")
	}
	if sepc != 0x10004 {
		t.Fatalf("expected the new entry point 0x10004; got %#x", sepc)
	}
}

func TestKernelPagesAreOffLimits(t *testing.T) {
	h := newHarness(t)

	var (
		rets       []int64
		satpBefore uint64
		satpAfter  uint64
	)
	h.spawn(t, func(cur *task.Task) {
		childPid := h.handler.Dispatch(SysFork, [3]uint64{})
		h.scripts[task.PID(childPid)] = func(*task.Task) {
			h.handler.Dispatch(SysExit, [3]uint64{3})
		}
		h.handler.Dispatch(SysYield, [3]uint64{})

		satpBefore = cur.TrapFrame(h.mem).KernelSatp
		rets = append(rets,
			// KernelSatp lives 34 words into the trap context page.
			h.handler.Dispatch(SysWaitPid, [3]uint64{uint64(childPid), mem.TrapContext + 8*34}),
			h.handler.Dispatch(SysWaitPid, [3]uint64{uint64(childPid), mem.Trampoline}),
			h.handler.Dispatch(SysWrite, [3]uint64{FdStdout, mem.Trampoline, 4}),
			h.handler.Dispatch(SysWrite, [3]uint64{FdStdout, dataVA, ^uint64(0)}),
			h.handler.Dispatch(SysExec, [3]uint64{mem.TrapContext}),
			h.handler.Dispatch(SysWaitPid, [3]uint64{uint64(childPid), dataVA}),
		)
		satpAfter = cur.TrapFrame(h.mem).KernelSatp
	})
	h.run(t)

	if diff := cmp.Diff([]int64{-1, -1, -1, -1, -1, 1}, rets); diff != "" {
		t.Fatalf("unexpected syscall results (-want +got):\n%s", diff)
	}
	if satpAfter != satpBefore {
		t.Fatalf("expected KernelSatp to stay %#x; got %#x", satpBefore, satpAfter)
	}
	if out := h.console.String(); out != "" {
		t.Fatalf("expected no console output; got %q", out)
	}
}
