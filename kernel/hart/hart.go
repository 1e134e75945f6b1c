// Package hart simulates a single RV64 hardware thread running in user
// mode. Every instruction fetch, load and store is translated through the
// SV39 page table selected by satp, with the permission checks and
// accessed/dirty updates the MMU performs. Traps save the user registers into
// the trap frame mapped at mem.TrapContext and switch satp back to the kernel
// table recorded in that frame, like the trampoline does on real hardware.
package hart

import (
	"math"

	"rvgopher/kernel"
	"rvgopher/kernel/kfmt"
	"rvgopher/kernel/mem"
	"rvgopher/kernel/mem/pmm"
	"rvgopher/kernel/mem/vmm"
	"rvgopher/kernel/trap"
)

var (
	errNoTrapContext = &kernel.Error{Module: "hart", Message: "trap context page is not mapped"}
	errNotUserFrame  = &kernel.Error{Module: "hart", Message: "trap frame does not return to user mode"}
)

// Trap describes why Run stopped executing user code.
type Trap struct {
	Cause trap.Cause

	// Stval holds the faulting address for memory faults and the
	// instruction word for illegal instructions.
	Stval uint64
}

// Hart is a simulated hardware thread.
type Hart struct {
	mem *pmm.Memory

	x    [32]uint64
	pc   uint64
	satp uint64

	// time advances by one tick for every retired instruction.
	time    uint64
	timecmp uint64
}

// New returns a hart attached to physical memory m. The timer is disarmed.
func New(m *pmm.Memory) *Hart {
	return &Hart{mem: m, timecmp: math.MaxUint64}
}

// Time returns the current value of the time counter.
func (h *Hart) Time() uint64 { return h.time }

// SetTimer arms the timer interrupt to fire once Time reaches cmp.
func (h *Hart) SetTimer(cmp uint64) { h.timecmp = cmp }

// Satp returns the active translation root.
func (h *Hart) Satp() uint64 { return h.satp }

// SetSatp installs a translation root.
func (h *Hart) SetSatp(satp uint64) { h.satp = satp }

// Reg returns the value of register r.
func (h *Hart) Reg(r int) uint64 { return h.x[r] }

// PC returns the program counter.
func (h *Hart) PC() uint64 { return h.pc }

// trapFrame returns the trap frame of the address space selected by satp.
func (h *Hart) trapFrame() *trap.TrapFrame {
	pte, err := vmm.FromToken(h.mem, h.satp).Translate(mem.NewVirtAddr(mem.TrapContext).Floor())
	if err != nil {
		kfmt.Panic(errNoTrapContext)
		return nil
	}
	return trap.FrameAt(h.mem, pte.PPN())
}

// Restore switches to the user address space identified by userSatp and
// loads the user registers and program counter from its trap frame.
func (h *Hart) Restore(userSatp uint64) {
	h.satp = userSatp

	tf := h.trapFrame()
	if !tf.UserMode() {
		kfmt.Panic(errNotUserFrame)
	}
	h.x = tf.X
	h.x[0] = 0
	h.pc = tf.Sepc
}

// Save stores the user registers and pc into the trap frame of the active
// address space and switches to the kernel translation root recorded in it.
func (h *Hart) Save() {
	tf := h.trapFrame()
	tf.X = h.x
	tf.Sepc = h.pc
	h.satp = tf.KernelSatp
}

// Run executes user instructions until a trap occurs. The user state is
// saved before Run returns.
func (h *Hart) Run() Trap {
	for {
		if h.time >= h.timecmp {
			h.Save()
			return Trap{Cause: trap.SupervisorTimer}
		}

		if t, trapped := h.step(); trapped {
			h.Save()
			return t
		}
		h.time++
	}
}

// access kinds
const (
	accessFetch = iota
	accessLoad
	accessStore
)

var faultCauses = [...]trap.Cause{
	accessFetch: trap.InstructionPageFault,
	accessLoad:  trap.LoadPageFault,
	accessStore: trap.StorePageFault,
}

// translate returns the byte slice backing [va, va+size) for a user access
// of the given kind. size never crosses a page because accesses are
// naturally aligned.
func (h *Hart) translate(va uint64, size uint64, kind int) ([]byte, *Trap) {
	fault := &Trap{Cause: faultCauses[kind], Stval: va}

	// Bits 63..38 must all match for a canonical SV39 address.
	if top := int64(va) >> (mem.VAWidth - 1); top != 0 && top != -1 {
		return nil, fault
	}

	addr := mem.NewVirtAddr(va)
	pte, err := vmm.FromToken(h.mem, h.satp).Lookup(addr.Floor())
	if err != nil || !pte.HasFlags(vmm.FlagUser) {
		return nil, fault
	}

	switch kind {
	case accessFetch:
		if !pte.Executable() {
			return nil, fault
		}
	case accessLoad:
		if !pte.Readable() {
			return nil, fault
		}
	case accessStore:
		if !pte.Writable() {
			return nil, fault
		}
	}

	if !h.mem.Contains(pte.PPN()) {
		return nil, &Trap{Cause: accessFaults[kind], Stval: va}
	}

	pte.SetFlags(vmm.FlagAccessed)
	if kind == accessStore {
		pte.SetFlags(vmm.FlagDirty)
	}

	off := addr.PageOffset()
	return h.mem.Bytes(pte.PPN())[off : off+size], nil
}

var accessFaults = [...]trap.Cause{
	accessFetch: trap.InstructionFault,
	accessLoad:  trap.LoadFault,
	accessStore: trap.StoreFault,
}
