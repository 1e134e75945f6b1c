// Package trap defines the trap frame shared by the hart and the kernel, and
// the trap causes the kernel handles.
package trap

import (
	"fmt"
	"io"
	"unsafe"

	"rvgopher/kernel/mem"
	"rvgopher/kernel/mem/pmm"
)

// Sstatus bits used by the kernel.
const (
	SstatusSPIE = uint64(1) << 5
	SstatusSPP  = uint64(1) << 8
)

// Register indices in TrapFrame.X.
const (
	RegZero = 0
	RegRA   = 1
	RegSP   = 2
	RegA0   = 10
	RegA1   = 11
	RegA2   = 12
	RegA7   = 17
)

// TrapFrame contains a snapshot of all user registers when a trap occurs,
// plus the values the trap entry path needs to switch into the kernel. It
// occupies the start of the task's trap context page.
type TrapFrame struct {
	X       [32]uint64
	Sstatus uint64
	Sepc    uint64

	// Written once at task creation and read by the trap entry path.
	KernelSatp  uint64
	KernelSP    uint64
	TrapHandler uint64
}

// FrameAt returns the trap frame stored in frame ppn.
func FrameAt(m *pmm.Memory, ppn mem.PhysPageNum) *TrapFrame {
	return (*TrapFrame)(unsafe.Pointer(&m.Words(ppn)[0]))
}

// AppInitContext returns the frame that makes the first trap return of a
// task start executing entry in user mode with the given stack pointer.
func AppInitContext(entry, sp, kernelSatp, kernelSP, trapHandler uint64) TrapFrame {
	tf := TrapFrame{
		Sstatus:     SstatusSPIE,
		Sepc:        entry,
		KernelSatp:  kernelSatp,
		KernelSP:    kernelSP,
		TrapHandler: trapHandler,
	}
	tf.SetSP(sp)
	return tf
}

// SetSP sets the user stack pointer.
func (tf *TrapFrame) SetSP(sp uint64) {
	tf.X[RegSP] = sp
}

// UserMode reports whether sret returns to user mode.
func (tf *TrapFrame) UserMode() bool {
	return tf.Sstatus&SstatusSPP == 0
}

var abiNames = [32]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// DumpTo outputs the register contents to w.
func (tf *TrapFrame) DumpTo(w io.Writer) {
	for i := 0; i < 32; i += 2 {
		fmt.Fprintf(w, "%-4s = %016x %-4s = %016x\n", abiNames[i], tf.X[i], abiNames[i+1], tf.X[i+1])
	}
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "sepc = %016x sstatus = %016x\n", tf.Sepc, tf.Sstatus)
}
