package task

import (
	"rvgopher/kernel/mem"
	"rvgopher/kernel/mem/pmm"
	"rvgopher/kernel/mem/vmm"
	"rvgopher/kernel/trap"
)

// Status is the scheduling state of a task.
type Status uint8

const (
	// Ready tasks wait for the processor.
	Ready Status = iota

	// Running is the status of the task that owns the processor.
	Running

	// Zombie tasks have exited and wait for their parent to reap them.
	Zombie
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Zombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// Task is the kernel's record of a user program. All fields are guarded by
// the lock of the Kernel that created the task.
type Task struct {
	pid    PID
	kstack *KernelStack

	// trapCxPPN is the frame behind mem.TrapContext in the task's
	// address space.
	trapCxPPN mem.PhysPageNum

	cx     TaskContext
	status Status
	space  *vmm.AddressSpace

	parent   PID
	children []PID
	exitCode int32
}

// PID returns the process id of the task.
func (t *Task) PID() PID { return t.pid }

// Status returns the scheduling state of the task.
func (t *Task) Status() Status { return t.status }

// Space returns the user address space of the task. It is nil once the task
// has been reaped.
func (t *Task) Space() *vmm.AddressSpace { return t.space }

// Token returns the satp value of the task's address space.
func (t *Task) Token() uint64 { return t.space.Token() }

// KernelStack returns the kernel stack of the task.
func (t *Task) KernelStack() *KernelStack { return t.kstack }

// Parent returns the pid of the parent task or NoParent.
func (t *Task) Parent() PID { return t.parent }

// Children returns a copy of the pids of the task's children.
func (t *Task) Children() []PID { return append([]PID(nil), t.children...) }

// ExitCode returns the code the task exited with.
func (t *Task) ExitCode() int32 { return t.exitCode }

// TrapFrame returns the trap frame of the task.
func (t *Task) TrapFrame(m *pmm.Memory) *trap.TrapFrame {
	return trap.FrameAt(m, t.trapCxPPN)
}

func (t *Task) removeChild(pid PID) {
	for i, c := range t.children {
		if c == pid {
			t.children = append(t.children[:i], t.children[i+1:]...)
			return
		}
	}
}
