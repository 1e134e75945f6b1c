package task

import (
	"rvgopher/kernel"
	"rvgopher/kernel/mem"
	"rvgopher/kernel/mem/vmm"
)

// KernelStack is the kernel stack of a task, mapped in the kernel address
// space below the trampoline with a guard page underneath.
type KernelStack struct {
	space    *vmm.AddressSpace
	bottom   uint64
	top      uint64
	released bool
}

func newKernelStack(space *vmm.AddressSpace, pid PID, size mem.Size) (*KernelStack, *kernel.Error) {
	bottom, top := mem.KernelStackPosition(uint64(pid), size)
	if err := space.InsertFramedArea(mem.NewVirtAddr(bottom), mem.NewVirtAddr(top), vmm.PermRead|vmm.PermWrite); err != nil {
		return nil, err
	}

	return &KernelStack{space: space, bottom: bottom, top: top}, nil
}

// Top returns the initial kernel stack pointer.
func (ks *KernelStack) Top() uint64 { return ks.top }

// Bottom returns the lowest address of the stack.
func (ks *KernelStack) Bottom() uint64 { return ks.bottom }

// Release unmaps the stack and frees its frames. Calling Release more than
// once has no effect.
func (ks *KernelStack) Release() {
	if ks.released {
		return
	}
	ks.released = true
	_ = ks.space.RemoveAreaWithStartVPN(mem.NewVirtAddr(ks.bottom).Floor())
}
